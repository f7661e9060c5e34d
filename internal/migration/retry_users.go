package migration

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// RetryInput carries previously failed records back into the pipeline, plus
// the class list and school prefix for the downstream class and role steps.
type RetryInput struct {
	SchoolPrefix string
	Users        []models.UserRecord
	Classes      []models.ClassRecord
}

// RetryUsers resumes each record at its furthest completed phase. Completed
// phases are never re-invoked: the remote side effects (registering a
// username, creating a class) are not idempotent, so the state flags are the
// authority on what remains to be done. Class assignment reruns only for
// classes with at least one member still missing its membership, and role
// assignment only when teachers still lack the role.
func (e *Engine) RetryUsers(ctx context.Context, input RetryInput) (*models.MigrationResult, error) {
	if err := e.ctrl.start(); err != nil {
		return nil, err
	}

	users := make([]models.UserRecord, len(input.Users))
	for i, u := range input.Users {
		u.FailureReason = ""
		u.RetryCount++
		users[i] = u
	}

	e.logger.Info("retry pass starting",
		zap.Int("users", len(users)), zap.Int("classes", len(input.Classes)))

	users = e.runRegistration(ctx, users)
	users = e.runLogin(ctx, users)
	users = e.runInitialization(ctx, users)

	classes := pendingClasses(input.Classes, users)
	classes, users = e.runClasses(ctx, input.SchoolPrefix, classes, users)
	users, roleErr := e.runRoles(ctx, users)

	result := e.collect(users, classes, roleErr)
	if e.ctrl.Status() != models.StatusCancelled {
		e.ctrl.complete()
	}
	e.report(models.PhaseRoles, len(users), len(users), users, classes)
	return result, nil
}

// pendingClasses keeps only the classes that still have a member waiting to
// be added.
func pendingClasses(classes []models.ClassRecord, users []models.UserRecord) []models.ClassRecord {
	out := make([]models.ClassRecord, 0, len(classes))
	for _, class := range classes {
		for _, u := range users {
			if u.Kind == models.UserKindStudent && !u.State.AddedToClass &&
				strings.EqualFold(u.ClassName, class.MatchName()) {
				out = append(out, class)
				break
			}
		}
	}
	return out
}
