package migration

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-migrate-api/internal/backend"
	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// teacherRoleNames are the labels under which the backend exposes the teacher
// role; deployments carry either the english or the localised name.
var teacherRoleNames = []string{"teacher", "giáo viên"}

// roleRetryAttempts is the generic ceiling for the role merge; the call is
// important enough to warrant extra attempts.
const roleRetryAttempts = 5

// runRoles drives Phase 5: merge the teachers created in this run into the
// backend's teacher role. The write is additive, never a replacement, so
// previously assigned teachers are never evicted.
func (e *Engine) runRoles(ctx context.Context, users []models.UserRecord) ([]models.UserRecord, error) {
	teacherIDs := make([]string, 0)
	for _, u := range users {
		if u.Kind == models.UserKindTeacher && !u.Failed() && u.UserID != "" && !u.State.RoleAssigned {
			teacherIDs = append(teacherIDs, u.UserID)
		}
	}
	if len(teacherIDs) == 0 {
		return users, nil
	}
	if err := e.ctrl.checkpoint(ctx); err != nil {
		return users, nil
	}

	err := e.retry.DoWith(ctx, RetryPolicy{MaxAttempts: roleRetryAttempts, Delay: e.cfg.RetryDelay, Backoff: true},
		"assign teacher role", func(ctx context.Context) error {
			roles, err := e.api.ListRoles(ctx)
			if err != nil {
				return err
			}
			role := findTeacherRole(roles)
			if role == nil {
				return &backend.Error{Kind: backend.KindNotFound, Message: "teacher role not found"}
			}
			role.UserIDs = unionIDs(role.UserIDs, teacherIDs)
			return e.api.UpdateRole(ctx, *role)
		})
	if err != nil {
		e.logger.Error("teacher role assignment failed", zap.Error(err))
		return users, err
	}

	for i := range users {
		if users[i].Kind == models.UserKindTeacher && !users[i].Failed() && users[i].UserID != "" {
			users[i].State.RoleAssigned = true
		}
	}
	return users, nil
}

func findTeacherRole(roles []backend.RemoteRole) *backend.RemoteRole {
	for i := range roles {
		for _, name := range teacherRoleNames {
			if strings.EqualFold(roles[i].Name, name) {
				return &roles[i]
			}
		}
	}
	return nil
}
