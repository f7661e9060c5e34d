package migration

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-migrate-api/internal/backend"
	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// runClasses drives Phase 4: every class referenced by a successfully created
// student is either topped up (when it already exists remotely) or created
// together with its group. Classes are processed sequentially with a
// checkpoint per class; one class failing never blocks the others.
func (e *Engine) runClasses(ctx context.Context, prefix string, classes []models.ClassRecord, users []models.UserRecord) ([]models.ClassRecord, []models.UserRecord) {
	total := len(classes)
	e.report(models.PhaseClasses, 0, total, users, classes)

	adminTeacherID := e.resolveAdminTeacher(ctx, prefix, users)

	out := make([]models.ClassRecord, 0, len(classes))
	for i, class := range classes {
		if err := e.ctrl.checkpoint(ctx); err != nil {
			out = append(out, classes[i:]...)
			break
		}

		members := classMembers(class.MatchName(), users)
		if len(members) == 0 {
			out = append(out, class)
			continue
		}

		updated := e.assignClass(ctx, class, members, classTeacherIDs(class.MatchName(), users), adminTeacherID)
		out = append(out, updated)
		if updated.FailureReason == "" {
			users = markAddedToClass(users, class.MatchName())
		}
		e.report(models.PhaseClasses, i+1, total, nil, nil)
	}

	e.report(models.PhaseClasses, len(out), total, users, out)
	return out, users
}

// assignClass processes one class. Existing classes only ever receive
// students; teachers are attached exclusively at creation time of new ones.
func (e *Engine) assignClass(ctx context.Context, class models.ClassRecord, studentIDs, teacherIDs []string, adminTeacherID string) models.ClassRecord {
	existing, err := e.findExistingGroup(ctx, class.Name)
	if err != nil {
		class.FailureReason = "group lookup failed: " + err.Error()
		return class
	}

	class.StudentIDs = studentIDs

	if existing != nil {
		class.Existing = true
		class.GroupID = existing.ID
		err = e.retry.Do(ctx, "add members to "+class.Name, func(ctx context.Context) error {
			return e.api.AddGroupMembers(ctx, existing.ID, studentIDs)
		})
		if err != nil {
			class.FailureReason = "add to existing group failed: " + err.Error()
		}
		return class
	}

	var groupID string
	err = e.retry.Do(ctx, "create group "+class.Name, func(ctx context.Context) error {
		id, err := e.api.CreateGroup(ctx, class.Name, studentIDs)
		if err != nil {
			return err
		}
		groupID = id
		return nil
	})
	if err != nil {
		class.FailureReason = "create group failed: " + err.Error()
		return class
	}
	class.GroupID = groupID

	class.TeacherIDs = unionIDs(teacherIDs, []string{adminTeacherID})
	start, end := e.schoolYearRange()
	params := backend.CreateClassParams{
		Name:       class.Name,
		GroupID:    groupID,
		Grade:      class.Grade,
		TeacherIDs: class.TeacherIDs,
		StartDate:  start,
		EndDate:    end,
	}
	err = e.retry.Do(ctx, "create class "+class.Name, func(ctx context.Context) error {
		return e.api.CreateClass(ctx, params)
	})
	if err != nil {
		class.FailureReason = "create class failed: " + err.Error()
		return class
	}

	e.logger.Debug("class created",
		zap.String("class", class.Name),
		zap.Int("students", len(studentIDs)),
		zap.Int("teachers", len(class.TeacherIDs)))
	return class
}

// findExistingGroup looks the class name up remotely, matching
// case-insensitively on the exact name.
func (e *Engine) findExistingGroup(ctx context.Context, name string) (*backend.RemoteGroup, error) {
	var groups []backend.RemoteGroup
	err := e.retry.Do(ctx, "lookup group "+name, func(ctx context.Context) error {
		found, err := e.api.SearchGroups(ctx, name)
		if err != nil {
			return err
		}
		groups = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if strings.EqualFold(groups[i].Name, name) {
			return &groups[i], nil
		}
	}
	return nil, nil
}

// resolveAdminTeacher locates the school-wide teacher attached to every new
// class: preferably a teacher from this batch that is not scoped to any
// class, otherwise an account already present remotely under the school's
// admin username. Returns empty when neither exists.
func (e *Engine) resolveAdminTeacher(ctx context.Context, prefix string, users []models.UserRecord) string {
	for _, u := range users {
		if u.Kind == models.UserKindTeacher && !u.Failed() && u.ClassName == "" && u.UserID != "" {
			return u.UserID
		}
	}

	adminUsername := prefix + "admin"
	var found []backend.RemoteUser
	err := e.retry.Do(ctx, "lookup admin teacher", func(ctx context.Context) error {
		users, err := e.api.SearchUsers(ctx, adminUsername)
		if err != nil {
			return err
		}
		found = users
		return nil
	})
	if err != nil {
		e.logger.Warn("admin teacher lookup failed", zap.Error(err))
		return ""
	}
	for _, u := range found {
		if strings.EqualFold(u.Username, adminUsername) {
			return u.ID
		}
	}
	return ""
}

// schoolYearRange derives the fixed class date range from the configured
// school year.
func (e *Engine) schoolYearRange() (time.Time, time.Time) {
	year := e.cfg.SchoolYear
	if year <= 0 {
		year = time.Now().Year()
	}
	start := time.Date(year, time.September, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(year+1, time.May, 31, 0, 0, 0, 0, time.UTC)
	return start, end
}

// classMembers returns the user IDs of created students targeting the class.
func classMembers(className string, users []models.UserRecord) []string {
	ids := make([]string, 0)
	for _, u := range users {
		if u.Kind != models.UserKindStudent || u.UserID == "" {
			continue
		}
		if strings.EqualFold(u.ClassName, className) {
			ids = append(ids, u.UserID)
		}
	}
	return ids
}

// classTeacherIDs returns the created teachers specifically scoped to the class.
func classTeacherIDs(className string, users []models.UserRecord) []string {
	ids := make([]string, 0)
	for _, u := range users {
		if u.Kind != models.UserKindTeacher || u.UserID == "" || u.Failed() {
			continue
		}
		if strings.EqualFold(u.ClassName, className) {
			ids = append(ids, u.UserID)
		}
	}
	return ids
}

// markAddedToClass flips the membership flag on every student of the class.
func markAddedToClass(users []models.UserRecord, className string) []models.UserRecord {
	for i := range users {
		if users[i].Kind == models.UserKindStudent && users[i].UserID != "" &&
			strings.EqualFold(users[i].ClassName, className) {
			users[i].State.AddedToClass = true
		}
	}
	return users
}
