package migration

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-migrate-api/internal/backend"
	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// runRegistration drives Phase 1: claim a free username for every record and
// register it, logging straight in on success so Phase 3 does not need a
// second login. Records are grouped by normalized candidate username so users
// contending for the same base name resolve their suffixes sequentially.
func (e *Engine) runRegistration(ctx context.Context, users []models.UserRecord) []models.UserRecord {
	groups := groupBy(users, func(u models.UserRecord) string { return normalizeKey(u.Username) })

	processed := 0
	total := len(users)
	e.report(models.PhaseRegistration, 0, total, users, nil)

	var mu sync.Mutex
	result := e.runGroups(ctx, groups, func(ctx context.Context, rec models.UserRecord) models.UserRecord {
		rec = e.registerUser(ctx, rec)
		mu.Lock()
		processed++
		done := processed
		mu.Unlock()
		e.report(models.PhaseRegistration, done, total, nil, nil)
		return rec
	})

	out := flatten(result)
	e.report(models.PhaseRegistration, processed, total, out, nil)
	return out
}

// registerUser registers one record, resolving username conflicts with an
// incrementing numeric suffix. Completed records pass through untouched so
// the retry path never re-registers.
func (e *Engine) registerUser(ctx context.Context, rec models.UserRecord) models.UserRecord {
	if rec.State.Registered && rec.ActualUsername != "" {
		return rec
	}

	taken, err := e.lookupTakenUsernames(ctx, rec.Username)
	if err != nil {
		rec.FailureReason = "username lookup failed: " + err.Error()
		return rec
	}

	candidate, err := nextFreeName(rec.Username, taken, e.cfg.MaxSuffixAttempts)
	if err != nil {
		rec.FailureReason = err.Error()
		return rec
	}

	suffix := suffixOf(rec.Username, candidate)
	registered := false
	for attempt := 0; attempt < e.cfg.MaxSuffixAttempts; attempt++ {
		err = e.retry.Do(ctx, "register "+candidate, func(ctx context.Context) error {
			return e.registerThrottle.Dispatch(ctx, func() error {
				return e.api.Register(ctx, candidate, rec.Password)
			})
		})
		if err == nil {
			registered = true
			break
		}
		if backend.IsKind(err, backend.KindConflict) {
			// The lookup missed a racing claim; bump the suffix and go again.
			suffix++
			candidate = rec.Username + strconv.Itoa(suffix)
			continue
		}
		rec.FailureReason = err.Error()
		return rec
	}
	if !registered {
		rec.FailureReason = (&backend.Error{Kind: backend.KindExhausted, Message: "suffix attempts exhausted for " + rec.Username}).Error()
		return rec
	}

	rec.ActualUsername = candidate
	rec.State.Registered = true
	e.logger.Debug("registered", zap.String("username", candidate))

	// Log in immediately with the assigned credentials so the record carries
	// its token into the later phases.
	session, err := e.loginOnce(ctx, candidate, rec.Password)
	if err != nil {
		// Registration stands; only the login is retried in Phase 2.
		rec.FailureReason = "post-register login failed: " + err.Error()
		return rec
	}
	rec.UserID = session.UserID
	rec.AccessToken = session.AccessToken
	rec.LoginDisplayName = session.DisplayName
	rec.State.LoggedIn = true
	return rec
}

// lookupTakenUsernames fetches the set of existing usernames sharing the
// candidate prefix, normalized for case-insensitive matching.
func (e *Engine) lookupTakenUsernames(ctx context.Context, prefix string) (map[string]struct{}, error) {
	var found []backend.RemoteUser
	err := e.retry.Do(ctx, "lookup usernames "+prefix, func(ctx context.Context) error {
		users, err := e.api.SearchUsers(ctx, prefix)
		if err != nil {
			return err
		}
		found = users
		return nil
	})
	if err != nil {
		return nil, err
	}
	taken := make(map[string]struct{}, len(found))
	for _, u := range found {
		taken[normalizeKey(u.Username)] = struct{}{}
	}
	return taken, nil
}

// suffixOf recovers the numeric suffix nextFreeName assigned, so the
// conflict-retry loop continues counting from where the lookup left off.
func suffixOf(base, candidate string) int {
	if candidate == base {
		return 0
	}
	n, err := strconv.Atoi(candidate[len(base):])
	if err != nil {
		return 0
	}
	return n
}
