package migration

import (
	"context"
	"sync"

	"github.com/noah-isme/sma-migrate-api/internal/backend"
	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// runLogin drives Phase 2: log in every registered record that does not hold
// a token yet. Login is not identity-conflict-prone, so the records run as a
// flat list under the login throttle with no base-name grouping; only the
// group concurrency bound is reused to cap in-flight requests.
func (e *Engine) runLogin(ctx context.Context, users []models.UserRecord) []models.UserRecord {
	processed := 0
	total := len(users)
	e.report(models.PhaseLogin, 0, total, users, nil)

	flat := make([][]models.UserRecord, len(users))
	for i, u := range users {
		flat[i] = []models.UserRecord{u}
	}

	var mu sync.Mutex
	result := e.runGroups(ctx, flat, func(ctx context.Context, rec models.UserRecord) models.UserRecord {
		rec = e.loginUser(ctx, rec)
		mu.Lock()
		processed++
		done := processed
		mu.Unlock()
		e.report(models.PhaseLogin, done, total, nil, nil)
		return rec
	})

	out := flatten(result)
	e.report(models.PhaseLogin, processed, total, out, nil)
	return out
}

// loginUser logs one record in. A login failure does not undo the Phase 1
// success: the record keeps its registered state for a later retry pass.
func (e *Engine) loginUser(ctx context.Context, rec models.UserRecord) models.UserRecord {
	if rec.Failed() || !rec.State.Registered {
		return rec
	}
	if rec.State.LoggedIn && rec.AccessToken != "" {
		return rec
	}

	session, err := e.loginOnce(ctx, rec.ActualUsername, rec.Password)
	if err != nil {
		rec.FailureReason = "login failed: " + err.Error()
		return rec
	}
	rec.UserID = session.UserID
	rec.AccessToken = session.AccessToken
	rec.LoginDisplayName = session.DisplayName
	rec.State.LoggedIn = true
	return rec
}

// loginOnce performs a throttled, retried login call.
func (e *Engine) loginOnce(ctx context.Context, username, password string) (*backend.Session, error) {
	var session *backend.Session
	err := e.retry.Do(ctx, "login "+username, func(ctx context.Context) error {
		return e.loginThrottle.Dispatch(ctx, func() error {
			s, err := e.api.Login(ctx, username, password)
			if err != nil {
				return err
			}
			session = s
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}
