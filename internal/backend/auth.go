package backend

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// AuthManager lazily logs in the service account and caches the bearer token
// for the lifetime of the client. A 401 on any privileged call invalidates the
// cached token so the next acquisition performs a fresh login.
type AuthManager struct {
	login func(ctx context.Context) (*Session, error)

	mu      sync.RWMutex
	session *Session
	logger  *zap.Logger
}

// NewAuthManager builds a manager around the provided login function.
func NewAuthManager(login func(ctx context.Context) (*Session, error), logger *zap.Logger) *AuthManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthManager{login: login, logger: logger}
}

// Token returns the cached admin token, logging in on first use.
func (a *AuthManager) Token(ctx context.Context) (string, error) {
	a.mu.RLock()
	if a.session != nil {
		token := a.session.AccessToken
		a.mu.RUnlock()
		return token, nil
	}
	a.mu.RUnlock()

	return a.refresh(ctx)
}

// Invalidate drops the cached session. Called when a privileged call comes
// back 401 so the retry acquires a fresh token.
func (a *AuthManager) Invalidate() {
	a.mu.Lock()
	a.session = nil
	a.mu.Unlock()
}

func (a *AuthManager) refresh(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if a.session != nil {
		return a.session.AccessToken, nil
	}

	a.logger.Debug("logging in backend service account")
	session, err := a.login(ctx)
	if err != nil {
		return "", err
	}
	a.session = session
	return session.AccessToken, nil
}
