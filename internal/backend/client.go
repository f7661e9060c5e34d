package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-migrate-api/pkg/config"
)

const maxResponseBytes = 1 << 20

// Client is the REST client for the remote learning-platform backend. All
// privileged calls share one lazily authenticated service-account session.
type Client struct {
	baseURL string
	http    *http.Client
	auth    *AuthManager
	logger  *zap.Logger
}

// New builds a backend client from configuration.
func New(cfg config.BackendConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	c := &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
	c.auth = NewAuthManager(func(ctx context.Context) (*Session, error) {
		return c.Login(ctx, cfg.AdminUsername, cfg.AdminPassword)
	}, logger)
	return c
}

// Register creates an account. A name-exists conflict surfaces as KindConflict.
func (c *Client) Register(ctx context.Context, username, password string) error {
	payload := map[string]string{"username": username, "password": password}
	return c.do(ctx, http.MethodPost, "/auth/register", nil, "", payload, nil)
}

// Login authenticates a user and returns the issued session.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	payload := map[string]string{"username": username, "password": password}
	var session Session
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, "", payload, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// SearchUsers performs a case-insensitive prefix lookup over usernames and
// display names.
func (c *Client) SearchUsers(ctx context.Context, filter string) ([]RemoteUser, error) {
	query := url.Values{"filter": {filter}}
	var users []RemoteUser
	if err := c.doAdmin(ctx, http.MethodGet, "/manage/Users", query, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// ValidateDisplayName asks the backend whether a display name is acceptable.
// Rejections come back as KindConflict or KindInvalid.
func (c *Client) ValidateDisplayName(ctx context.Context, token, displayName string) error {
	payload := map[string]string{"displayName": displayName}
	return c.do(ctx, http.MethodPost, "/account/users/validate-display-name", nil, token, payload, nil)
}

// SetupCharacter issues the combined equipment/display-name/age/phone call on
// behalf of the freshly logged-in user.
func (c *Client) SetupCharacter(ctx context.Context, token string, setup CharacterSetup) error {
	return c.do(ctx, http.MethodPost, "/account/equipment", nil, token, setup, nil)
}

// SearchGroups looks up existing student groups by name-prefix search.
func (c *Client) SearchGroups(ctx context.Context, text string) ([]RemoteGroup, error) {
	query := url.Values{"Text": {text}}
	var groups []RemoteGroup
	if err := c.doAdmin(ctx, http.MethodGet, "/manage/User/Group", query, nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// CreateGroup creates a student group seeded with the given members and
// returns its identifier.
func (c *Client) CreateGroup(ctx context.Context, name string, userIDs []string) (string, error) {
	payload := map[string]interface{}{"name": name, "userIds": userIDs}
	var created RemoteGroup
	if err := c.doAdmin(ctx, http.MethodPost, "/manage/user/group", nil, payload, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// AddGroupMembers adds users to an existing group. The payload never carries
// teacher IDs; pre-existing classes only ever receive students.
func (c *Client) AddGroupMembers(ctx context.Context, groupID string, userIDs []string) error {
	payload := map[string]interface{}{"groupId": groupID, "userIds": userIDs}
	return c.doAdmin(ctx, http.MethodPut, "/manage/User/Group/Set", nil, payload, nil)
}

// CreateClass creates a class bound to a group, teacher list, grade, and the
// configured school-year date range.
func (c *Client) CreateClass(ctx context.Context, params CreateClassParams) error {
	return c.doAdmin(ctx, http.MethodPost, "/manage/classes", nil, params, nil)
}

// ListRoles fetches every role with its membership list.
func (c *Client) ListRoles(ctx context.Context) ([]RemoteRole, error) {
	var roles []RemoteRole
	if err := c.doAdmin(ctx, http.MethodGet, "/manage/user/roles", nil, nil, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// UpdateRole writes back a role, replacing its membership list with the one
// provided. Callers merge additively before calling.
func (c *Client) UpdateRole(ctx context.Context, role RemoteRole) error {
	return c.doAdmin(ctx, http.MethodPost, "/manage/user/roles", nil, role, nil)
}

// doAdmin runs a privileged call under the cached service-account token,
// re-authenticating once when the backend rejects the token.
func (c *Client) doAdmin(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	token, err := c.auth.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire admin token: %w", err)
	}

	err = c.do(ctx, method, path, query, token, body, out)
	if !IsKind(err, KindUnauthorized) {
		return err
	}

	c.logger.Warn("admin token rejected, re-authenticating", zap.String("path", path))
	c.auth.Invalidate()
	token, err = c.auth.Token(ctx)
	if err != nil {
		return fmt.Errorf("re-acquire admin token: %w", err)
	}
	return c.do(ctx, method, path, query, token, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, token string, body, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := classify(resp.StatusCode, raw); err != nil {
		return err
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
