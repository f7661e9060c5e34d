package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-migrate-api/pkg/config"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(config.BackendConfig{
		BaseURL:       server.URL,
		AdminUsername: "svc-admin",
		AdminPassword: "svc-secret",
		Timeout:       5 * time.Second,
	}, nil)
}

func TestRegisterClassifiesConflict(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/register", r.URL.Path)
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "schan", payload["username"])

		w.WriteHeader(http.StatusExpectationFailed)
		_, _ = w.Write([]byte(`{"message":"Username already exists"}`))
	}))

	err := client.Register(context.Background(), "schan", "pw123456")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConflict))
}

func TestLoginDecodesSession(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login", r.URL.Path)
		_, _ = w.Write([]byte(`{"userId":"u1","accessToken":"tok-1","displayName":"schan"}`))
	}))

	session, err := client.Login(context.Background(), "schan", "pw123456")
	require.NoError(t, err)
	assert.Equal(t, "u1", session.UserID)
	assert.Equal(t, "tok-1", session.AccessToken)
	assert.Equal(t, "schan", session.DisplayName)
}

func TestSearchUsersSendsAdminToken(t *testing.T) {
	var logins atomic.Int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			logins.Add(1)
			_, _ = w.Write([]byte(`{"userId":"admin","accessToken":"admin-tok"}`))
		case "/manage/Users":
			assert.Equal(t, "Bearer admin-tok", r.Header.Get("Authorization"))
			assert.Equal(t, "schan", r.URL.Query().Get("filter"))
			_, _ = w.Write([]byte(`[{"id":"u1","userName":"schan","displayName":"An Nguyen"}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	users, err := client.SearchUsers(context.Background(), "schan")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "schan", users[0].Username)

	// The service-account session is cached across calls.
	_, err = client.SearchUsers(context.Background(), "schan")
	require.NoError(t, err)
	assert.Equal(t, int32(1), logins.Load())
}

func TestAdminCallReauthenticatesOnceOn401(t *testing.T) {
	var logins, rejected atomic.Int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			n := logins.Add(1)
			_, _ = w.Write([]byte(`{"userId":"admin","accessToken":"tok-` + string(rune('0'+n)) + `"}`))
		case "/manage/user/roles":
			if r.Header.Get("Authorization") == "Bearer tok-1" {
				rejected.Add(1)
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`[{"id":"r1","name":"Teacher","userIds":["u1"]}]`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	roles, err := client.ListRoles(context.Background())
	require.NoError(t, err)
	require.Len(t, roles, 1)
	assert.Equal(t, "Teacher", roles[0].Name)
	assert.Equal(t, int32(2), logins.Load())
	assert.Equal(t, int32(1), rejected.Load())
}

func TestCreateGroupReturnsIdentifier(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			_, _ = w.Write([]byte(`{"userId":"admin","accessToken":"admin-tok"}`))
		case "/manage/user/group":
			var payload struct {
				Name    string   `json:"name"`
				UserIDs []string `json:"userIds"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "sch1A", payload.Name)
			assert.Equal(t, []string{"u1", "u2"}, payload.UserIDs)
			_, _ = w.Write([]byte(`{"id":"g9","name":"sch1A"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	id, err := client.CreateGroup(context.Background(), "sch1A", []string{"u1", "u2"})
	require.NoError(t, err)
	assert.Equal(t, "g9", id)
}

func TestValidateDisplayNameNegativeVerdict(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/account/users/validate-display-name", r.URL.Path)
		assert.Equal(t, "Bearer user-tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"isValid":false,"message":"display name too short"}`))
	}))

	err := client.ValidateDisplayName(context.Background(), "user-tok", "x")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalid))
}

func TestOverloadSurfacesAsOverloaded(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := client.Register(context.Background(), "schan", "pw123456")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindOverloaded))
}

func TestAuthManagerRefreshesAfterInvalidate(t *testing.T) {
	var calls atomic.Int32
	manager := NewAuthManager(func(ctx context.Context) (*Session, error) {
		n := calls.Add(1)
		return &Session{AccessToken: "tok-" + string(rune('0'+n))}, nil
	}, nil)

	tok, err := manager.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = manager.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	manager.Invalidate()
	tok, err = manager.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), calls.Load())
}
