package migration

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-migrate-api/internal/backend"
	"github.com/noah-isme/sma-migrate-api/internal/models"
	"github.com/noah-isme/sma-migrate-api/pkg/config"
)

type fakeUser struct {
	id          string
	username    string
	displayName string
	password    string
}

type groupAdd struct {
	groupID string
	userIDs []string
}

type createdGroup struct {
	id      string
	name    string
	userIDs []string
}

// fakeBackend is an in-memory stand-in for the remote API, scriptable with
// per-username register failures.
type fakeBackend struct {
	mu     sync.Mutex
	nextID int

	users  []fakeUser
	groups []backend.RemoteGroup
	roles  []backend.RemoteRole
	tokens map[string]int

	registerErrs map[string][]error

	registerCalls int
	loginCalls    int
	validateCalls int
	setupCalls    int
	rolesCalls    int

	createdGroups  []createdGroup
	groupAdds      []groupAdd
	createdClasses []backend.CreateClassParams
	updatedRoles   []backend.RemoteRole
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tokens:       make(map[string]int),
		registerErrs: make(map[string][]error),
	}
}

func (f *fakeBackend) Register(ctx context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	if errs := f.registerErrs[username]; len(errs) > 0 {
		err := errs[0]
		f.registerErrs[username] = errs[1:]
		return err
	}
	for _, u := range f.users {
		if strings.EqualFold(u.username, username) {
			return &backend.Error{Kind: backend.KindConflict, Status: 417, Message: "username already exists"}
		}
	}
	f.nextID++
	f.users = append(f.users, fakeUser{
		id:          fmt.Sprintf("u%d", f.nextID),
		username:    username,
		displayName: username,
		password:    password,
	})
	return nil
}

func (f *fakeBackend) Login(ctx context.Context, username, password string) (*backend.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loginCalls++
	for i, u := range f.users {
		if strings.EqualFold(u.username, username) && u.password == password {
			token := "tok-" + u.id
			f.tokens[token] = i
			return &backend.Session{UserID: u.id, AccessToken: token, DisplayName: u.displayName}, nil
		}
	}
	return nil, &backend.Error{Kind: backend.KindUnauthorized, Status: 401, Message: "bad credentials"}
}

func (f *fakeBackend) SearchUsers(ctx context.Context, filter string) ([]backend.RemoteUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	needle := strings.ToLower(filter)
	var out []backend.RemoteUser
	for _, u := range f.users {
		if strings.HasPrefix(strings.ToLower(u.username), needle) ||
			strings.HasPrefix(strings.ToLower(u.displayName), needle) {
			out = append(out, backend.RemoteUser{ID: u.id, Username: u.username, DisplayName: u.displayName})
		}
	}
	return out, nil
}

func (f *fakeBackend) ValidateDisplayName(ctx context.Context, token, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateCalls++
	for _, u := range f.users {
		if strings.EqualFold(u.displayName, displayName) {
			return &backend.Error{Kind: backend.KindConflict, Status: 200, Message: "display name already exists"}
		}
	}
	return nil
}

func (f *fakeBackend) SetupCharacter(ctx context.Context, token string, setup backend.CharacterSetup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setupCalls++
	i, ok := f.tokens[token]
	if !ok {
		return &backend.Error{Kind: backend.KindUnauthorized, Status: 401}
	}
	f.users[i].displayName = setup.DisplayName
	return nil
}

func (f *fakeBackend) SearchGroups(ctx context.Context, text string) ([]backend.RemoteGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []backend.RemoteGroup
	for _, g := range f.groups {
		if strings.HasPrefix(strings.ToLower(g.Name), strings.ToLower(text)) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeBackend) CreateGroup(ctx context.Context, name string, userIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("g%d", f.nextID)
	f.groups = append(f.groups, backend.RemoteGroup{ID: id, Name: name})
	f.createdGroups = append(f.createdGroups, createdGroup{id: id, name: name, userIDs: userIDs})
	return id, nil
}

func (f *fakeBackend) AddGroupMembers(ctx context.Context, groupID string, userIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupAdds = append(f.groupAdds, groupAdd{groupID: groupID, userIDs: userIDs})
	return nil
}

func (f *fakeBackend) CreateClass(ctx context.Context, params backend.CreateClassParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdClasses = append(f.createdClasses, params)
	return nil
}

func (f *fakeBackend) ListRoles(ctx context.Context) ([]backend.RemoteRole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolesCalls++
	out := make([]backend.RemoteRole, len(f.roles))
	copy(out, f.roles)
	return out, nil
}

func (f *fakeBackend) UpdateRole(ctx context.Context, role backend.RemoteRole) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updatedRoles = append(f.updatedRoles, role)
	for i := range f.roles {
		if f.roles[i].ID == role.ID {
			f.roles[i] = role
		}
	}
	return nil
}

func testConfig() config.MigrationConfig {
	return config.MigrationConfig{
		RegisterRate:         1000,
		LoginRate:            1000,
		MaxConcurrentGroups:  4,
		MaxSuffixAttempts:    50,
		GenericRetries:       3,
		RetryDelay:           time.Millisecond,
		OverloadRetries:      100,
		OverloadDelay:        time.Millisecond,
		MinDisplayNameLength: 2,
		MaxDisplayNameLength: 20,
		SchoolYear:           2024,
	}
}

func student(username, displayName, class string) models.UserRecord {
	return models.UserRecord{
		Kind:        models.UserKindStudent,
		Username:    username,
		DisplayName: displayName,
		Password:    "pw123456",
		ClassName:   class,
	}
}

func classRecord(prefix, label string, grade int) models.ClassRecord {
	return models.ClassRecord{Name: prefix + label, SourceName: label, Grade: grade}
}

func TestMigrateAssignsDistinctSuffixedUsernames(t *testing.T) {
	fake := newFakeBackend()
	engine := New(fake, testConfig())

	input := Input{
		SchoolPrefix: "sch",
		Students: []models.UserRecord{
			student("schan", "An Nguyen", "1A"),
			student("schbinhtran", "Binh Tran", "1A"),
			student("schan", "An Nguyen", "1B"),
		},
		Classes: []models.ClassRecord{
			classRecord("sch", "1A", 1),
			classRecord("sch", "1B", 1),
		},
	}

	result, err := engine.Migrate(context.Background(), input)
	require.NoError(t, err)
	require.Empty(t, result.FailedUsers)
	require.Len(t, result.Students, 3)

	usernames := make(map[string]string)
	for _, s := range result.Students {
		usernames[s.ClassName+"/"+s.DisplayName] = s.ActualUsername
		assert.True(t, s.State.Registered)
		assert.True(t, s.State.LoggedIn)
		assert.NotEmpty(t, s.UserID)
	}
	assert.Equal(t, "schan", usernames["1A/An Nguyen"])
	assert.Equal(t, "schbinhtran", usernames["1A/Binh Tran"])
	assert.Equal(t, "schan1", usernames["1B/An Nguyen"])

	// Colliding display names resolve to pairwise distinct values too.
	seen := make(map[string]struct{})
	for _, s := range result.Students {
		_, dup := seen[strings.ToLower(s.ActualDisplayName)]
		assert.False(t, dup, "duplicate display name %q", s.ActualDisplayName)
		seen[strings.ToLower(s.ActualDisplayName)] = struct{}{}
	}

	require.Len(t, result.Classes, 2)
	require.Len(t, fake.createdGroups, 2)
	byName := make(map[string]createdGroup)
	for _, g := range fake.createdGroups {
		byName[g.name] = g
	}
	assert.Len(t, byName["sch1A"].userIDs, 2)
	assert.Len(t, byName["sch1B"].userIDs, 1)
	assert.Len(t, fake.createdClasses, 2)
}

func TestRegistrationWaitsOutOverload(t *testing.T) {
	fake := newFakeBackend()
	fake.registerErrs["schbao"] = []error{
		&backend.Error{Kind: backend.KindOverloaded, Status: 503},
		&backend.Error{Kind: backend.KindOverloaded, Status: 503},
		&backend.Error{Kind: backend.KindOverloaded, Status: 503},
		&backend.Error{Kind: backend.KindOverloaded, Status: 503},
	}

	engine := New(fake, testConfig())
	waits := 0
	engine.retry.sleep = func(ctx context.Context, d time.Duration) error {
		waits++
		return nil
	}

	result, err := engine.Migrate(context.Background(), Input{
		SchoolPrefix: "sch",
		Students:     []models.UserRecord{student("schbao", "Bao Le", "2A")},
		Classes:      []models.ClassRecord{classRecord("sch", "2A", 2)},
	})
	require.NoError(t, err)
	require.Empty(t, result.FailedUsers)
	require.Len(t, result.Students, 1)
	assert.True(t, result.Students[0].State.Registered)
	assert.Equal(t, 4, waits)
	assert.Equal(t, 5, fake.registerCalls)
}

func TestExistingClassReceivesStudentsOnly(t *testing.T) {
	fake := newFakeBackend()
	fake.groups = []backend.RemoteGroup{{ID: "g-old", Name: "sch1A"}}

	teacher := models.UserRecord{
		Kind:        models.UserKindTeacher,
		Username:    "schcothu",
		DisplayName: "Co Thu",
		Password:    "pw123456",
		ClassName:   "1A",
	}

	engine := New(fake, testConfig())
	result, err := engine.Migrate(context.Background(), Input{
		SchoolPrefix: "sch",
		Students:     []models.UserRecord{student("schan", "An Nguyen", "1A")},
		Teachers:     []models.UserRecord{teacher},
		Classes:      []models.ClassRecord{classRecord("sch", "1A", 1)},
	})
	require.NoError(t, err)
	require.Len(t, result.Classes, 1)
	assert.True(t, result.Classes[0].Existing)

	// Only a member add is issued: no class creation, no teachers in the payload.
	assert.Empty(t, fake.createdClasses)
	require.Len(t, fake.groupAdds, 1)
	assert.Equal(t, "g-old", fake.groupAdds[0].groupID)
	for _, id := range fake.groupAdds[0].userIDs {
		for _, u := range result.Teachers {
			assert.NotEqual(t, u.UserID, id)
		}
	}
}

func TestNewClassGetsClassTeacherAndAdminTeacherOnce(t *testing.T) {
	fake := newFakeBackend()

	classTeacher := models.UserRecord{
		Kind: models.UserKindTeacher, Username: "schcothu", DisplayName: "Co Thu",
		Password: "pw123456", ClassName: "1A",
	}
	adminTeacher := models.UserRecord{
		Kind: models.UserKindTeacher, Username: "schadmin", DisplayName: "Admin Teacher",
		Password: "pw123456",
	}

	engine := New(fake, testConfig())
	result, err := engine.Migrate(context.Background(), Input{
		SchoolPrefix: "sch",
		Students:     []models.UserRecord{student("schan", "An Nguyen", "1A")},
		Teachers:     []models.UserRecord{classTeacher, adminTeacher},
		Classes:      []models.ClassRecord{classRecord("sch", "1A", 1)},
	})
	require.NoError(t, err)
	require.Empty(t, result.FailedClasses)
	require.Len(t, fake.createdClasses, 1)

	var classTeacherID, adminTeacherID string
	for _, u := range result.Teachers {
		switch u.Username {
		case "schcothu":
			classTeacherID = u.UserID
		case "schadmin":
			adminTeacherID = u.UserID
		}
	}
	require.NotEmpty(t, classTeacherID)
	require.NotEmpty(t, adminTeacherID)
	assert.ElementsMatch(t, []string{classTeacherID, adminTeacherID}, fake.createdClasses[0].TeacherIDs)
}

func TestTeacherRoleMergeIsAdditive(t *testing.T) {
	fake := newFakeBackend()
	fake.roles = []backend.RemoteRole{
		{ID: "r1", Name: "Admin", UserIDs: []string{"x1"}},
		{ID: "r2", Name: "Giáo viên", UserIDs: []string{"old-1", "old-2"}},
	}

	teacher := models.UserRecord{
		Kind: models.UserKindTeacher, Username: "schcothu", DisplayName: "Co Thu",
		Password: "pw123456",
	}
	engine := New(fake, testConfig())
	result, err := engine.Migrate(context.Background(), Input{
		SchoolPrefix: "sch",
		Teachers:     []models.UserRecord{teacher},
	})
	require.NoError(t, err)
	require.Empty(t, result.RoleAssignError)
	require.Len(t, fake.updatedRoles, 1)

	updated := fake.updatedRoles[0]
	assert.Equal(t, "r2", updated.ID)
	assert.Contains(t, updated.UserIDs, "old-1")
	assert.Contains(t, updated.UserIDs, "old-2")
	require.Len(t, result.Teachers, 1)
	assert.Contains(t, updated.UserIDs, result.Teachers[0].UserID)
	assert.True(t, result.Teachers[0].State.RoleAssigned)
}

func TestRetryUsersSkipsCompletedPhases(t *testing.T) {
	fake := newFakeBackend()

	done := models.UserRecord{
		Kind:              models.UserKindStudent,
		Username:          "schan",
		ActualUsername:    "schan",
		DisplayName:       "An Nguyen",
		ActualDisplayName: "An Nguyen",
		Password:          "pw123456",
		ClassName:         "1A",
		UserID:            "u1",
		AccessToken:       "tok-u1",
		State: models.UserState{
			Registered: true, LoggedIn: true,
			EquipmentSet: true, PhoneUpdated: true,
			AddedToClass: true,
		},
	}
	doneTeacher := models.UserRecord{
		Kind:           models.UserKindTeacher,
		Username:       "schcothu",
		ActualUsername: "schcothu",
		DisplayName:    "Co Thu",
		Password:       "pw123456",
		UserID:         "u2",
		AccessToken:    "tok-u2",
		State: models.UserState{
			Registered: true, LoggedIn: true,
			EquipmentSet: true, PhoneUpdated: true,
			RoleAssigned: true,
		},
	}

	engine := New(fake, testConfig())
	result, err := engine.RetryUsers(context.Background(), RetryInput{
		SchoolPrefix: "sch",
		Users:        []models.UserRecord{done, doneTeacher},
		Classes:      []models.ClassRecord{classRecord("sch", "1A", 1)},
	})
	require.NoError(t, err)
	require.Empty(t, result.FailedUsers)
	assert.Len(t, result.Students, 1)
	assert.Len(t, result.Teachers, 1)

	// Completed phases are never re-invoked.
	assert.Zero(t, fake.registerCalls)
	assert.Zero(t, fake.loginCalls)
	assert.Zero(t, fake.validateCalls)
	assert.Zero(t, fake.setupCalls)
	assert.Empty(t, fake.createdGroups)
	assert.Empty(t, fake.groupAdds)
	assert.Zero(t, fake.rolesCalls)
}

func TestRetryUsersResumesAtLastCompletedPhase(t *testing.T) {
	fake := newFakeBackend()
	// The account exists remotely from the failed first run.
	require.NoError(t, fake.Register(context.Background(), "schan", "pw123456"))
	fake.registerCalls = 0

	partial := models.UserRecord{
		Kind:           models.UserKindStudent,
		Username:       "schan",
		ActualUsername: "schan",
		DisplayName:    "An Nguyen",
		Password:       "pw123456",
		ClassName:      "1A",
		FailureReason:  "login failed: backend: TRANSIENT (status 500)",
		State:          models.UserState{Registered: true},
	}

	engine := New(fake, testConfig())
	result, err := engine.RetryUsers(context.Background(), RetryInput{
		SchoolPrefix: "sch",
		Users:        []models.UserRecord{partial},
		Classes:      []models.ClassRecord{classRecord("sch", "1A", 1)},
	})
	require.NoError(t, err)
	require.Empty(t, result.FailedUsers)
	require.Len(t, result.Students, 1)

	got := result.Students[0]
	assert.Zero(t, fake.registerCalls, "registration must not be re-invoked")
	assert.Equal(t, 1, fake.loginCalls)
	assert.True(t, got.State.LoggedIn)
	assert.True(t, got.State.EquipmentSet)
	assert.True(t, got.State.AddedToClass)
	assert.Equal(t, 1, got.RetryCount)
	require.Len(t, fake.createdGroups, 1)
	assert.Equal(t, "sch1A", fake.createdGroups[0].name)
}

func TestCancelStopsFurtherDispatch(t *testing.T) {
	fake := newFakeBackend()

	cfg := testConfig()
	cfg.MaxConcurrentGroups = 1

	var engine *Engine
	engine = New(fake, cfg, WithProgress(func(p models.MigrationProgress) {
		if p.Phase == models.PhaseRegistration && p.Processed == 1 {
			engine.Controller().Cancel()
		}
	}))

	// One group: same base username, strictly sequential.
	result, err := engine.Migrate(context.Background(), Input{
		SchoolPrefix: "sch",
		Students: []models.UserRecord{
			student("schan", "An Nguyen", "1A"),
			student("schan", "An Hai Nguyen", "1A"),
			student("schan", "An Ba Nguyen", "1A"),
		},
		Classes: []models.ClassRecord{classRecord("sch", "1A", 1)},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, engine.Controller().Status())

	// The in-flight user completed; nothing further was dispatched.
	assert.Equal(t, 1, fake.registerCalls)
	registered := 0
	for _, s := range result.Students {
		if s.State.Registered {
			registered++
		}
	}
	assert.Equal(t, 1, registered)
}

func TestPauseBlocksUntilResume(t *testing.T) {
	fake := newFakeBackend()
	cfg := testConfig()
	cfg.MaxConcurrentGroups = 1

	var engine *Engine
	resumed := make(chan struct{})
	engine = New(fake, cfg, WithProgress(func(p models.MigrationProgress) {
		if p.Phase == models.PhaseRegistration && p.Processed == 1 &&
			engine.Controller().Status() == models.StatusRunning {
			engine.Controller().Pause()
			go func() {
				time.Sleep(20 * time.Millisecond)
				engine.Controller().Resume()
				close(resumed)
			}()
		}
	}))

	result, err := engine.Migrate(context.Background(), Input{
		SchoolPrefix: "sch",
		Students: []models.UserRecord{
			student("schan", "An Nguyen", "1A"),
			student("schan", "An Hai Nguyen", "1A"),
		},
		Classes: []models.ClassRecord{classRecord("sch", "1A", 1)},
	})
	require.NoError(t, err)
	<-resumed

	require.Empty(t, result.FailedUsers)
	assert.Equal(t, models.StatusCompleted, engine.Controller().Status())
	for _, s := range result.Students {
		assert.True(t, s.State.Registered)
	}
}

func TestDisplayNameFallsBackToLastToken(t *testing.T) {
	fake := newFakeBackend()
	engine := New(fake, testConfig())

	long := student("schlong", "A Name That Is Far Too Long For The Backend Rules", "1A")
	result, err := engine.Migrate(context.Background(), Input{
		SchoolPrefix: "sch",
		Students:     []models.UserRecord{long},
		Classes:      []models.ClassRecord{classRecord("sch", "1A", 1)},
	})
	require.NoError(t, err)
	require.Empty(t, result.FailedUsers)
	require.Len(t, result.Students, 1)
	assert.Equal(t, "Rules", result.Students[0].ActualDisplayName)
}

func TestMigrateRejectsSecondRun(t *testing.T) {
	engine := New(newFakeBackend(), testConfig())
	_, err := engine.Migrate(context.Background(), Input{SchoolPrefix: "sch"})
	require.NoError(t, err)

	_, err = engine.Migrate(context.Background(), Input{SchoolPrefix: "sch"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}
