package migration

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-migrate-api/internal/backend"
	"github.com/noah-isme/sma-migrate-api/internal/models"
	"github.com/noah-isme/sma-migrate-api/pkg/config"
)

// API is the slice of the backend client the engine consumes. The concrete
// implementation is internal/backend.Client; tests substitute a fake.
type API interface {
	Register(ctx context.Context, username, password string) error
	Login(ctx context.Context, username, password string) (*backend.Session, error)
	SearchUsers(ctx context.Context, filter string) ([]backend.RemoteUser, error)
	ValidateDisplayName(ctx context.Context, token, displayName string) error
	SetupCharacter(ctx context.Context, token string, setup backend.CharacterSetup) error
	SearchGroups(ctx context.Context, text string) ([]backend.RemoteGroup, error)
	CreateGroup(ctx context.Context, name string, userIDs []string) (string, error)
	AddGroupMembers(ctx context.Context, groupID string, userIDs []string) error
	CreateClass(ctx context.Context, params backend.CreateClassParams) error
	ListRoles(ctx context.Context) ([]backend.RemoteRole, error)
	UpdateRole(ctx context.Context, role backend.RemoteRole) error
}

// ProgressFunc receives point-in-time progress snapshots during a run.
type ProgressFunc func(models.MigrationProgress)

// Input is the parsed working set for one migration run.
type Input struct {
	SchoolPrefix string
	Students     []models.UserRecord
	Teachers     []models.UserRecord
	Classes      []models.ClassRecord
}

// Engine drives student/teacher records through the multi-phase registration
// pipeline against the remote backend. One engine instance owns one run;
// throttles and controller state are instance-scoped so independent
// migrations never share pacing state.
type Engine struct {
	api    API
	cfg    config.MigrationConfig
	logger *zap.Logger
	ctrl   *Controller

	registerThrottle *Throttle
	loginThrottle    *Throttle
	retry            *retryer

	onProgress ProgressFunc

	randMu sync.Mutex
	rand   *rand.Rand

	progressMu sync.Mutex
	progress   models.MigrationProgress
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.onProgress = fn }
}

// New builds an engine for a single run.
func New(api API, cfg config.MigrationConfig, opts ...Option) *Engine {
	e := &Engine{
		api:              api,
		cfg:              cfg,
		logger:           zap.NewNop(),
		ctrl:             NewController(),
		registerThrottle: NewThrottle(cfg.RegisterRate),
		loginThrottle:    NewThrottle(cfg.LoginRate),
		retry: newRetryer(
			RetryPolicy{MaxAttempts: cfg.GenericRetries, Delay: cfg.RetryDelay, Backoff: true},
			RetryPolicy{MaxAttempts: cfg.OverloadRetries, Delay: cfg.OverloadDelay},
		),
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Controller exposes the pause/resume/cancel surface for this run.
func (e *Engine) Controller() *Controller {
	return e.ctrl
}

// Migrate executes the five phases in sequence over the full working set and
// returns the aggregated result. Entity failures are recorded and skipped in
// later phases; only systemic failures (cancellation, context expiry) abort.
func (e *Engine) Migrate(ctx context.Context, input Input) (*models.MigrationResult, error) {
	if err := e.ctrl.start(); err != nil {
		return nil, err
	}

	users := make([]models.UserRecord, 0, len(input.Students)+len(input.Teachers))
	users = append(users, input.Students...)
	users = append(users, input.Teachers...)

	e.logger.Info("migration starting",
		zap.String("school_prefix", input.SchoolPrefix),
		zap.Int("students", len(input.Students)),
		zap.Int("teachers", len(input.Teachers)),
		zap.Int("classes", len(input.Classes)))

	users = e.runRegistration(ctx, users)
	users = e.runLogin(ctx, users)
	users = e.runInitialization(ctx, users)

	classes, users := e.runClasses(ctx, input.SchoolPrefix, input.Classes, users)
	users, roleErr := e.runRoles(ctx, users)

	result := e.collect(users, classes, roleErr)

	if e.ctrl.Status() != models.StatusCancelled {
		e.ctrl.complete()
	}
	e.report(models.PhaseRoles, len(users), len(users), users, classes)

	e.logger.Info("migration finished",
		zap.String("status", string(e.ctrl.Status())),
		zap.Int("failed_users", len(result.FailedUsers)),
		zap.Int("failed_classes", len(result.FailedClasses)))

	return result, nil
}

// collect splits the working set into the aggregate result lists. A record
// that registered but failed later still counts as created when it has a
// user ID, so class assignment results stay consistent with what exists
// remotely.
func (e *Engine) collect(users []models.UserRecord, classes []models.ClassRecord, roleErr error) *models.MigrationResult {
	result := &models.MigrationResult{}
	for _, u := range users {
		if u.Failed() {
			result.FailedUsers = append(result.FailedUsers, u)
			continue
		}
		switch u.Kind {
		case models.UserKindTeacher:
			result.Teachers = append(result.Teachers, u)
		default:
			result.Students = append(result.Students, u)
		}
	}
	for _, c := range classes {
		if c.FailureReason != "" {
			result.FailedClasses = append(result.FailedClasses, c)
			continue
		}
		result.Classes = append(result.Classes, c)
	}
	if roleErr != nil {
		result.RoleAssignError = roleErr.Error()
	}
	return result
}

// report publishes a progress snapshot with the current working arrays.
// Consumers read totals, not deltas.
func (e *Engine) report(phase models.MigrationPhase, processed, total int, users []models.UserRecord, classes []models.ClassRecord) {
	if e.onProgress == nil {
		return
	}

	snapshot := models.MigrationProgress{
		Status:    e.ctrl.Status(),
		Phase:     phase,
		Processed: processed,
		Total:     total,
		UpdatedAt: time.Now().UTC(),
	}
	for _, u := range users {
		switch {
		case u.Failed():
			snapshot.Failed = append(snapshot.Failed, u)
		case u.Kind == models.UserKindTeacher:
			snapshot.Teachers = append(snapshot.Teachers, u)
		default:
			snapshot.Students = append(snapshot.Students, u)
		}
	}
	snapshot.Classes = append(snapshot.Classes, classes...)

	e.progressMu.Lock()
	e.progress = snapshot
	e.progressMu.Unlock()
	e.onProgress(snapshot)
}

// nextFreeName returns the base name when it is not taken, otherwise the base
// with the smallest free positive numeric suffix. The taken set is matched
// case-insensitively. The search is bounded by the suffix cap; exhaustion is
// reported through a distinct error kind rather than looping forever.
func nextFreeName(base string, taken map[string]struct{}, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 100
	}
	if _, ok := taken[normalizeKey(base)]; !ok {
		return base, nil
	}
	for i := 1; i <= maxAttempts; i++ {
		candidate := base + strconv.Itoa(i)
		if _, ok := taken[normalizeKey(candidate)]; !ok {
			return candidate, nil
		}
	}
	return "", &backend.Error{Kind: backend.KindExhausted, Message: "no free name for " + base}
}

// digitsOnly strips every non-digit character from a phone number. An empty
// result means the phone update is skipped, not failed.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func lastToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func unionIDs(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(extra))
	out := make([]string, 0, len(existing)+len(extra))
	for _, id := range existing {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range extra {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
