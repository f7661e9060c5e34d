package migration

import (
	"context"
	"strconv"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-migrate-api/internal/backend"
	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// equipmentCatalog lists the compatible cosmetic items per body slot. One
// item per slot is picked at random for every initialized character.
var equipmentCatalog = map[string][]string{
	"hair":      {"hair_01", "hair_02", "hair_03", "hair_04", "hair_05"},
	"face":      {"face_01", "face_02", "face_03", "face_04"},
	"shirt":     {"shirt_01", "shirt_02", "shirt_03", "shirt_04", "shirt_05"},
	"pants":     {"pants_01", "pants_02", "pants_03"},
	"shoes":     {"shoes_01", "shoes_02", "shoes_03"},
	"accessory": {"accessory_01", "accessory_02"},
}

// runInitialization drives Phase 3: resolve a unique display name for every
// logged-in record and issue the combined equipment/name/age/phone call.
// Records are grouped by normalized display name for the same
// conflict-avoidance reason as registration.
func (e *Engine) runInitialization(ctx context.Context, users []models.UserRecord) []models.UserRecord {
	groups := groupBy(users, func(u models.UserRecord) string { return normalizeKey(u.DisplayName) })

	processed := 0
	total := len(users)
	e.report(models.PhaseInitialization, 0, total, users, nil)

	var mu sync.Mutex
	result := e.runGroups(ctx, groups, func(ctx context.Context, rec models.UserRecord) models.UserRecord {
		rec = e.initializeUser(ctx, rec)
		mu.Lock()
		processed++
		done := processed
		mu.Unlock()
		e.report(models.PhaseInitialization, done, total, nil, nil)
		return rec
	})

	out := flatten(result)
	e.report(models.PhaseInitialization, processed, total, out, nil)
	return out
}

// initializeUser sets up one character. Failure here is logged and recorded
// but never reverts the registration/login success.
func (e *Engine) initializeUser(ctx context.Context, rec models.UserRecord) models.UserRecord {
	if rec.Failed() || rec.AccessToken == "" {
		return rec
	}
	if rec.State.EquipmentSet && rec.State.PhoneUpdated {
		return rec
	}

	name, err := e.resolveDisplayName(ctx, rec)
	if err != nil {
		rec.FailureReason = "display name resolution failed: " + err.Error()
		return rec
	}

	setup := backend.CharacterSetup{
		DisplayName: name,
		Equipment:   e.randomEquipment(),
		Age:         rec.Age,
		PhoneNumber: digitsOnly(rec.PhoneNumber),
	}
	err = e.retry.Do(ctx, "setup character "+rec.ActualUsername, func(ctx context.Context) error {
		return e.api.SetupCharacter(ctx, rec.AccessToken, setup)
	})
	if err != nil {
		e.logger.Warn("character setup failed",
			zap.String("username", rec.ActualUsername), zap.Error(err))
		rec.FailureReason = "character setup failed: " + err.Error()
		return rec
	}

	rec.ActualDisplayName = name
	rec.State.EquipmentSet = true
	rec.State.PhoneUpdated = true
	return rec
}

// resolveDisplayName walks the fallback ladder: the source display name, its
// last whitespace-delimited token, the assigned username, then the
// backend-reported login display name. Each rung is suffix-disambiguated
// against existing display names and checked against the backend's own
// validation endpoint, which may still reject with exists/invalid verdicts
// and push resolution down to the next rung.
func (e *Engine) resolveDisplayName(ctx context.Context, rec models.UserRecord) (string, error) {
	ladder := dedupeNonEmpty([]string{
		rec.DisplayName,
		lastToken(rec.DisplayName),
		rec.ActualUsername,
		rec.LoginDisplayName,
	})

	var lastErr error
	for _, base := range ladder {
		if !e.displayNameLengthOK(base) {
			continue
		}

		taken, err := e.lookupTakenDisplayNames(ctx, base)
		if err != nil {
			return "", err
		}
		candidate, err := nextFreeName(base, taken, e.cfg.MaxSuffixAttempts)
		if err != nil {
			lastErr = err
			continue
		}

		suffix := suffixOf(base, candidate)
		for attempt := 0; attempt < e.cfg.MaxSuffixAttempts; attempt++ {
			err = e.retry.Do(ctx, "validate display name "+candidate, func(ctx context.Context) error {
				return e.api.ValidateDisplayName(ctx, rec.AccessToken, candidate)
			})
			if err == nil {
				return candidate, nil
			}
			if backend.IsKind(err, backend.KindConflict) {
				suffix++
				candidate = base + strconv.Itoa(suffix)
				continue
			}
			break
		}
		if err != nil {
			if !backend.IsKind(err, backend.KindInvalid) && !backend.IsKind(err, backend.KindConflict) {
				return "", err
			}
			lastErr = err
		}
	}

	if lastErr != nil {
		return "", lastErr
	}
	return "", &backend.Error{Kind: backend.KindExhausted, Message: "display name ladder exhausted for " + rec.Username}
}

func (e *Engine) displayNameLengthOK(name string) bool {
	n := utf8.RuneCountInString(name)
	min := e.cfg.MinDisplayNameLength
	max := e.cfg.MaxDisplayNameLength
	if min <= 0 {
		min = 2
	}
	if max <= 0 {
		max = 20
	}
	return n >= min && n <= max
}

func (e *Engine) lookupTakenDisplayNames(ctx context.Context, prefix string) (map[string]struct{}, error) {
	var found []backend.RemoteUser
	err := e.retry.Do(ctx, "lookup display names "+prefix, func(ctx context.Context) error {
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
		taken[normalizeKey(u.DisplayName)] = struct{}{}
	}
	return taken, nil
}

// randomEquipment picks one compatible item per body slot.
func (e *Engine) randomEquipment() map[string]string {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	picked := make(map[string]string, len(equipmentCatalog))
	for slot, items := range equipmentCatalog {
		picked[slot] = items[e.rand.Intn(len(items))]
	}
	return picked
}

func dedupeNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		key := normalizeKey(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}
