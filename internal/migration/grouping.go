package migration

import (
	"context"
	"strings"
	"sync"

	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// normalizeKey folds a candidate name into its grouping key. Two users whose
// base names differ only by case or surrounding whitespace would race for the
// same disambiguated suffix, so they must land in the same group.
func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// groupBy partitions records into groups sharing a normalized key, preserving
// the order keys first appear so suffix assignment stays deterministic.
func groupBy(records []models.UserRecord, key func(models.UserRecord) string) [][]models.UserRecord {
	index := make(map[string]int, len(records))
	groups := make([][]models.UserRecord, 0, len(records))
	for _, rec := range records {
		k := key(rec)
		if i, ok := index[k]; ok {
			groups[i] = append(groups[i], rec)
			continue
		}
		index[k] = len(groups)
		groups = append(groups, []models.UserRecord{rec})
	}
	return groups
}

// runGroups processes groups with at most maxConcurrent in flight, starting
// the next queued group as soon as any active one drains. Records inside one
// group run strictly sequentially; across groups there is no ordering
// guarantee. A controller checkpoint gates every record, so paused runs stop
// picking up new records and cancelled runs leave the remainder untouched.
func (e *Engine) runGroups(ctx context.Context, groups [][]models.UserRecord, step func(context.Context, models.UserRecord) models.UserRecord) [][]models.UserRecord {
	maxConcurrent := e.cfg.MaxConcurrentGroups
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	out := make([][]models.UserRecord, len(groups))
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for i, group := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, group []models.UserRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			result := make([]models.UserRecord, 0, len(group))
			for _, rec := range group {
				if err := e.ctrl.checkpoint(ctx); err != nil {
					// Remaining records are returned untouched; nothing
					// new is dispatched after a cancel.
					result = append(result, rec)
					continue
				}
				result = append(result, step(ctx, rec))
			}
			out[i] = result
		}(i, group)
	}

	wg.Wait()
	return out
}

func flatten(groups [][]models.UserRecord) []models.UserRecord {
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	out := make([]models.UserRecord, 0, total)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
