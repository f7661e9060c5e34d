package migration

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// SnapshotStore persists rendered snapshot files; pkg/storage.LocalStorage
// satisfies it.
type SnapshotStore interface {
	Save(filename string, data []byte) (string, error)
}

// Snapshot is the audit artifact written at the end of a run. It is a trail
// for operators, not a resumability checkpoint: resuming is driven by the
// caller re-supplying record state.
type Snapshot struct {
	SchoolPrefix string                 `json:"school_prefix"`
	CreatedAt    time.Time              `json:"created_at"`
	Result       models.MigrationResult `json:"result"`
}

// WriteSnapshot renders the result as JSON under a timestamped filename and
// returns the stored relative path.
func WriteSnapshot(store SnapshotStore, schoolPrefix string, result *models.MigrationResult, now time.Time) (string, error) {
	snapshot := Snapshot{
		SchoolPrefix: schoolPrefix,
		CreatedAt:    now.UTC(),
		Result:       *result,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	filename := fmt.Sprintf("migration_%s_%s.json", schoolPrefix, now.UTC().Format("20060102_150405"))
	return store.Save(filename, data)
}

// ReadSnapshot parses a previously written snapshot.
func ReadSnapshot(data []byte) (*Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snapshot, nil
}
