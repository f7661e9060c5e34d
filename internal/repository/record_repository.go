package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-migrate-api/internal/models"
)

// RecordRepository persists the per-run working set (user and class records
// with their phase state) as a JSONB document. The stored state seeds
// retry-from-failure runs: completed phases carried in the records are never
// re-executed.
type RecordRepository struct {
	db *sqlx.DB
}

// NewRecordRepository constructs the repository.
func NewRecordRepository(db *sqlx.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

type recordsPayload struct {
	Users   []models.UserRecord  `json:"users"`
	Classes []models.ClassRecord `json:"classes"`
}

// Save upserts the working set for a run.
func (r *RecordRepository) Save(ctx context.Context, runID string, users []models.UserRecord, classes []models.ClassRecord) error {
	data, err := json.Marshal(recordsPayload{Users: users, Classes: classes})
	if err != nil {
		return fmt.Errorf("marshal run records: %w", err)
	}
	const query = `INSERT INTO migration_records (run_id, payload, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query, runID, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("save run records: %w", err)
	}
	return nil
}

// Get loads the working set for a run.
func (r *RecordRepository) Get(ctx context.Context, runID string) ([]models.UserRecord, []models.ClassRecord, error) {
	const query = `SELECT payload FROM migration_records WHERE run_id = $1`
	var data []byte
	if err := r.db.GetContext(ctx, &data, query, runID); err != nil {
		return nil, nil, fmt.Errorf("get run records: %w", err)
	}
	var payload recordsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, fmt.Errorf("decode run records: %w", err)
	}
	return payload.Users, payload.Classes, nil
}

// Delete removes the stored working set for a run.
func (r *RecordRepository) Delete(ctx context.Context, runID string) error {
	const query = `DELETE FROM migration_records WHERE run_id = $1`
	if _, err := r.db.ExecContext(ctx, query, runID); err != nil {
		return fmt.Errorf("delete run records: %w", err)
	}
	return nil
}
