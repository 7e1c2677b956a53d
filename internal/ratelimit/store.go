package ratelimit

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"jobflow/internal/domain"
)

// EnsureSchema creates the usage table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS usage_records (
  id TEXT PRIMARY KEY,
  created_at DATETIME NOT NULL,
  process_type TEXT NOT NULL,
  request_count INTEGER NOT NULL DEFAULT 1,
  estimated_tokens INTEGER NOT NULL DEFAULT 0,
  actual_tokens INTEGER,
  model TEXT
);
CREATE INDEX IF NOT EXISTS idx_usage_created ON usage_records(created_at);
`
	_, err := db.Exec(schema)
	return err
}

// UsageStore persists one immutable row per admitted call attempt. Rows are
// mutated exactly once, to backfill the actual token cost.
type UsageStore interface {
	Insert(ctx context.Context, rec domain.UsageRecord) (string, error)
	UpdateActualTokens(ctx context.Context, id string, actualTokens int) error
	// WindowTotals sums requests and tokens for records at or after since,
	// preferring actual_tokens over estimated_tokens when present.
	WindowTotals(ctx context.Context, since time.Time) (requests, tokens int, err error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type sqliteUsageStore struct{ db *sql.DB }

func NewSQLiteUsageStore(db *sql.DB) UsageStore { return &sqliteUsageStore{db: db} }

func (s *sqliteUsageStore) Insert(ctx context.Context, rec domain.UsageRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = "usg_" + uuid.NewString()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	requestCount := rec.RequestCount
	if requestCount == 0 {
		requestCount = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_records (id,created_at,process_type,request_count,estimated_tokens,actual_tokens,model)
VALUES (?,?,?,?,?,?,?)
`, id, createdAt, rec.ProcessType, requestCount, rec.EstimatedTokens, rec.ActualTokens, rec.Model)
	return id, err
}

func (s *sqliteUsageStore) UpdateActualTokens(ctx context.Context, id string, actualTokens int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE usage_records SET actual_tokens=? WHERE id=?`, actualTokens, id)
	return err
}

func (s *sqliteUsageStore) WindowTotals(ctx context.Context, since time.Time) (int, int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COALESCE(SUM(request_count),0), COALESCE(SUM(COALESCE(actual_tokens, estimated_tokens)),0)
FROM usage_records WHERE created_at >= ?`, since)
	var requests, tokens int
	if err := row.Scan(&requests, &tokens); err != nil {
		return 0, 0, err
	}
	return requests, tokens, nil
}

func (s *sqliteUsageStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
