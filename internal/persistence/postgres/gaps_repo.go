package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

// gapsRepo implements GapsRepo for PostgreSQL.
type gapsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewGapsRepo creates a new PostgreSQL gap-segment repository.
func NewGapsRepo(db *sqlx.DB, timeout time.Duration) persistence.GapsRepo {
	return &gapsRepo{db: db, timeout: timeout}
}

// Upsert records a gap segment, deduplicated by (symbol, interval, from_ts, to_ts).
// Re-detecting a known segment returns its existing id without resetting state.
func (r *gapsRepo) Upsert(ctx context.Context, seg models.GapSegment) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO gap_segments (symbol, interval, from_ts, to_ts, missing_count, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol, interval, from_ts, to_ts) DO UPDATE
		SET missing_count = EXCLUDED.missing_count
		RETURNING id`

	var id int64
	err := r.db.QueryRowxContext(ctx, query,
		seg.Symbol, seg.Interval, seg.FromTS, seg.ToTS, seg.MissingCount, seg.State).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert gap segment: %w", err)
	}
	return id, nil
}

// SetState transitions a segment's lifecycle state.
func (r *gapsRepo) SetState(ctx context.Context, id int64, state models.GapState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE gap_segments SET state = $1 WHERE id = $2`, state, id)
	if err != nil {
		return fmt.Errorf("failed to set gap state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// ListOpen returns segments not yet closed, oldest first.
func (r *gapsRepo) ListOpen(ctx context.Context, symbol, interval string, limit int) ([]models.GapSegment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, symbol, interval, from_ts, to_ts, missing_count, state
		FROM gap_segments
		WHERE symbol = $1 AND interval = $2 AND state <> 'closed'
		ORDER BY from_ts ASC
		LIMIT $3`

	var segs []models.GapSegment
	if err := r.db.SelectContext(ctx, &segs, query, symbol, interval, limit); err != nil {
		return nil, fmt.Errorf("failed to list open gaps: %w", err)
	}
	return segs, nil
}
