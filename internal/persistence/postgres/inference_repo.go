package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

// inferenceRepo implements InferenceRepo for PostgreSQL. The claim cycle
// uses FOR UPDATE SKIP LOCKED so concurrent labeler runs never double-label.
type inferenceRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewInferenceRepo creates a new PostgreSQL inference-log repository.
func NewInferenceRepo(db *sqlx.DB, timeout time.Duration) persistence.InferenceRepo {
	return &inferenceRepo{db: db, timeout: timeout}
}

type inferenceTx struct {
	tx *sqlx.Tx
}

func (t *inferenceTx) Commit() error   { return t.tx.Commit() }
func (t *inferenceTx) Rollback() error { return t.tx.Rollback() }

// Begin opens a transaction for the claim/mark cycle.
func (r *inferenceRepo) Begin(ctx context.Context) (persistence.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin labeling transaction: %w", err)
	}
	return &inferenceTx{tx: tx}, nil
}

const inferenceColumns = `id, created_at, symbol, interval, feature_close_time, probability,
	threshold, decision, model_id, model_version, used_production, target, realized, realized_at`

// InsertBatch appends rows atomically.
func (r *inferenceRepo) InsertBatch(ctx context.Context, rows []models.InferenceLog) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(rows)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO inference_logs (created_at, symbol, interval, feature_close_time,
			probability, threshold, decision, model_id, model_version, used_production, target)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if row.Probability < 0 || row.Probability > 1 {
			return fmt.Errorf("probability %.4f out of range for %s", row.Probability, row.Symbol)
		}
		if _, err := stmt.ExecContext(ctx,
			row.CreatedAt, row.Symbol, row.Interval, row.FeatureCloseTime,
			row.Probability, row.Threshold, row.Decision,
			row.ModelID, row.ModelVersion, row.UsedProduction, row.Target); err != nil {
			return fmt.Errorf("failed to insert inference log: %w", err)
		}
	}
	return tx.Commit()
}

// ClaimUnrealized selects up to limit unrealized rows created at or before
// cutoff, skipping rows locked by concurrent runs.
func (r *inferenceRepo) ClaimUnrealized(ctx context.Context, tx persistence.Tx, symbol, interval, target string, cutoff time.Time, limit int) ([]models.InferenceLog, error) {
	itx, ok := tx.(*inferenceTx)
	if !ok {
		return nil, fmt.Errorf("foreign transaction handle")
	}

	query := `
		SELECT ` + inferenceColumns + `
		FROM inference_logs
		WHERE symbol = $1 AND interval = $2 AND target = $3
		  AND realized IS NULL AND created_at <= $4
		ORDER BY created_at ASC
		LIMIT $5
		FOR UPDATE SKIP LOCKED`

	var rows []models.InferenceLog
	if err := itx.tx.SelectContext(ctx, &rows, query, symbol, interval, target, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to claim unrealized rows: %w", err)
	}
	return rows, nil
}

// MarkRealized sets realized exactly once via the realized IS NULL guard.
func (r *inferenceRepo) MarkRealized(ctx context.Context, tx persistence.Tx, id int64, realized int, at time.Time) (bool, error) {
	itx, ok := tx.(*inferenceTx)
	if !ok {
		return false, fmt.Errorf("foreign transaction handle")
	}

	res, err := itx.tx.ExecContext(ctx, `
		UPDATE inference_logs SET realized = $1, realized_at = $2
		WHERE id = $3 AND realized IS NULL`, realized, at, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark row %d realized: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListRealizedSince returns realized rows in the window, oldest first.
func (r *inferenceRepo) ListRealizedSince(ctx context.Context, symbol, interval, target string, since time.Time) ([]models.InferenceLog, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + inferenceColumns + `
		FROM inference_logs
		WHERE symbol = $1 AND interval = $2 AND target = $3
		  AND realized IS NOT NULL AND created_at >= $4
		ORDER BY created_at ASC`

	var rows []models.InferenceLog
	if err := r.db.SelectContext(ctx, &rows, query, symbol, interval, target, since); err != nil {
		return nil, fmt.Errorf("failed to list realized rows: %w", err)
	}
	return rows, nil
}

// CountPending returns unrealized rows created at or before cutoff.
func (r *inferenceRepo) CountPending(ctx context.Context, symbol, interval, target string, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int64
	query := `
		SELECT COUNT(*) FROM inference_logs
		WHERE symbol = $1 AND interval = $2 AND target = $3
		  AND realized IS NULL AND created_at <= $4`
	if err := r.db.GetContext(ctx, &n, query, symbol, interval, target, cutoff); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count pending rows: %w", err)
	}
	return n, nil
}
