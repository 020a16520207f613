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

// promotionsRepo implements PromotionsRepo for PostgreSQL.
type promotionsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPromotionsRepo creates a new PostgreSQL promotion-event repository.
func NewPromotionsRepo(db *sqlx.DB, timeout time.Duration) persistence.PromotionsRepo {
	return &promotionsRepo{db: db, timeout: timeout}
}

// Insert appends a promotion event.
func (r *promotionsRepo) Insert(ctx context.Context, ev models.PromotionEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO promotion_events (created_at, model_id, previous_production_model_id,
			decision, reason, samples_old, samples_new, auc_improve, ece_delta, val_samples)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	if _, err := r.db.ExecContext(ctx, query,
		ev.CreatedAt, ev.CandidateModelID, ev.PreviousProductionModelID,
		ev.Decision, ev.Reason, ev.SamplesOld, ev.SamplesNew,
		ev.AUCImprove, ev.ECEDelta, ev.ValSamples); err != nil {
		return fmt.Errorf("failed to insert promotion event: %w", err)
	}
	return nil
}

// LastPromotedAt returns the creation time of the most recent promoted event.
func (r *promotionsRepo) LastPromotedAt(ctx context.Context) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ts time.Time
	query := `SELECT created_at FROM promotion_events WHERE decision = 'promoted' ORDER BY created_at DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &ts, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, persistence.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("failed to query last promotion: %w", err)
	}
	return ts, nil
}

// ListRecent returns promotion events newest-first.
func (r *promotionsRepo) ListRecent(ctx context.Context, limit int) ([]models.PromotionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, created_at, model_id, previous_production_model_id, decision, reason,
		       samples_old, samples_new, auc_improve, ece_delta, val_samples
		FROM promotion_events
		ORDER BY created_at DESC
		LIMIT $1`

	var events []models.PromotionEvent
	if err := r.db.SelectContext(ctx, &events, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list promotion events: %w", err)
	}
	return events, nil
}
