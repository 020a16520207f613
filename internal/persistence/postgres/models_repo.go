package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

// modelsRepo implements ModelsRepo for PostgreSQL. SwapProduction is the
// only writer of the production pointer and runs under a transaction.
type modelsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewModelsRepo creates a new PostgreSQL model-artifact repository.
func NewModelsRepo(db *sqlx.DB, timeout time.Duration) persistence.ModelsRepo {
	return &modelsRepo{db: db, timeout: timeout}
}

type artifactRow struct {
	ID          int64     `db:"id"`
	Family      string    `db:"family"`
	Version     int       `db:"version"`
	Status      string    `db:"status"`
	MetricsJSON []byte    `db:"metrics_json"`
	Blob        []byte    `db:"blob"`
	CreatedAt   time.Time `db:"created_at"`
}

func (row artifactRow) toArtifact() (*models.ModelArtifact, error) {
	a := &models.ModelArtifact{
		ID:        row.ID,
		Family:    row.Family,
		Version:   row.Version,
		Status:    models.ModelStatus(row.Status),
		Blob:      row.Blob,
		CreatedAt: row.CreatedAt,
	}
	if err := json.Unmarshal(row.MetricsJSON, &a.Metrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model metrics: %w", err)
	}
	return a, nil
}

const artifactColumns = `id, family, version, status, metrics_json, blob, created_at`

// Insert registers a new artifact; new rows default to staging.
func (r *modelsRepo) Insert(ctx context.Context, artifact models.ModelArtifact) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if artifact.Status == "" {
		artifact.Status = models.ModelStaging
	}
	metricsJSON, err := json.Marshal(artifact.Metrics)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metrics: %w", err)
	}

	query := `
		INSERT INTO model_artifacts (family, version, status, metrics_json, blob)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	var id int64
	err = r.db.QueryRowxContext(ctx, query,
		artifact.Family, artifact.Version, artifact.Status, metricsJSON, artifact.Blob).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return 0, fmt.Errorf("duplicate model version %s/%d: %w", artifact.Family, artifact.Version, err)
		}
		return 0, fmt.Errorf("failed to insert model artifact: %w", err)
	}
	return id, nil
}

// Get retrieves an artifact by id including its blob.
func (r *modelsRepo) Get(ctx context.Context, id int64) (*models.ModelArtifact, error) {
	return r.getOne(ctx, `SELECT `+artifactColumns+` FROM model_artifacts WHERE id = $1`, id)
}

// Production returns the current production artifact for the family.
func (r *modelsRepo) Production(ctx context.Context, family string) (*models.ModelArtifact, error) {
	return r.getOne(ctx,
		`SELECT `+artifactColumns+` FROM model_artifacts WHERE family = $1 AND status = 'production' ORDER BY created_at DESC LIMIT 1`,
		family)
}

// Latest returns the newest artifact for the family regardless of status.
func (r *modelsRepo) Latest(ctx context.Context, family string) (*models.ModelArtifact, error) {
	return r.getOne(ctx,
		`SELECT `+artifactColumns+` FROM model_artifacts WHERE family = $1 ORDER BY version DESC LIMIT 1`,
		family)
}

func (r *modelsRepo) getOne(ctx context.Context, query string, args ...interface{}) (*models.ModelArtifact, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row artifactRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query model artifact: %w", err)
	}
	return row.toArtifact()
}

// ListRecent returns artifacts newest-first.
func (r *modelsRepo) ListRecent(ctx context.Context, family string, limit int) ([]models.ModelArtifact, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + artifactColumns + ` FROM model_artifacts WHERE family = $1 ORDER BY created_at DESC LIMIT $2`
	var rows []artifactRow
	if err := r.db.SelectContext(ctx, &rows, query, family, limit); err != nil {
		return nil, fmt.Errorf("failed to list model artifacts: %w", err)
	}

	artifacts := make([]models.ModelArtifact, 0, len(rows))
	for _, row := range rows {
		a, err := row.toArtifact()
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, nil
}

// SwapProduction retires the current production artifact and marks id
// production in a single transaction. Observers see either the old or the
// new pointer, never neither.
func (r *modelsRepo) SwapProduction(ctx context.Context, family string, id int64) (*int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prev sql.NullInt64
	err = tx.QueryRowxContext(ctx, `
		UPDATE model_artifacts SET status = 'retired'
		WHERE family = $1 AND status = 'production'
		RETURNING id`, family).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to retire production artifact: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE model_artifacts SET status = 'production'
		WHERE id = $1 AND family = $2`, id, family)
	if err != nil {
		return nil, fmt.Errorf("failed to promote artifact %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, persistence.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit production swap: %w", err)
	}

	if prev.Valid {
		p := prev.Int64
		return &p, nil
	}
	return nil, nil
}

// RepairProduction keeps the most recently promoted production row and
// retires any extras. Run once at startup.
func (r *modelsRepo) RepairProduction(ctx context.Context, family string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE model_artifacts SET status = 'retired'
		WHERE family = $1 AND status = 'production'
		  AND id <> (
			SELECT id FROM model_artifacts
			WHERE family = $1 AND status = 'production'
			ORDER BY created_at DESC, id DESC LIMIT 1
		  )`, family)
	if err != nil {
		return 0, fmt.Errorf("failed to repair production pointer: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Warn().Int64("demoted", n).Str("family", family).Msg("Repaired duplicate production pointer")
	}
	return int(n), nil
}
