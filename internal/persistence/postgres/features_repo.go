package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

// featuresRepo implements FeaturesRepo for PostgreSQL.
type featuresRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewFeaturesRepo creates a new PostgreSQL feature-snapshot repository.
func NewFeaturesRepo(db *sqlx.DB, timeout time.Duration) persistence.FeaturesRepo {
	return &featuresRepo{db: db, timeout: timeout}
}

type featureRow struct {
	Symbol        string    `db:"symbol"`
	Interval      string    `db:"interval"`
	CloseTime     time.Time `db:"close_time"`
	FeaturesJSON  []byte    `db:"features_json"`
	SchemaVersion string    `db:"schema_version"`
}

func (row featureRow) toSnapshot() (*models.FeatureSnapshot, error) {
	snap := &models.FeatureSnapshot{
		Symbol:        row.Symbol,
		Interval:      row.Interval,
		CloseTime:     row.CloseTime,
		SchemaVersion: row.SchemaVersion,
	}
	if err := json.Unmarshal(row.FeaturesJSON, &snap.Features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal features: %w", err)
	}
	return snap, nil
}

// Insert writes a snapshot; duplicates on the unique key are ignored.
func (r *featuresRepo) Insert(ctx context.Context, snap models.FeatureSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	featuresJSON, err := json.Marshal(snap.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	query := `
		INSERT INTO feature_snapshots (symbol, interval, close_time, features_json, schema_version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol, interval, close_time, schema_version) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query,
		snap.Symbol, snap.Interval, snap.CloseTime, featuresJSON, snap.SchemaVersion); err != nil {
		return fmt.Errorf("failed to insert feature snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot.
func (r *featuresRepo) Latest(ctx context.Context, symbol, interval string) (*models.FeatureSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, interval, close_time, features_json, schema_version
		FROM feature_snapshots
		WHERE symbol = $1 AND interval = $2
		ORDER BY close_time DESC
		LIMIT 1`

	var row featureRow
	if err := r.db.GetContext(ctx, &row, query, symbol, interval); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest feature snapshot: %w", err)
	}
	return row.toSnapshot()
}

// Exists reports whether a snapshot is present for the close_time.
func (r *featuresRepo) Exists(ctx context.Context, symbol, interval string, closeTime time.Time, schemaVersion string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM feature_snapshots
			WHERE symbol = $1 AND interval = $2 AND close_time = $3 AND schema_version = $4
		)`
	if err := r.db.GetContext(ctx, &exists, query, symbol, interval, closeTime, schemaVersion); err != nil {
		return false, fmt.Errorf("failed to check feature snapshot existence: %w", err)
	}
	return exists, nil
}
