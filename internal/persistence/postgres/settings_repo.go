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

// settingsRepo implements SettingsRepo for PostgreSQL.
type settingsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSettingsRepo creates a new PostgreSQL settings repository.
func NewSettingsRepo(db *sqlx.DB, timeout time.Duration) persistence.SettingsRepo {
	return &settingsRepo{db: db, timeout: timeout}
}

// Put persists a typed JSON value under the key.
func (r *settingsRepo) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO settings (key, value_json, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE
		SET value_json = EXCLUDED.value_json, updated_at = now()`

	if _, err := r.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to put setting %q: %w", key, err)
	}
	return nil
}

// Get retrieves the raw JSON value for the key.
func (r *settingsRepo) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var value []byte
	if err := r.db.GetContext(ctx, &value, `SELECT value_json FROM settings WHERE key = $1`, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get setting %q: %w", key, err)
	}
	return value, nil
}

// All returns every setting row.
func (r *settingsRepo) All(ctx context.Context) ([]models.Setting, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var settings []models.Setting
	query := `SELECT key, value_json, updated_at FROM settings ORDER BY key`
	if err := r.db.SelectContext(ctx, &settings, query); err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	return settings, nil
}
