// Package postgres implements the persistence interfaces on PostgreSQL
// via sqlx with per-call context timeouts.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/persistence"
)

// Config holds database connection configuration.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns reasonable defaults for database connections.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    time.Second,
	}
}

// Manager manages the database connection and repository instances.
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *persistence.Repository
}

// NewManager opens the connection pool and wires all repositories.
func NewManager(config Config) (*Manager, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = time.Second
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m := &Manager{db: db, config: config}
	m.repos = &persistence.Repository{
		Bars:       NewBarsRepo(db, config.QueryTimeout),
		Gaps:       NewGapsRepo(db, config.QueryTimeout),
		Features:   NewFeaturesRepo(db, config.QueryTimeout),
		Models:     NewModelsRepo(db, config.QueryTimeout),
		Inference:  NewInferenceRepo(db, config.QueryTimeout),
		Signals:    NewSignalsRepo(db, config.QueryTimeout),
		Promotions: NewPromotionsRepo(db, config.QueryTimeout),
		Settings:   NewSettingsRepo(db, config.QueryTimeout),
	}

	log.Info().Int("max_open_conns", config.MaxOpenConns).Msg("Database connection established")
	return m, nil
}

// Repos returns the wired repository aggregate.
func (m *Manager) Repos() *persistence.Repository {
	return m.repos
}

// Ping tests basic connectivity to the database.
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Health returns current repository health status.
func (m *Manager) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()
	hc := persistence.HealthCheck{
		Healthy:   true,
		LastCheck: start,
	}
	if err := m.Ping(ctx); err != nil {
		hc.Healthy = false
		hc.Errors = append(hc.Errors, err.Error())
	}
	stats := m.db.Stats()
	hc.ConnectionPool = map[string]int{
		"open":   stats.OpenConnections,
		"in_use": stats.InUse,
		"idle":   stats.Idle,
	}
	hc.ResponseTimeMS = time.Since(start).Milliseconds()
	return hc
}

// Migrate applies the schema idempotently at startup.
func (m *Manager) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for i, stmt := range schemaStatements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i, err)
		}
	}
	log.Info().Int("statements", len(schemaStatements)).Msg("Schema migration applied")
	return nil
}

// Close releases the connection pool.
func (m *Manager) Close() error {
	return m.db.Close()
}
