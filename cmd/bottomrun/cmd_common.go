package main

import (
	"context"

	"github.com/sawpanic/bottomrun/internal/persistence/postgres"
)

// openDatabase connects and migrates using the loaded application config.
// Callers own Close.
func openDatabase(ctx context.Context) (*postgres.Manager, error) {
	cfg := appConfig
	db, err := postgres.NewManager(postgres.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		QueryTimeout:    cfg.Database.QueryTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
