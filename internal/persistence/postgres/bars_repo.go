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

// barsRepo implements BarsRepo for PostgreSQL.
type barsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBarsRepo creates a new PostgreSQL bars repository.
func NewBarsRepo(db *sqlx.DB, timeout time.Duration) persistence.BarsRepo {
	return &barsRepo{db: db, timeout: timeout}
}

// Upsert writes a closed bar. The conditional update keeps replay idempotent:
// a row with identical content is left untouched and reports no change.
func (r *barsRepo) Upsert(ctx context.Context, bar models.Bar) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if !bar.IsClosed {
		return false, fmt.Errorf("refusing to persist partial bar at %s", bar.OpenTime)
	}
	if want := models.ExpectedCloseTime(bar.OpenTime, bar.Interval); !bar.CloseTime.Equal(want) {
		return false, fmt.Errorf("close_time %s violates interval invariant (want %s)", bar.CloseTime, want)
	}

	query := `
		INSERT INTO bars (symbol, interval, open_time, close_time, o, h, l, c, v, trade_count, is_closed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
		ON CONFLICT (symbol, interval, open_time) DO UPDATE
		SET close_time = EXCLUDED.close_time,
		    o = EXCLUDED.o, h = EXCLUDED.h, l = EXCLUDED.l, c = EXCLUDED.c,
		    v = EXCLUDED.v, trade_count = EXCLUDED.trade_count
		WHERE bars.o IS DISTINCT FROM EXCLUDED.o
		   OR bars.h IS DISTINCT FROM EXCLUDED.h
		   OR bars.l IS DISTINCT FROM EXCLUDED.l
		   OR bars.c IS DISTINCT FROM EXCLUDED.c
		   OR bars.v IS DISTINCT FROM EXCLUDED.v
		   OR bars.trade_count IS DISTINCT FROM EXCLUDED.trade_count`

	res, err := r.db.ExecContext(ctx, query,
		bar.Symbol, bar.Interval, bar.OpenTime, bar.CloseTime,
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.TradeCount)
	if err != nil {
		return false, fmt.Errorf("failed to upsert bar: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListRange retrieves closed bars ordered by open_time ascending.
func (r *barsRepo) ListRange(ctx context.Context, symbol, interval string, tr persistence.TimeRange, limit int) ([]models.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, interval, open_time, close_time, o, h, l, c, v, trade_count, is_closed
		FROM bars
		WHERE symbol = $1 AND interval = $2 AND open_time >= $3 AND open_time <= $4 AND is_closed
		ORDER BY open_time ASC
		LIMIT NULLIF($5, 0)`

	var bars []models.Bar
	if err := r.db.SelectContext(ctx, &bars, query, symbol, interval, tr.From, tr.To, limit); err != nil {
		return nil, fmt.Errorf("failed to list bars: %w", err)
	}
	return bars, nil
}

// ListLatest retrieves the newest n closed bars in ascending open_time order.
func (r *barsRepo) ListLatest(ctx context.Context, symbol, interval string, n int) ([]models.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT * FROM (
			SELECT symbol, interval, open_time, close_time, o, h, l, c, v, trade_count, is_closed
			FROM bars
			WHERE symbol = $1 AND interval = $2 AND is_closed
			ORDER BY open_time DESC
			LIMIT $3
		) latest ORDER BY open_time ASC`

	var bars []models.Bar
	if err := r.db.SelectContext(ctx, &bars, query, symbol, interval, n); err != nil {
		return nil, fmt.Errorf("failed to list latest bars: %w", err)
	}
	return bars, nil
}

// LatestOpenTime returns the most recent open_time.
func (r *barsRepo) LatestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	return r.boundaryOpenTime(ctx, symbol, interval, "MAX")
}

// EarliestOpenTime returns the oldest open_time.
func (r *barsRepo) EarliestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	return r.boundaryOpenTime(ctx, symbol, interval, "MIN")
}

func (r *barsRepo) boundaryOpenTime(ctx context.Context, symbol, interval, agg string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s(open_time) FROM bars WHERE symbol = $1 AND interval = $2 AND is_closed`, agg)
	var ts sql.NullTime
	if err := r.db.GetContext(ctx, &ts, query, symbol, interval); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, persistence.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("failed to query boundary open_time: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, persistence.ErrNotFound
	}
	return ts.Time, nil
}

// Count returns the number of closed bars in the range.
func (r *barsRepo) Count(ctx context.Context, symbol, interval string, tr persistence.TimeRange) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int64
	query := `SELECT COUNT(*) FROM bars WHERE symbol = $1 AND interval = $2 AND open_time >= $3 AND open_time <= $4 AND is_closed`
	if err := r.db.GetContext(ctx, &n, query, symbol, interval, tr.From, tr.To); err != nil {
		return 0, fmt.Errorf("failed to count bars: %w", err)
	}
	return n, nil
}
