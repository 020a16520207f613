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

// signalsRepo implements SignalsRepo for PostgreSQL.
type signalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSignalsRepo creates a new PostgreSQL trading-signal repository.
func NewSignalsRepo(db *sqlx.DB, timeout time.Duration) persistence.SignalsRepo {
	return &signalsRepo{db: db, timeout: timeout}
}

type signalRow struct {
	ID         string       `db:"id"`
	CreatedTS  time.Time    `db:"created_ts"`
	ExecutedTS sql.NullTime `db:"executed_ts"`
	SignalType string       `db:"signal_type"`
	Status     string       `db:"status"`
	ParamsJSON []byte       `db:"params_json"`
	Price      float64      `db:"price"`
	ExtraJSON  []byte       `db:"extra_json"`
	OrderSide  string       `db:"order_side"`
	OrderSize  float64      `db:"order_size"`
	OrderPrice float64      `db:"order_price"`
	Error      string       `db:"error"`
}

func (row signalRow) toSignal() (models.TradingSignal, error) {
	sig := models.TradingSignal{
		ID:         row.ID,
		CreatedTS:  row.CreatedTS,
		SignalType: row.SignalType,
		Status:     models.SignalStatus(row.Status),
		Price:      row.Price,
		OrderSide:  row.OrderSide,
		OrderSize:  row.OrderSize,
		OrderPrice: row.OrderPrice,
		Error:      row.Error,
	}
	if row.ExecutedTS.Valid {
		t := row.ExecutedTS.Time
		sig.ExecutedTS = &t
	}
	if err := json.Unmarshal(row.ParamsJSON, &sig.Params); err != nil {
		return sig, fmt.Errorf("failed to unmarshal signal params: %w", err)
	}
	if err := json.Unmarshal(row.ExtraJSON, &sig.Extra); err != nil {
		return sig, fmt.Errorf("failed to unmarshal signal extra: %w", err)
	}
	return sig, nil
}

// InsertSignal appends a signal in triggered state.
func (r *signalsRepo) InsertSignal(ctx context.Context, sig models.TradingSignal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	paramsJSON, err := json.Marshal(orEmpty(sig.Params))
	if err != nil {
		return fmt.Errorf("failed to marshal signal params: %w", err)
	}
	extraJSON, err := json.Marshal(orEmpty(sig.Extra))
	if err != nil {
		return fmt.Errorf("failed to marshal signal extra: %w", err)
	}

	query := `
		INSERT INTO trading_signals (id, created_ts, signal_type, status, params_json, price,
			extra_json, order_side, order_size, order_price, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	if _, err := r.db.ExecContext(ctx, query,
		sig.ID, sig.CreatedTS, sig.SignalType, sig.Status, paramsJSON, sig.Price,
		extraJSON, sig.OrderSide, sig.OrderSize, sig.OrderPrice, sig.Error); err != nil {
		return fmt.Errorf("failed to insert trading signal: %w", err)
	}
	return nil
}

// UpdateSignal transitions status and records execution fields.
func (r *signalsRepo) UpdateSignal(ctx context.Context, sig models.TradingSignal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	extraJSON, err := json.Marshal(orEmpty(sig.Extra))
	if err != nil {
		return fmt.Errorf("failed to marshal signal extra: %w", err)
	}

	query := `
		UPDATE trading_signals
		SET status = $1, executed_ts = $2, extra_json = $3,
		    order_side = $4, order_size = $5, order_price = $6, error = $7
		WHERE id = $8`

	res, err := r.db.ExecContext(ctx, query,
		sig.Status, sig.ExecutedTS, extraJSON,
		sig.OrderSide, sig.OrderSize, sig.OrderPrice, sig.Error, sig.ID)
	if err != nil {
		return fmt.Errorf("failed to update trading signal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// LastTriggeredAt returns the creation time of the most recent signal of
// the given type.
func (r *signalsRepo) LastTriggeredAt(ctx context.Context, signalType string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var ts time.Time
	query := `SELECT created_ts FROM trading_signals WHERE signal_type = $1 ORDER BY created_ts DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &ts, query, signalType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, persistence.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("failed to query last triggered signal: %w", err)
	}
	return ts, nil
}

// ListRecent returns signals newest-first.
func (r *signalsRepo) ListRecent(ctx context.Context, limit int) ([]models.TradingSignal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, created_ts, executed_ts, signal_type, status, params_json, price,
		       extra_json, order_side, order_size, order_price, error
		FROM trading_signals
		ORDER BY created_ts DESC
		LIMIT $1`

	var rows []signalRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list trading signals: %w", err)
	}

	sigs := make([]models.TradingSignal, 0, len(rows))
	for _, row := range rows {
		sig, err := row.toSignal()
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// GetPosition returns the position row for the symbol.
func (r *signalsRepo) GetPosition(ctx context.Context, symbol string) (*models.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var pos models.Position
	query := `SELECT symbol, size, avg_price, realized_pnl, unrealized_pnl, updated_ts, status FROM positions WHERE symbol = $1`
	if err := r.db.GetContext(ctx, &pos, query, symbol); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return &pos, nil
}

// UpsertPosition writes the position row atomically. The size/status
// invariant is enforced before hitting the database.
func (r *signalsRepo) UpsertPosition(ctx context.Context, pos models.Position) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if (pos.Size == 0) != (pos.Status == models.PositionFlat) {
		return fmt.Errorf("position invariant violated: size=%.8f status=%s", pos.Size, pos.Status)
	}

	query := `
		INSERT INTO positions (symbol, size, avg_price, realized_pnl, unrealized_pnl, updated_ts, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE
		SET size = EXCLUDED.size, avg_price = EXCLUDED.avg_price,
		    realized_pnl = EXCLUDED.realized_pnl, unrealized_pnl = EXCLUDED.unrealized_pnl,
		    updated_ts = EXCLUDED.updated_ts, status = EXCLUDED.status`

	if _, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.Size, pos.AvgPrice, pos.RealizedPnL, pos.UnrealizedPnL, pos.UpdatedTS, pos.Status); err != nil {
		return fmt.Errorf("failed to upsert position: %w", err)
	}
	return nil
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
