package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/trading"
)

// PaperConfig configures the simulated broker.
type PaperConfig struct {
	SlippageBps float64 // applied against the order direction
	FeeBps      float64
}

// DefaultPaperConfig returns realistic taker assumptions.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{SlippageBps: 2, FeeBps: 10}
}

// PaperBroker fills every order instantly at the reference price adjusted
// for slippage. Fees accumulate for reporting but are not netted into
// fills.
type PaperBroker struct {
	config PaperConfig

	mu        sync.Mutex
	orders    int64
	totalFees float64
}

// NewPaperBroker creates a simulated broker.
func NewPaperBroker(config PaperConfig) *PaperBroker {
	return &PaperBroker{config: config}
}

// Name identifies the broker in logs and status payloads.
func (b *PaperBroker) Name() string { return "paper" }

// SubmitOrder fills at refPrice shifted by slippage against the order.
func (b *PaperBroker) SubmitOrder(ctx context.Context, symbol, side string, size, refPrice float64) (*trading.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size <= 0 || refPrice <= 0 {
		return nil, fmt.Errorf("paper: invalid order size=%f price=%f", size, refPrice)
	}

	slip := refPrice * b.config.SlippageBps / 10000
	price := refPrice + slip
	if side == trading.SideSell {
		price = refPrice - slip
	}

	b.mu.Lock()
	b.orders++
	b.totalFees += price * size * b.config.FeeBps / 10000
	b.mu.Unlock()

	log.Debug().Str("symbol", symbol).Str("side", side).
		Float64("size", size).Float64("price", price).Msg("Paper fill")
	return &trading.Fill{Price: price, Size: size, TS: time.Now().UTC()}, nil
}

// Stats returns cumulative order count and simulated fees.
func (b *PaperBroker) Stats() (orders int64, fees float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.orders, b.totalFees
}
