// Package features derives leakage-free feature snapshots from closed bars.
// Every feature for close_time t is computed from bars with close_time <= t
// only; the snapshot for a close_time with any NaN input is skipped.
package features

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

// SchemaVersion identifies the feature set below. Bump when the set changes.
const SchemaVersion = "bottom_v1"

// WarmupBars is the minimum closed-bar history required before any snapshot
// can be produced (dominated by SMA(50) plus one return lag).
const WarmupBars = 51

// ErrNoData is returned when fewer than WarmupBars closed bars exist.
var ErrNoData = errors.New("features: insufficient closed bars")

// FeatureNames is the ordered schema of bottom_v1. Training and inference
// both consume vectors in this order.
var FeatureNames = []string{
	"ret_1", "ret_3", "ret_5", "ret_10",
	"rsi_14",
	"vol_20",
	"sma_20_dist", "sma_50_dist",
	"atr_14_rel",
	"dd_30",
	"vol_ratio_20",
}

// Compute derives the feature map for the bar at index i of the series.
// Returns false when any required input is NaN.
func Compute(bars []models.Bar, i int) (map[string]float64, bool) {
	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	vols := make([]float64, len(bars))
	for j, b := range bars {
		closes[j] = b.Close
		highs[j] = b.High
		lows[j] = b.Low
		vols[j] = b.Volume
	}

	c := closes[i]
	if c == 0 {
		return nil, false
	}

	sma20 := sma(closes, i, 20)
	sma50 := sma(closes, i, 50)
	atr14 := atr(highs, lows, closes, i, 14)
	volSMA := sma(vols, i, 20)

	f := map[string]float64{
		"ret_1":       kReturn(closes, i, 1),
		"ret_3":       kReturn(closes, i, 3),
		"ret_5":       kReturn(closes, i, 5),
		"ret_10":      kReturn(closes, i, 10),
		"rsi_14":      rsi(closes, i, 14),
		"vol_20":      rollingVol(closes, i, 20),
		"sma_20_dist": (c - sma20) / c,
		"sma_50_dist": (c - sma50) / c,
		"atr_14_rel":  atr14 / c,
		"dd_30":       drawdownFromMax(closes, i, min(30, i+1)),
		"vol_ratio_20": func() float64 {
			if volSMA == 0 {
				return math.NaN()
			}
			return vols[i] / volSMA
		}(),
	}

	for _, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
	}
	return f, true
}

// Vector flattens a feature map into FeatureNames order.
func Vector(f map[string]float64) []float64 {
	vec := make([]float64, len(FeatureNames))
	for i, name := range FeatureNames {
		vec[i] = f[name]
	}
	return vec
}

// Engine computes and stores feature snapshots.
type Engine struct {
	bars     persistence.BarsRepo
	store    persistence.FeaturesRepo
	symbol   string
	interval string

	// SkippedNaN counts snapshots dropped because an upstream value was NaN.
	onSkip func()
}

// NewEngine creates a feature engine for one (symbol, interval).
func NewEngine(bars persistence.BarsRepo, store persistence.FeaturesRepo, symbol, interval string) *Engine {
	return &Engine{bars: bars, store: store, symbol: symbol, interval: interval, onSkip: func() {}}
}

// OnSkip registers a counter callback fired for each NaN-skipped snapshot.
func (e *Engine) OnSkip(fn func()) {
	if fn != nil {
		e.onSkip = fn
	}
}

// ComputeLatest returns the snapshot for the most recent closed bar,
// persisting it as a side effect. Returns ErrNoData under warmup.
func (e *Engine) ComputeLatest(ctx context.Context) (*models.FeatureSnapshot, error) {
	bars, err := e.bars.ListLatest(ctx, e.symbol, e.interval, WarmupBars+32)
	if err != nil {
		return nil, fmt.Errorf("failed to load bars: %w", err)
	}
	if len(bars) < WarmupBars {
		return nil, ErrNoData
	}

	i := len(bars) - 1
	f, ok := Compute(bars, i)
	if !ok {
		e.onSkip()
		return nil, fmt.Errorf("feature computation produced NaN at %s", bars[i].CloseTime)
	}

	snap := &models.FeatureSnapshot{
		Symbol:        e.symbol,
		Interval:      e.interval,
		CloseTime:     bars[i].CloseTime,
		Features:      f,
		SchemaVersion: SchemaVersion,
	}
	if err := e.store.Insert(ctx, *snap); err != nil {
		return nil, fmt.Errorf("failed to persist feature snapshot: %w", err)
	}
	return snap, nil
}

// Backfill populates snapshots for the last targetBars closed bars,
// skipping close_times that already have one. Returns the number written.
func (e *Engine) Backfill(ctx context.Context, targetBars int) (int, error) {
	bars, err := e.bars.ListLatest(ctx, e.symbol, e.interval, targetBars+WarmupBars)
	if err != nil {
		return 0, fmt.Errorf("failed to load bars: %w", err)
	}
	if len(bars) < WarmupBars {
		return 0, ErrNoData
	}

	start := len(bars) - targetBars
	if start < WarmupBars-1 {
		start = WarmupBars - 1
	}

	written := 0
	for i := start; i < len(bars); i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		exists, err := e.store.Exists(ctx, e.symbol, e.interval, bars[i].CloseTime, SchemaVersion)
		if err != nil {
			return written, fmt.Errorf("failed to check snapshot existence: %w", err)
		}
		if exists {
			continue
		}
		f, ok := Compute(bars, i)
		if !ok {
			e.onSkip()
			continue
		}
		snap := models.FeatureSnapshot{
			Symbol:        e.symbol,
			Interval:      e.interval,
			CloseTime:     bars[i].CloseTime,
			Features:      f,
			SchemaVersion: SchemaVersion,
		}
		if err := e.store.Insert(ctx, snap); err != nil {
			return written, fmt.Errorf("failed to persist snapshot: %w", err)
		}
		written++
	}

	log.Debug().Int("written", written).Int("target", targetBars).Msg("Feature backfill completed")
	return written, nil
}

// Age returns how far behind now the snapshot's close_time is.
func Age(snap *models.FeatureSnapshot, now time.Time) time.Duration {
	return now.Sub(snap.CloseTime)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
