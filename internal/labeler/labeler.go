// Package labeler resolves realized outcomes for aged inference rows using
// the same bottom-event rule the trainer uses.
package labeler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/ml"
	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
	"github.com/sawpanic/bottomrun/internal/settings"
)

// TargetBottom is the only labeling target this platform serves.
const TargetBottom = "bottom"

// EagerCap bounds a synchronous labeling pass regardless of the caller's
// requested limit.
const EagerCap = 500

// Config are the labeler defaults, overridable via settings.
type Config struct {
	Symbol     string
	Interval   string
	Loop       time.Duration // automatic loop period
	MinAge     time.Duration
	BatchLimit int
	Label      models.LabelParams
}

// DefaultConfig returns the production labeler configuration.
func DefaultConfig(symbol, interval string) Config {
	return Config{
		Symbol:     symbol,
		Interval:   interval,
		Loop:       30 * time.Second,
		MinAge:     60 * time.Second,
		BatchLimit: 200,
		Label:      ml.DefaultLabelParams(),
	}
}

// Result summarizes one labeling pass.
type Result struct {
	Labeled int `json:"labeled_count"`
	Pending int `json:"pending_count"`
}

// Labeler is the single writer of inference_logs.realized.
type Labeler struct {
	inference persistence.InferenceRepo
	bars      persistence.BarsRepo
	settings  *settings.Store
	config    Config

	onPending func()
	onLabeled func()
}

// New creates a labeler.
func New(inference persistence.InferenceRepo, bars persistence.BarsRepo, st *settings.Store, config Config) *Labeler {
	return &Labeler{inference: inference, bars: bars, settings: st, config: config,
		onPending: func() {}, onLabeled: func() {}}
}

// OnLabeled registers a counter callback fired per resolved row.
func (l *Labeler) OnLabeled(fn func()) {
	if fn != nil {
		l.onLabeled = fn
	}
}

// OnPending registers a counter callback fired per row left pending.
func (l *Labeler) OnPending(fn func()) {
	if fn != nil {
		l.onPending = fn
	}
}

func (l *Labeler) effectiveParams(override *models.LabelParams) models.LabelParams {
	if override != nil {
		return *override
	}
	p := l.config.Label
	if l.settings != nil {
		p.Lookahead = l.settings.Int(settings.KeyLabelerLookahead, p.Lookahead)
		p.Drawdown = l.settings.Float(settings.KeyLabelerDrawdown, p.Drawdown)
		p.Rebound = l.settings.Float(settings.KeyLabelerRebound, p.Rebound)
	}
	return p
}

// RunOnce claims up to limit unrealized rows old enough to have a full
// lookahead window and resolves their labels. Rows without sufficient
// closed bars stay pending. Realized is written only where still null;
// claimed rows are locked with skip-locked semantics so concurrent runs
// never double-label.
func (l *Labeler) RunOnce(ctx context.Context, minAge time.Duration, limit int, override *models.LabelParams) (Result, error) {
	var res Result
	params := l.effectiveParams(override)
	interval := models.IntervalDuration(l.config.Interval)
	horizon := time.Duration(params.Lookahead) * interval
	if minAge < horizon {
		minAge = horizon
	}
	if limit <= 0 {
		limit = l.config.BatchLimit
	}

	now := time.Now().UTC()
	cutoff := now.Add(-minAge)

	tx, err := l.inference.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	rows, err := l.inference.ClaimUnrealized(ctx, tx, l.config.Symbol, l.config.Interval, TargetBottom, cutoff, limit)
	if err != nil {
		return res, err
	}

	for _, row := range rows {
		label, ok, err := l.resolve(ctx, row, params, interval)
		if err != nil {
			return res, err
		}
		if !ok {
			res.Pending++
			l.onPending()
			continue
		}
		changed, err := l.inference.MarkRealized(ctx, tx, row.ID, label, now)
		if err != nil {
			return res, err
		}
		if changed {
			res.Labeled++
			l.onLabeled()
		}
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit labeling pass: %w", err)
	}

	if res.Labeled > 0 || res.Pending > 0 {
		log.Debug().Int("labeled", res.Labeled).Int("pending", res.Pending).
			Int("lookahead", params.Lookahead).Msg("Labeling pass completed")
	}
	return res, nil
}

// resolve fetches the lookahead window for one row and applies the rule.
// Returns ok=false when the window is not yet fully closed.
func (l *Labeler) resolve(ctx context.Context, row models.InferenceLog, params models.LabelParams, interval time.Duration) (int, bool, error) {
	from := row.FeatureCloseTime.Add(-interval) // tolerate close_time rounding
	to := row.FeatureCloseTime.Add(time.Duration(params.Lookahead) * interval)

	bars, err := l.bars.ListRange(ctx, l.config.Symbol, l.config.Interval,
		persistence.TimeRange{From: from, To: to}, params.Lookahead+2)
	if err != nil {
		return 0, false, fmt.Errorf("failed to fetch label window: %w", err)
	}

	// Anchor at the bar whose close produced the features.
	anchor := -1
	for i, b := range bars {
		if !b.CloseTime.After(row.FeatureCloseTime) {
			anchor = i
		}
	}
	if anchor < 0 || len(bars)-1-anchor < params.Lookahead {
		return 0, false, nil
	}

	closes := make([]float64, len(bars)-anchor)
	for i := anchor; i < len(bars); i++ {
		closes[i-anchor] = bars[i].Close
	}

	label := ml.BottomLabel(closes, 0, params)
	if label == ml.LabelPending {
		return 0, false, nil
	}
	return label, true, nil
}

// RunEager performs one synchronous bounded pass on behalf of the
// calibration endpoint. Caller-absent limit and min age fall back to the
// eager settings; the limit is safe-capped at EagerCap.
func (l *Labeler) RunEager(ctx context.Context, minAge time.Duration, limit int) (Result, error) {
	if l.settings != nil {
		if limit <= 0 {
			limit = l.settings.Int(settings.KeyCalibEagerLimit, limit)
		}
		if minAge <= 0 {
			minAge = l.settings.Seconds(settings.KeyCalibEagerMinAge, minAge)
		}
	}
	if limit <= 0 || limit > EagerCap {
		limit = EagerCap
	}
	return l.RunOnce(ctx, minAge, limit, nil)
}

// EagerDefault reports whether the calibration endpoint should run the
// eager pass when the caller does not ask either way.
func (l *Labeler) EagerDefault() bool {
	if l.settings == nil {
		return false
	}
	return l.settings.Bool(settings.KeyCalibEagerEnabled, false)
}

// Tick is the automatic loop body driven by the scheduler.
func (l *Labeler) Tick(ctx context.Context) error {
	minAge := l.config.MinAge
	limit := l.config.BatchLimit
	if l.settings != nil {
		minAge = l.settings.Seconds(settings.KeyLabelerMinAge, minAge)
		limit = l.settings.Int(settings.KeyLabelerBatchLimit, limit)
	}
	_, err := l.RunOnce(ctx, minAge, limit, nil)
	return err
}

// PendingCount reports unrealized rows old enough to label.
func (l *Labeler) PendingCount(ctx context.Context) (int64, error) {
	params := l.effectiveParams(nil)
	horizon := time.Duration(params.Lookahead) * models.IntervalDuration(l.config.Interval)
	return l.inference.CountPending(ctx, l.config.Symbol, l.config.Interval, TargetBottom,
		time.Now().UTC().Add(-horizon))
}
