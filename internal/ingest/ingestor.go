// Package ingest maintains the closed-bar series: stream consumption,
// partial bucket lifecycle, delta-first catch-up, and gap repair.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/cache"
	"github.com/sawpanic/bottomrun/internal/exchange"
	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

// Config are the ingestor defaults.
type Config struct {
	Symbol           string
	Interval         string
	WatchdogGrace    time.Duration // how late a close event may run before force-finalize
	CatchupLookback  time.Duration // history fetched when the bar table is empty
	ScanWindow       time.Duration // gap scan depth
	PartialMinPeriod time.Duration // minimum spacing between partial cache publishes
}

// DefaultConfig returns the production ingestor configuration.
func DefaultConfig(symbol, interval string) Config {
	return Config{
		Symbol:           symbol,
		Interval:         interval,
		WatchdogGrace:    20 * time.Second,
		CatchupLookback:  7 * 24 * time.Hour,
		ScanWindow:       48 * time.Hour,
		PartialMinPeriod: 500 * time.Millisecond,
	}
}

// Ingestor owns the single in-memory partial bar and the durable closed
// series. Only closed bars reach the database.
type Ingestor struct {
	bars   persistence.BarsRepo
	gaps   persistence.GapsRepo
	rest   *exchange.RESTClient
	cache  cache.Cache
	config Config

	mu          sync.Mutex
	partial     *models.Bar
	lastUpdate  time.Time
	lastPublish time.Time

	onClose  []func(models.Bar)
	onDedupe func()
	onGap    func()
}

// New creates an ingestor.
func New(bars persistence.BarsRepo, gaps persistence.GapsRepo, rest *exchange.RESTClient, c cache.Cache, config Config) *Ingestor {
	return &Ingestor{
		bars:     bars,
		gaps:     gaps,
		rest:     rest,
		cache:    c,
		config:   config,
		onDedupe: func() {},
		onGap:    func() {},
	}
}

// OnClose registers a handler fired for every newly persisted closed bar,
// in open_time order. Replayed duplicates do not refire.
func (g *Ingestor) OnClose(fn func(models.Bar)) {
	if fn != nil {
		g.onClose = append(g.onClose, fn)
	}
}

// OnDedupe registers a counter callback for replayed duplicate bars.
func (g *Ingestor) OnDedupe(fn func()) {
	if fn != nil {
		g.onDedupe = fn
	}
}

// OnGapFound registers a counter callback for detected gap segments.
func (g *Ingestor) OnGapFound(fn func()) {
	if fn != nil {
		g.onGap = fn
	}
}

// HandleUpdate consumes one stream event. Partial updates replace the
// in-memory bucket and are coalesced into at most one cache publish per
// PartialMinPeriod; the final update persists the bar.
func (g *Ingestor) HandleUpdate(ctx context.Context, u exchange.BarUpdate) {
	if !u.Closed {
		bar := u.Bar
		now := time.Now()
		g.mu.Lock()
		g.partial = &bar
		g.lastUpdate = now
		publish := g.cache != nil && now.Sub(g.lastPublish) >= g.config.PartialMinPeriod
		if publish {
			g.lastPublish = now
		}
		g.mu.Unlock()
		if publish {
			cache.PublishPartial(g.cache, bar)
		}
		return
	}

	g.mu.Lock()
	g.partial = nil
	g.lastUpdate = time.Now()
	g.mu.Unlock()

	bar := u.Bar
	bar.IsClosed = true
	if err := g.persistClosed(ctx, bar); err != nil {
		log.Error().Err(err).Time("open_time", bar.OpenTime).Msg("Failed to persist closed bar")
	}
}

// persistClosed upserts one closed bar and fires close handlers when the
// row actually changed.
func (g *Ingestor) persistClosed(ctx context.Context, bar models.Bar) error {
	changed, err := g.bars.Upsert(ctx, bar)
	if err != nil {
		return err
	}
	if !changed {
		g.onDedupe()
		return nil
	}
	for _, fn := range g.onClose {
		fn(bar)
	}
	return nil
}

// Partial returns a copy of the in-flight bucket, if any.
func (g *Ingestor) Partial() (*models.Bar, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.partial == nil {
		return nil, false
	}
	b := *g.partial
	return &b, true
}

// Watchdog force-finalizes a bucket whose close event never arrived and
// triggers catch-up when the durable series falls behind. Scheduler tick.
func (g *Ingestor) Watchdog(ctx context.Context) error {
	now := time.Now().UTC()
	interval := models.IntervalDuration(g.config.Interval)

	g.mu.Lock()
	var staleOpen *time.Time
	if g.partial != nil && now.After(g.partial.CloseTime.Add(g.config.WatchdogGrace)) {
		t := g.partial.OpenTime
		staleOpen = &t
		g.partial = nil
	}
	g.mu.Unlock()

	if staleOpen != nil {
		log.Warn().Time("open_time", *staleOpen).Msg("Partial bar overdue, force-finalizing from venue")
		bars, err := g.rest.Klines(ctx, g.config.Symbol, g.config.Interval,
			*staleOpen, staleOpen.Add(interval), 1)
		if err != nil {
			return fmt.Errorf("watchdog fetch failed: %w", err)
		}
		for _, bar := range bars {
			if err := g.persistClosed(ctx, bar); err != nil {
				return err
			}
		}
	}

	latest, err := g.bars.LatestOpenTime(ctx, g.config.Symbol, g.config.Interval)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil // empty table, backfill is an operator action
		}
		return err
	}
	if now.Sub(latest) > 2*interval+g.config.WatchdogGrace {
		return g.CatchUp(ctx)
	}
	return nil
}

// CatchUp fills the series from the last durable bar up to now. Runs on
// every stream (re)connect before live events are trusted, so the delta
// lands ahead of fresh ticks.
func (g *Ingestor) CatchUp(ctx context.Context) error {
	interval := models.IntervalDuration(g.config.Interval)
	now := time.Now().UTC()

	from := now.Add(-g.config.CatchupLookback)
	latest, err := g.bars.LatestOpenTime(ctx, g.config.Symbol, g.config.Interval)
	if err == nil {
		from = latest.Add(interval)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	total := 0
	for from.Before(now) {
		if err := ctx.Err(); err != nil {
			return err
		}
		bars, err := g.rest.Klines(ctx, g.config.Symbol, g.config.Interval, from, now, exchange.MaxKlinesPerRequest)
		if err != nil {
			return fmt.Errorf("catch-up fetch failed: %w", err)
		}
		if len(bars) == 0 {
			break
		}
		for _, bar := range bars {
			if err := g.persistClosed(ctx, bar); err != nil {
				return err
			}
		}
		total += len(bars)
		from = bars[len(bars)-1].OpenTime.Add(interval)
		if len(bars) < exchange.MaxKlinesPerRequest {
			break
		}
	}

	if total > 0 {
		log.Info().Int("bars", total).Msg("Catch-up completed")
	}
	return nil
}

// Backfill fetches history for [from, to), paging through the venue cap.
// Returns the number of bars written or replayed.
func (g *Ingestor) Backfill(ctx context.Context, from, to time.Time) (int, error) {
	interval := models.IntervalDuration(g.config.Interval)
	total := 0
	for from.Before(to) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		bars, err := g.rest.Klines(ctx, g.config.Symbol, g.config.Interval, from, to, exchange.MaxKlinesPerRequest)
		if err != nil {
			return total, fmt.Errorf("backfill fetch failed: %w", err)
		}
		if len(bars) == 0 {
			break
		}
		for _, bar := range bars {
			if _, err := g.bars.Upsert(ctx, bar); err != nil {
				return total, err
			}
		}
		total += len(bars)
		from = bars[len(bars)-1].OpenTime.Add(interval)
	}
	return total, nil
}

// ScanGaps walks the recent series and records missing open_time runs.
// Returns the number of segments recorded.
func (g *Ingestor) ScanGaps(ctx context.Context) (int, error) {
	interval := models.IntervalDuration(g.config.Interval)
	now := time.Now().UTC()
	tr := persistence.TimeRange{From: now.Add(-g.config.ScanWindow), To: now}

	bars, err := g.bars.ListRange(ctx, g.config.Symbol, g.config.Interval, tr, 0)
	if err != nil {
		return 0, fmt.Errorf("gap scan failed: %w", err)
	}
	if len(bars) < 2 {
		return 0, nil
	}

	found := 0
	for i := 1; i < len(bars); i++ {
		expect := bars[i-1].OpenTime.Add(interval)
		if bars[i].OpenTime.Equal(expect) {
			continue
		}
		missing := int(bars[i].OpenTime.Sub(expect) / interval)
		seg := models.GapSegment{
			Symbol:       g.config.Symbol,
			Interval:     g.config.Interval,
			FromTS:       expect,
			ToTS:         bars[i].OpenTime.Add(-interval),
			MissingCount: missing,
			State:        models.GapOpen,
		}
		if _, err := g.gaps.Upsert(ctx, seg); err != nil {
			return found, fmt.Errorf("failed to record gap: %w", err)
		}
		g.onGap()
		found++
		log.Warn().Time("from", seg.FromTS).Time("to", seg.ToTS).Int("missing", missing).
			Msg("Gap segment detected")
	}
	return found, nil
}

// RepairGaps fetches open segments from the venue and closes the ones
// fully filled. Segments the venue cannot serve stay open.
func (g *Ingestor) RepairGaps(ctx context.Context, limit int) (int, error) {
	interval := models.IntervalDuration(g.config.Interval)
	segs, err := g.gaps.ListOpen(ctx, g.config.Symbol, g.config.Interval, limit)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, seg := range segs {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		if err := g.gaps.SetState(ctx, seg.ID, models.GapRepairing); err != nil {
			return repaired, err
		}

		bars, err := g.rest.Klines(ctx, g.config.Symbol, g.config.Interval,
			seg.FromTS, seg.ToTS.Add(interval), exchange.MaxKlinesPerRequest)
		if err != nil {
			// Back to open; the next repair tick retries.
			if serr := g.gaps.SetState(ctx, seg.ID, models.GapOpen); serr != nil {
				log.Error().Err(serr).Int64("gap", seg.ID).Msg("Failed to reopen gap segment")
			}
			return repaired, fmt.Errorf("gap repair fetch failed: %w", err)
		}
		for _, bar := range bars {
			if err := g.persistClosed(ctx, bar); err != nil {
				return repaired, err
			}
		}

		count, err := g.bars.Count(ctx, g.config.Symbol, g.config.Interval,
			persistence.TimeRange{From: seg.FromTS, To: seg.ToTS.Add(interval)})
		if err != nil {
			return repaired, err
		}
		state := models.GapOpen
		if int(count) >= seg.MissingCount {
			state = models.GapClosed
			repaired++
		}
		if err := g.gaps.SetState(ctx, seg.ID, state); err != nil {
			return repaired, err
		}
		log.Info().Int64("gap", seg.ID).Str("state", string(state)).
			Int("fetched", len(bars)).Msg("Gap repair attempted")
	}
	return repaired, nil
}

// Tick is the scheduler body combining watchdog, scan and repair.
func (g *Ingestor) Tick(ctx context.Context) error {
	if err := g.Watchdog(ctx); err != nil {
		return err
	}
	if _, err := g.ScanGaps(ctx); err != nil {
		return err
	}
	_, err := g.RepairGaps(ctx, 5)
	return err
}
