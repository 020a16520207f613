package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/sawpanic/bottomrun/internal/exchange"
	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

type fakeBarsRepo struct {
	rows map[time.Time]models.Bar
}

func newFakeBarsRepo() *fakeBarsRepo {
	return &fakeBarsRepo{rows: make(map[time.Time]models.Bar)}
}

func (r *fakeBarsRepo) Upsert(ctx context.Context, bar models.Bar) (bool, error) {
	existing, ok := r.rows[bar.OpenTime]
	if ok && existing.SameContent(bar) {
		return false, nil
	}
	r.rows[bar.OpenTime] = bar
	return true, nil
}

func (r *fakeBarsRepo) ListRange(ctx context.Context, symbol, interval string, tr persistence.TimeRange, limit int) ([]models.Bar, error) {
	var out []models.Bar
	for _, b := range r.rows {
		if !b.OpenTime.Before(tr.From) && !b.OpenTime.After(tr.To) {
			out = append(out, b)
		}
	}
	// Ascending open_time, matching the SQL contract.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].OpenTime.Before(out[i].OpenTime) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeBarsRepo) ListLatest(ctx context.Context, symbol, interval string, n int) ([]models.Bar, error) {
	all, _ := r.ListRange(ctx, symbol, interval, persistence.TimeRange{
		From: time.Time{}, To: time.Now().Add(24 * time.Hour),
	}, 0)
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (r *fakeBarsRepo) LatestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	var latest time.Time
	for ot := range r.rows {
		if ot.After(latest) {
			latest = ot
		}
	}
	if latest.IsZero() {
		return time.Time{}, persistence.ErrNotFound
	}
	return latest, nil
}

func (r *fakeBarsRepo) EarliestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	var earliest time.Time
	for ot := range r.rows {
		if earliest.IsZero() || ot.Before(earliest) {
			earliest = ot
		}
	}
	if earliest.IsZero() {
		return time.Time{}, persistence.ErrNotFound
	}
	return earliest, nil
}

func (r *fakeBarsRepo) Count(ctx context.Context, symbol, interval string, tr persistence.TimeRange) (int64, error) {
	bars, _ := r.ListRange(ctx, symbol, interval, tr, 0)
	return int64(len(bars)), nil
}

type fakeGapsRepo struct {
	segments []models.GapSegment
}

func (r *fakeGapsRepo) Upsert(ctx context.Context, seg models.GapSegment) (int64, error) {
	for _, s := range r.segments {
		if s.FromTS.Equal(seg.FromTS) && s.ToTS.Equal(seg.ToTS) {
			return s.ID, nil
		}
	}
	seg.ID = int64(len(r.segments) + 1)
	r.segments = append(r.segments, seg)
	return seg.ID, nil
}

func (r *fakeGapsRepo) SetState(ctx context.Context, id int64, state models.GapState) error {
	for i := range r.segments {
		if r.segments[i].ID == id {
			r.segments[i].State = state
		}
	}
	return nil
}

func (r *fakeGapsRepo) ListOpen(ctx context.Context, symbol, interval string, limit int) ([]models.GapSegment, error) {
	var out []models.GapSegment
	for _, s := range r.segments {
		if s.State == models.GapOpen {
			out = append(out, s)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func closedBar(open time.Time, close float64) models.Bar {
	return models.Bar{
		Symbol:    "BTCUSDT",
		Interval:  "1m",
		OpenTime:  open,
		CloseTime: models.ExpectedCloseTime(open, "1m"),
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Volume:    10,
		IsClosed:  true,
	}
}

func TestHandleUpdateDedupeAndRepair(t *testing.T) {
	ctx := context.Background()
	bars := newFakeBarsRepo()
	ing := New(bars, &fakeGapsRepo{}, nil, nil, DefaultConfig("BTCUSDT", "1m"))

	var closes, dedupes int
	ing.OnClose(func(models.Bar) { closes++ })
	ing.OnDedupe(func() { dedupes++ })

	open := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	// First close event persists.
	ing.HandleUpdate(ctx, exchange.BarUpdate{Bar: closedBar(open, 1.00), Closed: true})
	// Replay with identical content is a no-op.
	ing.HandleUpdate(ctx, exchange.BarUpdate{Bar: closedBar(open, 1.00), Closed: true})
	// A repair with different content replaces the row in place.
	ing.HandleUpdate(ctx, exchange.BarUpdate{Bar: closedBar(open, 1.01), Closed: true})

	if len(bars.rows) != 1 {
		t.Fatalf("expected one row, got %d", len(bars.rows))
	}
	if got := bars.rows[open].Close; got != 1.01 {
		t.Errorf("repaired close = %f, want 1.01", got)
	}
	if closes != 2 {
		t.Errorf("close handlers fired %d times, want 2 (insert + repair)", closes)
	}
	if dedupes != 1 {
		t.Errorf("dedupe counter = %d, want 1", dedupes)
	}
}

func TestHandleUpdatePartialLifecycle(t *testing.T) {
	ctx := context.Background()
	bars := newFakeBarsRepo()
	ing := New(bars, &fakeGapsRepo{}, nil, nil, DefaultConfig("BTCUSDT", "1m"))

	open := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	partial := closedBar(open, 0.99)
	partial.IsClosed = false

	ing.HandleUpdate(ctx, exchange.BarUpdate{Bar: partial, Closed: false})
	if got, ok := ing.Partial(); !ok || got.Close != 0.99 {
		t.Fatal("partial bucket must hold the in-flight bar")
	}
	if len(bars.rows) != 0 {
		t.Error("partial updates must never reach the store")
	}

	ing.HandleUpdate(ctx, exchange.BarUpdate{Bar: closedBar(open, 1.00), Closed: true})
	if _, ok := ing.Partial(); ok {
		t.Error("close event must clear the partial bucket")
	}
	if len(bars.rows) != 1 {
		t.Errorf("closed bar must persist, rows = %d", len(bars.rows))
	}
}

type fakeCache struct {
	m    map[string][]byte
	sets int
}

func (c *fakeCache) Get(key string) ([]byte, bool) {
	b, ok := c.m[key]
	return b, ok
}

func (c *fakeCache) Set(key string, val []byte, ttl time.Duration) {
	if c.m == nil {
		c.m = make(map[string][]byte)
	}
	c.m[key] = val
	c.sets++
}

func TestHandleUpdateCoalescesPartialPublishes(t *testing.T) {
	ctx := context.Background()
	hot := &fakeCache{}
	ing := New(newFakeBarsRepo(), &fakeGapsRepo{}, nil, hot, DefaultConfig("BTCUSDT", "1m"))

	open := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	partial := closedBar(open, 0.99)
	partial.IsClosed = false

	// A burst of tick updates inside one publish window reaches the cache
	// once; the in-memory bucket still tracks every tick.
	for i := 0; i < 5; i++ {
		partial.Close = 0.99 + float64(i)*0.001
		ing.HandleUpdate(ctx, exchange.BarUpdate{Bar: partial, Closed: false})
	}
	if hot.sets != 1 {
		t.Fatalf("cache publishes = %d, want 1 within the window", hot.sets)
	}
	if got, ok := ing.Partial(); !ok || got.Close != partial.Close {
		t.Error("partial bucket must hold the newest tick")
	}

	// Once the window elapses the next tick publishes again.
	ing.mu.Lock()
	ing.lastPublish = time.Now().Add(-time.Second)
	ing.mu.Unlock()
	ing.HandleUpdate(ctx, exchange.BarUpdate{Bar: partial, Closed: false})
	if hot.sets != 2 {
		t.Errorf("cache publishes = %d, want 2 after the window", hot.sets)
	}
}

func TestScanGapsDetectsMissingRun(t *testing.T) {
	ctx := context.Background()
	bars := newFakeBarsRepo()
	gaps := &fakeGapsRepo{}
	ing := New(bars, gaps, nil, nil, DefaultConfig("BTCUSDT", "1m"))

	var gapHits int
	ing.OnGapFound(func() { gapHits++ })

	base := time.Now().UTC().Truncate(time.Minute).Add(-30 * time.Minute)
	for _, off := range []int{0, 1, 2, 6, 7} { // minutes 3..5 missing
		open := base.Add(time.Duration(off) * time.Minute)
		bars.rows[open] = closedBar(open, 100)
	}

	found, err := ing.ScanGaps(ctx)
	if err != nil {
		t.Fatalf("ScanGaps failed: %v", err)
	}
	if found != 1 || gapHits != 1 {
		t.Fatalf("found %d gaps (%d hits), want 1", found, gapHits)
	}

	seg := gaps.segments[0]
	if !seg.FromTS.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("gap from = %s, want %s", seg.FromTS, base.Add(3*time.Minute))
	}
	if !seg.ToTS.Equal(base.Add(5 * time.Minute)) {
		t.Errorf("gap to = %s, want %s", seg.ToTS, base.Add(5*time.Minute))
	}
	if seg.MissingCount != 3 {
		t.Errorf("missing count = %d, want 3", seg.MissingCount)
	}
	if seg.State != models.GapOpen {
		t.Errorf("state = %s, want open", seg.State)
	}

	// Rescanning the same window does not duplicate the segment.
	if _, err := ing.ScanGaps(ctx); err != nil {
		t.Fatalf("rescan failed: %v", err)
	}
	if len(gaps.segments) != 1 {
		t.Errorf("rescan duplicated the segment: %d rows", len(gaps.segments))
	}
}
