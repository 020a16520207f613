package features

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

type fakeBarsRepo struct {
	bars []models.Bar
}

func (r *fakeBarsRepo) Upsert(ctx context.Context, bar models.Bar) (bool, error) {
	r.bars = append(r.bars, bar)
	return true, nil
}

func (r *fakeBarsRepo) ListRange(ctx context.Context, symbol, interval string, tr persistence.TimeRange, limit int) ([]models.Bar, error) {
	return r.bars, nil
}

func (r *fakeBarsRepo) ListLatest(ctx context.Context, symbol, interval string, n int) ([]models.Bar, error) {
	if len(r.bars) > n {
		return r.bars[len(r.bars)-n:], nil
	}
	return r.bars, nil
}

func (r *fakeBarsRepo) LatestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	if len(r.bars) == 0 {
		return time.Time{}, persistence.ErrNotFound
	}
	return r.bars[len(r.bars)-1].OpenTime, nil
}

func (r *fakeBarsRepo) EarliestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	if len(r.bars) == 0 {
		return time.Time{}, persistence.ErrNotFound
	}
	return r.bars[0].OpenTime, nil
}

func (r *fakeBarsRepo) Count(ctx context.Context, symbol, interval string, tr persistence.TimeRange) (int64, error) {
	return int64(len(r.bars)), nil
}

type fakeFeaturesRepo struct {
	inserted []models.FeatureSnapshot
}

func (r *fakeFeaturesRepo) Insert(ctx context.Context, snap models.FeatureSnapshot) error {
	r.inserted = append(r.inserted, snap)
	return nil
}

func (r *fakeFeaturesRepo) Latest(ctx context.Context, symbol, interval string) (*models.FeatureSnapshot, error) {
	if len(r.inserted) == 0 {
		return nil, persistence.ErrNotFound
	}
	s := r.inserted[len(r.inserted)-1]
	return &s, nil
}

func (r *fakeFeaturesRepo) Exists(ctx context.Context, symbol, interval string, closeTime time.Time, schemaVersion string) (bool, error) {
	for _, s := range r.inserted {
		if s.CloseTime.Equal(closeTime) {
			return true, nil
		}
	}
	return false, nil
}

func series(n int) []models.Bar {
	base := time.Now().UTC().Truncate(time.Minute).Add(-time.Duration(n) * time.Minute)
	bars := make([]models.Bar, n)
	for i := 0; i < n; i++ {
		c := 100 + float64(i%7)
		open := base.Add(time.Duration(i) * time.Minute)
		bars[i] = models.Bar{
			Symbol:    "BTCUSDT",
			Interval:  "1m",
			OpenTime:  open,
			CloseTime: models.ExpectedCloseTime(open, "1m"),
			Open:      c,
			High:      c + 0.5,
			Low:       c - 0.5,
			Close:     c,
			Volume:    10 + float64(i%3),
			IsClosed:  true,
		}
	}
	return bars
}

func TestComputeFullWindow(t *testing.T) {
	bars := series(60)
	f, ok := Compute(bars, len(bars)-1)
	if !ok {
		t.Fatal("full window must produce a snapshot")
	}
	for _, name := range FeatureNames {
		v, present := f[name]
		if !present {
			t.Errorf("feature %s missing", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("feature %s = %f, want finite", name, v)
		}
	}
	if len(f) != len(FeatureNames) {
		t.Errorf("feature count = %d, want %d", len(f), len(FeatureNames))
	}
}

func TestComputeShortWindow(t *testing.T) {
	bars := series(60)
	// SMA(50) cannot be computed at index 30.
	if _, ok := Compute(bars, 30); ok {
		t.Error("short history must be rejected")
	}
}

func TestComputeZeroClose(t *testing.T) {
	bars := series(60)
	bars[len(bars)-1].Close = 0
	if _, ok := Compute(bars, len(bars)-1); ok {
		t.Error("zero close must be rejected")
	}
}

func TestVectorOrdering(t *testing.T) {
	f := map[string]float64{}
	for i, name := range FeatureNames {
		f[name] = float64(i)
	}
	vec := Vector(f)
	for i, v := range vec {
		if v != float64(i) {
			t.Fatalf("vec[%d] = %f, want %d (schema order violated)", i, v, i)
		}
	}
}

func TestComputeLatestPersists(t *testing.T) {
	bars := &fakeBarsRepo{bars: series(60)}
	store := &fakeFeaturesRepo{}
	e := NewEngine(bars, store, "BTCUSDT", "1m")

	snap, err := e.ComputeLatest(context.Background())
	if err != nil {
		t.Fatalf("ComputeLatest failed: %v", err)
	}
	if snap.SchemaVersion != SchemaVersion {
		t.Errorf("schema = %s, want %s", snap.SchemaVersion, SchemaVersion)
	}
	if !snap.CloseTime.Equal(bars.bars[len(bars.bars)-1].CloseTime) {
		t.Error("snapshot must key on the newest close_time")
	}
	if len(store.inserted) != 1 {
		t.Errorf("persisted %d snapshots, want 1", len(store.inserted))
	}
}

func TestComputeLatestWarmup(t *testing.T) {
	e := NewEngine(&fakeBarsRepo{bars: series(WarmupBars - 1)}, &fakeFeaturesRepo{}, "BTCUSDT", "1m")
	if _, err := e.ComputeLatest(context.Background()); !errors.Is(err, ErrNoData) {
		t.Errorf("warmup must return ErrNoData, got %v", err)
	}
}

func TestBackfillSkipsExisting(t *testing.T) {
	bars := &fakeBarsRepo{bars: series(70)}
	store := &fakeFeaturesRepo{}
	e := NewEngine(bars, store, "BTCUSDT", "1m")

	written, err := e.Backfill(context.Background(), 10)
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if written != 10 {
		t.Fatalf("written = %d, want 10", written)
	}

	// Replay writes nothing new.
	written, err = e.Backfill(context.Background(), 10)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if written != 0 {
		t.Errorf("replay wrote %d snapshots, want 0", written)
	}
	if len(store.inserted) != 10 {
		t.Errorf("store holds %d snapshots, want 10", len(store.inserted))
	}
}
