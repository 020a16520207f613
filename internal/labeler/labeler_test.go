package labeler

import (
	"context"
	"testing"
	"time"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
	"github.com/sawpanic/bottomrun/internal/settings"
)

type fakeTx struct {
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit() error   { t.committed = true; return nil }
func (t *fakeTx) Rollback() error { t.rolledBack = true; return nil }

type fakeInferenceRepo struct {
	rows   []models.InferenceLog
	lastTx *fakeTx
}

func (r *fakeInferenceRepo) InsertBatch(ctx context.Context, rows []models.InferenceLog) error {
	r.rows = append(r.rows, rows...)
	return nil
}

func (r *fakeInferenceRepo) ClaimUnrealized(ctx context.Context, tx persistence.Tx, symbol, interval, target string, cutoff time.Time, limit int) ([]models.InferenceLog, error) {
	var out []models.InferenceLog
	for _, row := range r.rows {
		if row.Realized == nil && row.Target == target && !row.CreatedAt.After(cutoff) {
			out = append(out, row)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeInferenceRepo) MarkRealized(ctx context.Context, tx persistence.Tx, id int64, realized int, at time.Time) (bool, error) {
	for i := range r.rows {
		if r.rows[i].ID == id && r.rows[i].Realized == nil {
			v, ts := realized, at
			r.rows[i].Realized = &v
			r.rows[i].RealizedAt = &ts
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeInferenceRepo) ListRealizedSince(ctx context.Context, symbol, interval, target string, since time.Time) ([]models.InferenceLog, error) {
	var out []models.InferenceLog
	for _, row := range r.rows {
		if row.Realized != nil && row.RealizedAt.After(since) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *fakeInferenceRepo) CountPending(ctx context.Context, symbol, interval, target string, cutoff time.Time) (int64, error) {
	var n int64
	for _, row := range r.rows {
		if row.Realized == nil && !row.CreatedAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

func (r *fakeInferenceRepo) Begin(ctx context.Context) (persistence.Tx, error) {
	r.lastTx = &fakeTx{}
	return r.lastTx, nil
}

type fakeBarsRepo struct {
	bars []models.Bar
}

func (r *fakeBarsRepo) Upsert(ctx context.Context, bar models.Bar) (bool, error) {
	r.bars = append(r.bars, bar)
	return true, nil
}

func (r *fakeBarsRepo) ListRange(ctx context.Context, symbol, interval string, tr persistence.TimeRange, limit int) ([]models.Bar, error) {
	var out []models.Bar
	for _, b := range r.bars {
		if !b.OpenTime.Before(tr.From) && !b.OpenTime.After(tr.To) {
			out = append(out, b)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
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
	bars, _ := r.ListRange(ctx, symbol, interval, tr, 0)
	return int64(len(bars)), nil
}

func seedBars(base time.Time, closes []float64) *fakeBarsRepo {
	repo := &fakeBarsRepo{}
	for i, c := range closes {
		open := base.Add(time.Duration(i) * time.Minute)
		repo.bars = append(repo.bars, models.Bar{
			Symbol:    "BTCUSDT",
			Interval:  "1m",
			OpenTime:  open,
			CloseTime: models.ExpectedCloseTime(open, "1m"),
			Open:      c, High: c, Low: c, Close: c,
			Volume:   10,
			IsClosed: true,
		})
	}
	return repo
}

func unrealizedRow(id int64, featureClose, created time.Time) models.InferenceLog {
	return models.InferenceLog{
		ID:               id,
		CreatedAt:        created,
		Symbol:           "BTCUSDT",
		Interval:         "1m",
		FeatureCloseTime: featureClose,
		Probability:      0.8,
		Threshold:        0.65,
		Decision:         1,
		Target:           TargetBottom,
	}
}

func TestRunOnceResolvesBottomEvent(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute).Add(-30 * time.Minute)

	// Anchor bar at 100, then a 2% dip that rebounds past 1%.
	bars := seedBars(base, []float64{100, 99.5, 99.0, 98.5, 98.0, 98.6, 99.2})
	inf := &fakeInferenceRepo{}
	anchorClose := models.ExpectedCloseTime(base, "1m")
	inf.rows = append(inf.rows, unrealizedRow(1, anchorClose, anchorClose))

	var labeled int
	l := New(inf, bars, nil, DefaultConfig("BTCUSDT", "1m"))
	l.OnLabeled(func() { labeled++ })

	params := models.LabelParams{Lookahead: 6, Drawdown: 0.01, Rebound: 0.01}
	res, err := l.RunOnce(ctx, 0, 10, &params)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Labeled != 1 || res.Pending != 0 {
		t.Fatalf("result = %+v, want one labeled row", res)
	}
	if labeled != 1 {
		t.Errorf("labeled callback fired %d times, want 1", labeled)
	}
	if inf.rows[0].Realized == nil || *inf.rows[0].Realized != 1 {
		t.Errorf("realized = %v, want 1", inf.rows[0].Realized)
	}
	if !inf.lastTx.committed {
		t.Error("labeling pass must commit")
	}
}

func TestRunOnceNegativeOutcome(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute).Add(-30 * time.Minute)

	// Dips past 2% but never rebounds 1% off the low.
	bars := seedBars(base, []float64{100, 99, 98, 97, 96, 96.1, 96.2})
	inf := &fakeInferenceRepo{}
	anchorClose := models.ExpectedCloseTime(base, "1m")
	inf.rows = append(inf.rows, unrealizedRow(1, anchorClose, anchorClose))

	l := New(inf, bars, nil, DefaultConfig("BTCUSDT", "1m"))
	params := models.LabelParams{Lookahead: 6, Drawdown: 0.01, Rebound: 0.01}
	if _, err := l.RunOnce(ctx, 0, 10, &params); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if inf.rows[0].Realized == nil || *inf.rows[0].Realized != 0 {
		t.Errorf("realized = %v, want 0", inf.rows[0].Realized)
	}
}

func TestRunOnceIncompleteWindowStaysPending(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute).Add(-30 * time.Minute)

	// Only 3 bars after the anchor; the rule needs 6.
	bars := seedBars(base, []float64{100, 99.5, 99.0, 98.5})
	inf := &fakeInferenceRepo{}
	anchorClose := models.ExpectedCloseTime(base, "1m")
	inf.rows = append(inf.rows, unrealizedRow(1, anchorClose, anchorClose))

	var pending int
	l := New(inf, bars, nil, DefaultConfig("BTCUSDT", "1m"))
	l.OnPending(func() { pending++ })

	params := models.LabelParams{Lookahead: 6, Drawdown: 0.01, Rebound: 0.01}
	res, err := l.RunOnce(ctx, 0, 10, &params)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Labeled != 0 || res.Pending != 1 {
		t.Fatalf("result = %+v, want one pending row", res)
	}
	if pending != 1 {
		t.Errorf("pending callback fired %d times, want 1", pending)
	}
	if inf.rows[0].Realized != nil {
		t.Error("incomplete window must leave realized null")
	}
}

func TestRunOnceSkipsYoungRows(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute)

	bars := seedBars(base, []float64{100})
	inf := &fakeInferenceRepo{}
	// Created just now: the lookahead horizon keeps it out of the claim.
	inf.rows = append(inf.rows, unrealizedRow(1, models.ExpectedCloseTime(base, "1m"), time.Now().UTC()))

	l := New(inf, bars, nil, DefaultConfig("BTCUSDT", "1m"))
	params := models.LabelParams{Lookahead: 6, Drawdown: 0.01, Rebound: 0.01}
	res, err := l.RunOnce(ctx, 0, 10, &params)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Labeled != 0 || res.Pending != 0 {
		t.Errorf("young rows must not be claimed, got %+v", res)
	}
}

type memSettingsRepo struct{ m map[string][]byte }

func (r *memSettingsRepo) Put(ctx context.Context, key string, value []byte) error {
	r.m[key] = value
	return nil
}

func (r *memSettingsRepo) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := r.m[key]; ok {
		return v, nil
	}
	return nil, persistence.ErrNotFound
}

func (r *memSettingsRepo) All(ctx context.Context) ([]models.Setting, error) { return nil, nil }

func settingsWith(t *testing.T, kv map[string]interface{}) *settings.Store {
	t.Helper()
	st := settings.NewStore(&memSettingsRepo{m: make(map[string][]byte)})
	for k, v := range kv {
		if err := st.Put(context.Background(), k, v, false); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	return st
}

func TestRunEagerSettingsDefaults(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute).Add(-2 * time.Hour)

	inf := &fakeInferenceRepo{}
	anchorClose := models.ExpectedCloseTime(base, "1m")
	for i := int64(1); i <= 3; i++ {
		inf.rows = append(inf.rows, unrealizedRow(i, anchorClose.Add(time.Duration(i)*time.Minute), anchorClose))
	}

	st := settingsWith(t, map[string]interface{}{
		settings.KeyCalibEagerEnabled: true,
		settings.KeyCalibEagerLimit:   2,
	})
	l := New(inf, &fakeBarsRepo{}, st, DefaultConfig("BTCUSDT", "1m"))

	if !l.EagerDefault() {
		t.Error("the eager setting must switch the endpoint default on")
	}

	// A zero caller limit takes the configured eager limit of 2; without
	// bars both claimed rows stay pending, the third is never claimed.
	res, err := l.RunEager(ctx, 0, 0)
	if err != nil {
		t.Fatalf("RunEager failed: %v", err)
	}
	if got := res.Labeled + res.Pending; got != 2 {
		t.Errorf("claimed %d rows, want 2", got)
	}
}

func TestEagerDefaultOffWithoutSettings(t *testing.T) {
	l := New(&fakeInferenceRepo{}, &fakeBarsRepo{}, nil, DefaultConfig("BTCUSDT", "1m"))
	if l.EagerDefault() {
		t.Error("eager labeling must default off")
	}
}

func TestPendingCount(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Minute).Add(-2 * time.Hour)

	inf := &fakeInferenceRepo{}
	anchorClose := models.ExpectedCloseTime(base, "1m")
	inf.rows = append(inf.rows,
		unrealizedRow(1, anchorClose, anchorClose),
		unrealizedRow(2, anchorClose.Add(time.Minute), anchorClose.Add(time.Minute)))

	l := New(inf, &fakeBarsRepo{}, nil, DefaultConfig("BTCUSDT", "1m"))
	n, err := l.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}
}
