package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sawpanic/bottomrun/internal/features"
	"github.com/sawpanic/bottomrun/internal/ml"
	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
	"github.com/sawpanic/bottomrun/internal/registry"
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

type fakeModelsRepo struct {
	artifacts map[int64]models.ModelArtifact
	nextID    int64
}

func newFakeModelsRepo() *fakeModelsRepo {
	return &fakeModelsRepo{artifacts: make(map[int64]models.ModelArtifact)}
}

func (r *fakeModelsRepo) Insert(ctx context.Context, a models.ModelArtifact) (int64, error) {
	r.nextID++
	a.ID = r.nextID
	r.artifacts[a.ID] = a
	return a.ID, nil
}

func (r *fakeModelsRepo) Get(ctx context.Context, id int64) (*models.ModelArtifact, error) {
	a, ok := r.artifacts[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &a, nil
}

func (r *fakeModelsRepo) Production(ctx context.Context, family string) (*models.ModelArtifact, error) {
	for _, a := range r.artifacts {
		if a.Family == family && a.Status == models.ModelProduction {
			out := a
			return &out, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (r *fakeModelsRepo) Latest(ctx context.Context, family string) (*models.ModelArtifact, error) {
	var best *models.ModelArtifact
	for id := range r.artifacts {
		a := r.artifacts[id]
		if a.Family == family && (best == nil || a.Version > best.Version) {
			best = &a
		}
	}
	if best == nil {
		return nil, persistence.ErrNotFound
	}
	return best, nil
}

func (r *fakeModelsRepo) ListRecent(ctx context.Context, family string, limit int) ([]models.ModelArtifact, error) {
	var out []models.ModelArtifact
	for _, a := range r.artifacts {
		if a.Family == family {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *fakeModelsRepo) SwapProduction(ctx context.Context, family string, id int64) (*int64, error) {
	var prev *int64
	for aid, a := range r.artifacts {
		if a.Family == family && a.Status == models.ModelProduction {
			p := aid
			prev = &p
			a.Status = models.ModelRetired
			r.artifacts[aid] = a
		}
	}
	a := r.artifacts[id]
	a.Status = models.ModelProduction
	r.artifacts[id] = a
	return prev, nil
}

func (r *fakeModelsRepo) RepairProduction(ctx context.Context, family string) (int, error) {
	return 0, nil
}

// warmBars builds enough varied history for every feature to come out finite.
func warmBars(n int) *fakeBarsRepo {
	repo := &fakeBarsRepo{}
	base := time.Now().UTC().Truncate(time.Minute).Add(-time.Duration(n) * time.Minute)
	for i := 0; i < n; i++ {
		c := 100 + float64(i%5)
		open := base.Add(time.Duration(i) * time.Minute)
		repo.bars = append(repo.bars, models.Bar{
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
		})
	}
	return repo
}

// flatModel encodes a stumpless ensemble whose output is exactly 0.5.
func flatModel(t *testing.T) []byte {
	t.Helper()
	m := &ml.BoostedModel{
		ModelVariant: ml.VariantXGBLike,
		BaseScore:    0,
		LearningRate: 0.1,
		Features:     features.FeatureNames,
	}
	blob, err := m.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	return blob
}

func newTestEngine(t *testing.T, bars *fakeBarsRepo, modelsRepo persistence.ModelsRepo, threshold float64) *Engine {
	t.Helper()
	fe := features.NewEngine(bars, &fakeFeaturesRepo{}, "BTCUSDT", "1m")
	cfg := DefaultConfig("BTCUSDT", "1m")
	cfg.Threshold = threshold
	return NewEngine(fe, registry.New(modelsRepo), nil, nil, cfg)
}

func TestPredictInclusiveBoundary(t *testing.T) {
	repo := newFakeModelsRepo()
	id, _ := repo.Insert(context.Background(), models.ModelArtifact{
		Family:  models.ModelFamilyBottom,
		Version: 1,
		Status:  models.ModelStaging,
		Blob:    flatModel(t),
	})
	if _, err := repo.SwapProduction(context.Background(), models.ModelFamilyBottom, id); err != nil {
		t.Fatal(err)
	}

	// The flat model emits exactly the threshold probability.
	e := newTestEngine(t, warmBars(60), repo, 0.5)
	p, err := e.Predict(context.Background())
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if p.Probability != 0.5 {
		t.Fatalf("probability = %f, want 0.5", p.Probability)
	}
	if p.Decision != models.DecisionLong {
		t.Errorf("probability equal to threshold must decide long, got %d", p.Decision)
	}
	if !p.UsedProduction {
		t.Error("production artifact must be marked as used")
	}

	// Just above the boundary the decision flips to hold.
	e = newTestEngine(t, warmBars(60), repo, 0.51)
	p, err = e.Predict(context.Background())
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if p.Decision != models.DecisionHold {
		t.Errorf("probability below threshold must hold, got %d", p.Decision)
	}
}

func TestPredictStagingFallback(t *testing.T) {
	repo := newFakeModelsRepo()
	repo.Insert(context.Background(), models.ModelArtifact{
		Family:  models.ModelFamilyBottom,
		Version: 1,
		Status:  models.ModelStaging,
		Blob:    flatModel(t),
	})

	e := newTestEngine(t, warmBars(60), repo, 0.5)
	p, err := e.Predict(context.Background())
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if p.UsedProduction {
		t.Error("staging fallback must not claim production")
	}
}

func TestPredictNoModel(t *testing.T) {
	e := newTestEngine(t, warmBars(60), newFakeModelsRepo(), 0.5)
	if _, err := e.Predict(context.Background()); !errors.Is(err, ErrNoModel) {
		t.Errorf("empty registry must return ErrNoModel, got %v", err)
	}
}

func TestPredictWarmup(t *testing.T) {
	e := newTestEngine(t, warmBars(20), newFakeModelsRepo(), 0.5)
	if _, err := e.Predict(context.Background()); !errors.Is(err, features.ErrNoData) {
		t.Errorf("short history must return ErrNoData, got %v", err)
	}
	// Tick swallows warmup states.
	if err := e.Tick(context.Background()); err != nil {
		t.Errorf("Tick must treat warmup as a non-error, got %v", err)
	}
}

func TestTickEmitsCandidateWithCooldown(t *testing.T) {
	repo := newFakeModelsRepo()
	id, _ := repo.Insert(context.Background(), models.ModelArtifact{
		Family:  models.ModelFamilyBottom,
		Version: 1,
		Status:  models.ModelStaging,
		Blob:    flatModel(t),
	})
	repo.SwapProduction(context.Background(), models.ModelFamilyBottom, id)

	e := newTestEngine(t, warmBars(60), repo, 0.5)
	var candidates int
	e.OnCandidate(func(Prediction) { candidates++ })

	for i := 0; i < 3; i++ {
		if err := e.Tick(context.Background()); err != nil {
			t.Fatalf("Tick failed: %v", err)
		}
	}
	if candidates != 1 {
		t.Errorf("cooldown must cap emissions at one, got %d", candidates)
	}
}
