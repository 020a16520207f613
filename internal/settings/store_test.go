package settings

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

type fakeSettingsRepo struct {
	rows    map[string][]byte
	getErr  error
	putErr  error
	allErr  error
	getHits int
}

func newFakeSettingsRepo() *fakeSettingsRepo {
	return &fakeSettingsRepo{rows: make(map[string][]byte)}
}

func (r *fakeSettingsRepo) Put(ctx context.Context, key string, value []byte) error {
	if r.putErr != nil {
		return r.putErr
	}
	r.rows[key] = value
	return nil
}

func (r *fakeSettingsRepo) Get(ctx context.Context, key string) ([]byte, error) {
	r.getHits++
	if r.getErr != nil {
		return nil, r.getErr
	}
	v, ok := r.rows[key]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return v, nil
}

func (r *fakeSettingsRepo) All(ctx context.Context) ([]models.Setting, error) {
	if r.allErr != nil {
		return nil, r.allErr
	}
	var out []models.Setting
	for k, v := range r.rows {
		out = append(out, models.Setting{Key: k, Value: v})
	}
	return out, nil
}

func TestStoreLoadAndTypedGetters(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.rows[KeyInferenceThreshold] = []byte(`0.7`)
	repo.rows[KeyLabelerLookahead] = []byte(`45`)
	repo.rows[KeyLiveTradingEnabled] = []byte(`true`)
	repo.rows[KeyExitTrailMode] = []byte(`"atr"`)
	repo.rows[KeyLabelerInterval] = []byte(`90`)

	s := NewStore(repo)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := s.Float(KeyInferenceThreshold, 0.5); got != 0.7 {
		t.Errorf("Float = %f, want 0.7", got)
	}
	if got := s.Int(KeyLabelerLookahead, 30); got != 45 {
		t.Errorf("Int = %d, want 45", got)
	}
	if !s.Bool(KeyLiveTradingEnabled, false) {
		t.Error("Bool = false, want true")
	}
	if got := s.String(KeyExitTrailMode, "percent"); got != "atr" {
		t.Errorf("String = %s, want atr", got)
	}
	if got := s.Seconds(KeyLabelerInterval, time.Minute); got != 90*time.Second {
		t.Errorf("Seconds = %s, want 90s", got)
	}
}

func TestStoreDefaultsOnMissingOrMistyped(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.rows[KeyInferenceThreshold] = []byte(`"not a number"`)
	s := NewStore(repo)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := s.Float(KeyInferenceThreshold, 0.65); got != 0.65 {
		t.Errorf("mistyped value must fall back to default, got %f", got)
	}
	if got := s.Int("absent.key", 7); got != 7 {
		t.Errorf("absent key must fall back to default, got %d", got)
	}
	if got := s.Seconds("absent.key", 15*time.Second); got != 15*time.Second {
		t.Errorf("absent duration must fall back to default, got %s", got)
	}
}

func TestRefreshFallsBackToCacheOnError(t *testing.T) {
	repo := newFakeSettingsRepo()
	repo.rows[KeyInferenceThreshold] = []byte(`0.7`)
	s := NewStore(repo)
	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// A DB hiccup mid-tick keeps the last successful read.
	repo.getErr = errors.New("connection reset")
	raw, ok := s.Refresh(context.Background(), KeyInferenceThreshold)
	if !ok {
		t.Fatal("cached value must survive a failed refresh")
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || v != 0.7 {
		t.Errorf("cached value = %s, want 0.7", raw)
	}

	// Recovery picks up the new database value.
	repo.getErr = nil
	repo.rows[KeyInferenceThreshold] = []byte(`0.8`)
	raw, ok = s.Refresh(context.Background(), KeyInferenceThreshold)
	if !ok {
		t.Fatal("refresh after recovery must succeed")
	}
	if err := json.Unmarshal(raw, &v); err != nil || v != 0.8 {
		t.Errorf("refreshed value = %s, want 0.8", raw)
	}
}

func TestPutPersistsThenNotifies(t *testing.T) {
	repo := newFakeSettingsRepo()
	s := NewStore(repo)

	var applied []string
	s.Subscribe(KeyRiskMaxNotional, func(key string, value json.RawMessage) {
		applied = append(applied, string(value))
	})

	if err := s.Put(context.Background(), KeyRiskMaxNotional, 2500.0, true); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if string(repo.rows[KeyRiskMaxNotional]) != "2500" {
		t.Errorf("persisted %s, want 2500", repo.rows[KeyRiskMaxNotional])
	}
	if len(applied) != 1 {
		t.Fatalf("apply hook fired %d times, want 1", len(applied))
	}
	if got := s.Float(KeyRiskMaxNotional, 0); got != 2500 {
		t.Errorf("cache after Put = %f, want 2500", got)
	}

	// apply=false stages the value without firing hooks.
	if err := s.Put(context.Background(), KeyRiskMaxNotional, 3000.0, false); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("staged put must not fire hooks, fired %d", len(applied))
	}
}

func TestPutFailedPersistLeavesCacheUntouched(t *testing.T) {
	repo := newFakeSettingsRepo()
	s := NewStore(repo)
	repo.putErr = errors.New("disk full")

	if err := s.Put(context.Background(), KeyRiskMaxNotional, 2500.0, true); err == nil {
		t.Fatal("failed persist must surface")
	}
	if _, ok := s.Raw(KeyRiskMaxNotional); ok {
		t.Error("failed persist must not populate the cache")
	}
}
