// Package inference runs the online prediction path: latest feature
// snapshot through the production model to a logged decision.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/features"
	"github.com/sawpanic/bottomrun/internal/ml"
	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/registry"
	"github.com/sawpanic/bottomrun/internal/settings"
)

// ErrNoModel is returned when neither a production nor a staging artifact
// exists for the family.
var ErrNoModel = errors.New("inference: no model available")

// Config are the engine defaults, overridable via settings.
type Config struct {
	Symbol    string
	Interval  string
	Threshold float64
	Loop      time.Duration
	Cooldown  time.Duration // candidate emission cooldown
}

// DefaultConfig returns the production engine configuration.
func DefaultConfig(symbol, interval string) Config {
	return Config{
		Symbol:    symbol,
		Interval:  interval,
		Threshold: 0.65,
		Loop:      15 * time.Second,
		Cooldown:  5 * time.Minute,
	}
}

// Prediction is one inference result.
type Prediction struct {
	Symbol           string    `json:"symbol"`
	Interval         string    `json:"interval"`
	FeatureCloseTime time.Time `json:"feature_close_time"`
	Probability      float64   `json:"probability"`
	Threshold        float64   `json:"threshold"`
	Decision         int       `json:"decision"`
	ModelID          int64     `json:"model_id"`
	ModelVersion     int       `json:"model_version"`
	UsedProduction   bool      `json:"used_production"`
}

// Engine resolves the serving model and produces predictions. The decoded
// model is cached and invalidated when the production pointer moves to a
// different artifact id.
type Engine struct {
	features *features.Engine
	reg      *registry.Registry
	settings *settings.Store
	queue    *LogQueue
	config   Config

	mu           sync.Mutex
	cachedID     int64
	cachedProd   bool
	cached       ml.Predictor
	cachedMeta   *models.ModelArtifact
	lastCandidate time.Time

	onCandidate func(Prediction)
	onEmit      func()
}

// NewEngine creates an inference engine.
func NewEngine(fe *features.Engine, reg *registry.Registry, st *settings.Store, queue *LogQueue, config Config) *Engine {
	return &Engine{
		features:    fe,
		reg:         reg,
		settings:    st,
		queue:       queue,
		config:      config,
		onCandidate: func(Prediction) {},
		onEmit:      func() {},
	}
}

// OnEmit registers a counter callback fired per logged prediction.
func (e *Engine) OnEmit(fn func()) {
	if fn != nil {
		e.onEmit = fn
	}
}

// OnCandidate registers the consumer of long-entry candidates. Candidates
// are emitted at most once per cooldown window.
func (e *Engine) OnCandidate(fn func(Prediction)) {
	if fn != nil {
		e.onCandidate = fn
	}
}

// resolveModel returns the serving predictor. Production wins; staging
// serves only when no production pointer exists.
func (e *Engine) resolveModel(ctx context.Context) (ml.Predictor, *models.ModelArtifact, bool, error) {
	artifact, err := e.reg.GetProduction(ctx, models.ModelFamilyBottom)
	usedProd := true
	if err != nil {
		if !errors.Is(err, registry.ErrNoModel) {
			return nil, nil, false, err
		}
		usedProd = false
		artifact, err = e.reg.GetLatest(ctx, models.ModelFamilyBottom)
		if err != nil {
			if errors.Is(err, registry.ErrNoModel) {
				return nil, nil, false, ErrNoModel
			}
			return nil, nil, false, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cached != nil && e.cachedID == artifact.ID && e.cachedProd == usedProd {
		return e.cached, e.cachedMeta, usedProd, nil
	}

	pred, err := ml.DecodeModel(artifact.Blob)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to decode model %d: %w", artifact.ID, err)
	}
	e.cached = pred
	e.cachedID = artifact.ID
	e.cachedProd = usedProd
	e.cachedMeta = artifact
	log.Info().Int64("model_id", artifact.ID).Int("version", artifact.Version).
		Bool("production", usedProd).Msg("Serving model loaded")
	return pred, artifact, usedProd, nil
}

// selectModel applies explicit selection for on-demand requests. Pinned
// artifacts bypass the cache; they are one-off reads.
func (e *Engine) selectModel(ctx context.Context, use string, version int) (ml.Predictor, *models.ModelArtifact, bool, error) {
	if use == "" && version <= 0 {
		return e.resolveModel(ctx)
	}

	var artifact *models.ModelArtifact
	var err error
	switch {
	case version > 0:
		recent, lerr := e.reg.ListRecent(ctx, models.ModelFamilyBottom, 200)
		if lerr != nil {
			return nil, nil, false, lerr
		}
		for i := range recent {
			if recent[i].Version == version {
				artifact = &recent[i]
				break
			}
		}
		if artifact == nil {
			return nil, nil, false, ErrNoModel
		}
	default: // use == "latest"
		artifact, err = e.reg.GetLatest(ctx, models.ModelFamilyBottom)
		if err != nil {
			if errors.Is(err, registry.ErrNoModel) {
				return nil, nil, false, ErrNoModel
			}
			return nil, nil, false, err
		}
	}

	pred, err := ml.DecodeModel(artifact.Blob)
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to decode model %d: %w", artifact.ID, err)
	}
	return pred, artifact, artifact.Status == models.ModelProduction, nil
}

// threshold re-reads the decision threshold each call so operator changes
// take effect without restart. A failed read keeps the last cached value.
func (e *Engine) threshold(ctx context.Context) float64 {
	th := e.config.Threshold
	if e.settings == nil {
		return th
	}
	raw, ok := e.settings.Refresh(ctx, settings.KeyInferenceThreshold)
	if !ok {
		return th
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || v < 0 || v > 1 {
		return th
	}
	return v
}

// Predict computes one prediction from the latest closed bar, logging the
// emission. The boundary is inclusive: probability equal to the threshold
// decides long.
func (e *Engine) Predict(ctx context.Context) (*Prediction, error) {
	return e.PredictVariant(ctx, "", 0)
}

// PredictVariant predicts with explicit model selection: use "latest"
// forces the newest artifact, version > 0 pins a specific version, and the
// defaults prefer production.
func (e *Engine) PredictVariant(ctx context.Context, use string, version int) (*Prediction, error) {
	snap, err := e.features.ComputeLatest(ctx)
	if err != nil {
		return nil, err
	}

	pred, artifact, usedProd, err := e.selectModel(ctx, use, version)
	if err != nil {
		return nil, err
	}

	prob, err := pred.Predict(snap.Features)
	if err != nil {
		return nil, fmt.Errorf("prediction failed: %w", err)
	}

	th := e.threshold(ctx)
	decision := models.DecisionHold
	if prob >= th {
		decision = models.DecisionLong
	}

	p := &Prediction{
		Symbol:           e.config.Symbol,
		Interval:         e.config.Interval,
		FeatureCloseTime: snap.CloseTime,
		Probability:      prob,
		Threshold:        th,
		Decision:         decision,
		ModelID:          artifact.ID,
		ModelVersion:     artifact.Version,
		UsedProduction:   usedProd,
	}

	if e.queue != nil {
		e.queue.Enqueue(models.InferenceLog{
			CreatedAt:        time.Now().UTC(),
			Symbol:           p.Symbol,
			Interval:         p.Interval,
			FeatureCloseTime: p.FeatureCloseTime,
			Probability:      p.Probability,
			Threshold:        p.Threshold,
			Decision:         p.Decision,
			ModelID:          p.ModelID,
			ModelVersion:     p.ModelVersion,
			UsedProduction:   p.UsedProduction,
			Target:           "bottom",
		})
		e.onEmit()
	}
	return p, nil
}

// Tick is the automatic loop body. Long decisions become candidates for the
// trading controller, rate limited by the cooldown.
func (e *Engine) Tick(ctx context.Context) error {
	p, err := e.Predict(ctx)
	if err != nil {
		if errors.Is(err, features.ErrNoData) || errors.Is(err, ErrNoModel) {
			return nil // warmup states, not errors
		}
		return err
	}
	if p.Decision != models.DecisionLong {
		return nil
	}

	cooldown := e.config.Cooldown
	if e.settings != nil {
		cooldown = e.settings.Seconds(settings.KeyLiveTradingCooldown, cooldown)
	}

	e.mu.Lock()
	ready := time.Since(e.lastCandidate) >= cooldown
	if ready {
		e.lastCandidate = time.Now()
	}
	e.mu.Unlock()

	if ready {
		log.Info().Float64("probability", p.Probability).Float64("threshold", p.Threshold).
			Int64("model_id", p.ModelID).Msg("Bottom candidate emitted")
		e.onCandidate(*p)
	}
	return nil
}

// LoopInterval returns the effective tick period.
func (e *Engine) LoopInterval() time.Duration {
	d := e.config.Loop
	if e.settings != nil {
		d = e.settings.Seconds(settings.KeyInferenceLoopInterval, d)
	}
	return d
}
