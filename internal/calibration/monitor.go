// Package calibration computes live reliability metrics over realized
// inference rows and tracks calibration drift against the production model.
package calibration

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/ml"
	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
	"github.com/sawpanic/bottomrun/internal/registry"
	"github.com/sawpanic/bottomrun/internal/settings"
)

// ErrNoData is returned when the live window has no realized samples.
var ErrNoData = errors.New("calibration: no realized samples in window")

const eceEps = 1e-6

// Config are the monitor defaults, overridable via settings.
type Config struct {
	Symbol             string
	Interval           string
	Window             time.Duration
	Bins               int
	MinBinSamples      int
	MinSamples         int
	ECEDriftAbs        float64
	ECEDriftRel        float64
	AbsStreakTrigger   int
	RelStreakTrigger   int
	AbsDeltaMultiplier float64
	RecommendCooldown  time.Duration
}

// DefaultConfig returns the production monitor configuration.
func DefaultConfig(symbol, interval string) Config {
	return Config{
		Symbol:             symbol,
		Interval:           interval,
		Window:             time.Hour,
		Bins:               10,
		MinBinSamples:      5,
		MinSamples:         50,
		ECEDriftAbs:        0.05,
		ECEDriftRel:        0.5,
		AbsStreakTrigger:   3,
		RelStreakTrigger:   3,
		AbsDeltaMultiplier: 1.0,
		RecommendCooldown:  30 * time.Minute,
	}
}

// LiveResult is the /calibration/live payload.
type LiveResult struct {
	ECE             float64                 `json:"ece"`
	MCE             float64                 `json:"mce"`
	Brier           float64                 `json:"brier"`
	SampleCount     int                     `json:"sample_count"`
	ReliabilityBins []models.ReliabilityBin `json:"reliability_bins"`
}

// Status is the /monitor/calibration/status snapshot.
type Status struct {
	Enabled          bool                        `json:"enabled"`
	AbsStreak        int                         `json:"abs_streak"`
	RelStreak        int                         `json:"rel_streak"`
	LastSnapshot     *models.CalibrationSnapshot `json:"last_snapshot"`
	Thresholds       map[string]float64          `json:"thresholds"`
	RecommendRetrain bool                        `json:"recommend_retrain"`
	Reasons          []string                    `json:"reasons"`
	WindowSeconds    int                         `json:"window_seconds"`
	MinSamples       int                         `json:"min_samples"`
}

// Monitor owns the drift streak state machine. Streaks reset when the
// production artifact generation changes.
type Monitor struct {
	inference persistence.InferenceRepo
	reg       *registry.Registry
	settings  *settings.Store
	config    Config

	mu            sync.Mutex
	generation    int64
	absStreak     int
	relStreak     int
	recommend     bool
	reasons       []string
	lastRecommend time.Time
	lastSnapshot  *models.CalibrationSnapshot
}

// NewMonitor creates a calibration monitor.
func NewMonitor(inference persistence.InferenceRepo, reg *registry.Registry, st *settings.Store, config Config) *Monitor {
	return &Monitor{inference: inference, reg: reg, settings: st, config: config}
}

func (m *Monitor) effectiveConfig() Config {
	cfg := m.config
	if m.settings != nil {
		cfg.Window = m.settings.Seconds(settings.KeyCalibMonWindow, cfg.Window)
		cfg.MinSamples = m.settings.Int(settings.KeyCalibMonMinSamples, cfg.MinSamples)
		cfg.ECEDriftAbs = m.settings.Float(settings.KeyCalibMonECEAbs, cfg.ECEDriftAbs)
		cfg.ECEDriftRel = m.settings.Float(settings.KeyCalibMonECERel, cfg.ECEDriftRel)
		cfg.AbsStreakTrigger = m.settings.Int(settings.KeyCalibMonAbsStreak, cfg.AbsStreakTrigger)
		cfg.RelStreakTrigger = m.settings.Int(settings.KeyCalibMonRelStreak, cfg.RelStreakTrigger)
		cfg.AbsDeltaMultiplier = m.settings.Float(settings.KeyCalibMonAbsMultiplier, cfg.AbsDeltaMultiplier)
		cfg.RecommendCooldown = m.settings.Seconds(settings.KeyCalibMonRecCooldown, cfg.RecommendCooldown)
	}
	return cfg
}

// Live computes reliability metrics over the window. window and bins of
// zero take the configured defaults.
func (m *Monitor) Live(ctx context.Context, window time.Duration, bins int) (*LiveResult, error) {
	cfg := m.effectiveConfig()
	if window <= 0 {
		window = cfg.Window
		if m.settings != nil {
			window = m.settings.Seconds(settings.KeyCalibLiveWindow, window)
		}
	}
	if bins <= 0 {
		bins = m.settingsBins(cfg)
	}

	rows, err := m.inference.ListRealizedSince(ctx, cfg.Symbol, cfg.Interval, "bottom",
		time.Now().UTC().Add(-window))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}

	probs := make([]float64, len(rows))
	outcomes := make([]int, len(rows))
	for i, row := range rows {
		probs[i] = row.Probability
		outcomes[i] = *row.Realized
	}

	relBins, ece, mce := ml.Reliability(probs, outcomes, bins, cfg.MinBinSamples)
	if len(relBins) == 0 {
		return nil, ErrNoData
	}
	return &LiveResult{
		ECE:             ece,
		MCE:             mce,
		Brier:           ml.Brier(probs, outcomes),
		SampleCount:     len(rows),
		ReliabilityBins: relBins,
	}, nil
}

func (m *Monitor) settingsBins(cfg Config) int {
	bins := cfg.Bins
	if m.settings != nil {
		bins = m.settings.Int(settings.KeyCalibLiveBins, bins)
	}
	return bins
}

// Tick evaluates one drift sample against the production artifact. Called
// periodically by the scheduler.
func (m *Monitor) Tick(ctx context.Context) error {
	cfg := m.effectiveConfig()

	prod, err := m.reg.GetProduction(ctx, models.ModelFamilyBottom)
	if err != nil {
		if errors.Is(err, registry.ErrNoModel) {
			return nil // nothing to drift against
		}
		return err
	}

	live, err := m.Live(ctx, cfg.Window, m.settingsBins(cfg))
	if err != nil {
		if errors.Is(err, ErrNoData) {
			return nil // data absence does not advance streaks
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// New production generation resets the streak machine.
	if prod.ID != m.generation {
		m.generation = prod.ID
		m.absStreak, m.relStreak = 0, 0
		m.recommend = false
		m.reasons = nil
	}

	prodECE := prod.Metrics.ECE
	deltaECE := live.ECE - prodECE
	absDelta := math.Abs(deltaECE)
	relDelta := absDelta / math.Max(prodECE, eceEps)

	snap := &models.CalibrationSnapshot{
		TS:              time.Now().UTC(),
		LiveECE:         live.ECE,
		LiveMCE:         live.MCE,
		LiveBrier:       live.Brier,
		ProdECE:         prodECE,
		DeltaECE:        deltaECE,
		SampleCount:     live.SampleCount,
		ReliabilityBins: live.ReliabilityBins,
	}

	// Gray state: metrics reported, streaks frozen, no recommendation.
	if live.SampleCount < cfg.MinSamples {
		m.lastSnapshot = snap
		return nil
	}

	if absDelta >= cfg.ECEDriftAbs*cfg.AbsDeltaMultiplier {
		m.absStreak++
	} else {
		m.absStreak = 0
	}
	if relDelta >= cfg.ECEDriftRel {
		m.relStreak++
	} else {
		m.relStreak = 0
	}
	snap.AbsDrift = m.absStreak >= cfg.AbsStreakTrigger
	snap.RelDrift = m.relStreak >= cfg.RelStreakTrigger
	m.lastSnapshot = snap

	if snap.AbsDrift || snap.RelDrift {
		var reasons []string
		if snap.AbsDrift {
			reasons = append(reasons, "abs_drift")
		}
		if snap.RelDrift {
			reasons = append(reasons, "rel_drift")
		}
		if time.Since(m.lastRecommend) >= cfg.RecommendCooldown {
			m.recommend = true
			m.reasons = reasons
			m.lastRecommend = time.Now()
			log.Warn().
				Float64("live_ece", live.ECE).
				Float64("prod_ece", prodECE).
				Int("abs_streak", m.absStreak).
				Int("rel_streak", m.relStreak).
				Strs("reasons", reasons).
				Msg("Calibration drift detected, retrain recommended")
		}
	} else {
		m.recommend = false
		m.reasons = nil
	}
	return nil
}

// Observe feeds one externally computed live ECE sample into the streak
// machine against prodECE. Used by tests and backtests.
func (m *Monitor) Observe(liveECE, prodECE float64, sampleCount int) bool {
	cfg := m.effectiveConfig()
	m.mu.Lock()
	defer m.mu.Unlock()

	if sampleCount < cfg.MinSamples {
		return false
	}
	absDelta := math.Abs(liveECE - prodECE)
	if absDelta >= cfg.ECEDriftAbs*cfg.AbsDeltaMultiplier {
		m.absStreak++
	} else {
		m.absStreak = 0
	}
	if absDelta/math.Max(prodECE, eceEps) >= cfg.ECEDriftRel {
		m.relStreak++
	} else {
		m.relStreak = 0
	}
	trig := m.absStreak >= cfg.AbsStreakTrigger || m.relStreak >= cfg.RelStreakTrigger
	if trig && time.Since(m.lastRecommend) >= cfg.RecommendCooldown {
		m.recommend = true
		m.reasons = nil
		if m.absStreak >= cfg.AbsStreakTrigger {
			m.reasons = append(m.reasons, "abs_drift")
		}
		if m.relStreak >= cfg.RelStreakTrigger {
			m.reasons = append(m.reasons, "rel_drift")
		}
		m.lastRecommend = time.Now()
	}
	return m.recommend
}

// Status returns the read-only monitor snapshot.
func (m *Monitor) Status() Status {
	cfg := m.effectiveConfig()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Enabled:   true,
		AbsStreak: m.absStreak,
		RelStreak: m.relStreak,
		Thresholds: map[string]float64{
			"ece_abs":              cfg.ECEDriftAbs,
			"ece_rel":              cfg.ECEDriftRel,
			"abs_streak_trigger":   float64(cfg.AbsStreakTrigger),
			"rel_streak_trigger":   float64(cfg.RelStreakTrigger),
			"abs_delta_multiplier": cfg.AbsDeltaMultiplier,
		},
		LastSnapshot:     m.lastSnapshot,
		RecommendRetrain: m.recommend,
		Reasons:          append([]string(nil), m.reasons...),
		WindowSeconds:    int(cfg.Window.Seconds()),
		MinSamples:       cfg.MinSamples,
	}
}
