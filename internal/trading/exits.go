package trading

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sawpanic/bottomrun/internal/settings"
)

// ExitReason identifies the rule that closed or reduced a position.
// Precedence runs top to bottom; the first triggered rule wins.
type ExitReason int

const (
	NoExit ExitReason = iota
	HardStop
	TimeStop
	TrailingStop
	PartialTarget
)

func (r ExitReason) String() string {
	switch r {
	case NoExit:
		return "no_exit"
	case HardStop:
		return "hard_stop"
	case TimeStop:
		return "time_stop"
	case TrailingStop:
		return "trailing_stop"
	case PartialTarget:
		return "partial_target"
	default:
		return "unknown"
	}
}

// Trailing stop modes.
const (
	TrailModePercent = "percent"
	TrailModeATR     = "atr"
)

// PartialLevel scales out Fraction of the remaining size once unrealized
// profit reaches TargetR multiples of the initial stop distance.
type PartialLevel struct {
	TargetR  float64 `json:"target_r"`
	Fraction float64 `json:"fraction"`
}

// ExitConfig are the exit-policy defaults, overridable via settings.
type ExitConfig struct {
	HardStopATRMult float64
	TrailMode       string
	TrailPercent    float64 // percent mode: distance from high water mark
	TrailATRMult    float64 // atr mode: multiple of entry ATR
	TimeStopBars    int
	PartialEnabled  bool
	PartialLevels   []PartialLevel
	CooldownBars    int
	DailyLossCapR   float64 // session stop after losing this many R
	FreezeOnExit    bool    // skip new entries on the exit bar
}

// DefaultExitConfig returns the production exit policy.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		HardStopATRMult: 2.0,
		TrailMode:       TrailModePercent,
		TrailPercent:    0.8,
		TrailATRMult:    1.5,
		TimeStopBars:    240,
		PartialEnabled:  true,
		PartialLevels: []PartialLevel{
			{TargetR: 1.0, Fraction: 0.5},
			{TargetR: 2.0, Fraction: 0.5},
		},
		CooldownBars:  5,
		DailyLossCapR: 3.0,
		FreezeOnExit:  true,
	}
}

// PositionState is the controller's in-memory view of the open long.
type PositionState struct {
	EntryPrice    float64
	EntryTime     time.Time
	EntryATR      float64
	CurrentATR    float64 // refreshed on every bar close
	TrailStop     float64 // highest trailing stop seen so far
	Size          float64
	HighWaterMark float64
	BarsHeld      int
	PartialsTaken int
}

// ExitAction is the policy verdict for one bar close.
type ExitAction struct {
	Reason    ExitReason
	Fraction  float64 // of remaining size; 1.0 closes
	Triggered string  // human-readable trigger detail
}

// ExitPolicy evaluates exit rules against the open position. Pure logic;
// the controller applies the verdict through the broker.
type ExitPolicy struct {
	settings *settings.Store
	config   ExitConfig
}

// NewExitPolicy creates an exit policy.
func NewExitPolicy(st *settings.Store, config ExitConfig) *ExitPolicy {
	return &ExitPolicy{settings: st, config: config}
}

func (p *ExitPolicy) effectiveConfig() ExitConfig {
	cfg := p.config
	if p.settings == nil {
		return cfg
	}
	if !p.settings.Bool(settings.KeyExitEnableNewPolicy, true) {
		// Legacy behavior: percent trailing take-profit only.
		cfg.TimeStopBars = 0
		cfg.PartialEnabled = false
		cfg.DailyLossCapR = 0
		cfg.TrailMode = TrailModePercent
		cfg.TrailPercent = p.settings.Float(settings.KeyLiveTradingTrailTPPct, cfg.TrailPercent)
	}
	cfg.TrailMode = p.settings.String(settings.KeyExitTrailMode, cfg.TrailMode)
	cfg.TrailPercent = p.settings.Float(settings.KeyExitTrailPercent, cfg.TrailPercent)
	cfg.TrailATRMult = p.settings.Float(settings.KeyExitTrailMultiplier, cfg.TrailATRMult)
	cfg.TimeStopBars = p.settings.Int(settings.KeyExitTimeStopBars, cfg.TimeStopBars)
	cfg.PartialEnabled = p.settings.Bool(settings.KeyExitPartialEnabled, cfg.PartialEnabled)
	if raw, ok := p.settings.Raw(settings.KeyExitPartialLevels); ok {
		var levels []PartialLevel
		if err := json.Unmarshal(raw, &levels); err == nil && len(levels) > 0 {
			cfg.PartialLevels = levels
		}
	}
	cfg.CooldownBars = p.settings.Int(settings.KeyExitCooldownBars, cfg.CooldownBars)
	cfg.DailyLossCapR = p.settings.Float(settings.KeyExitDailyLossCapR, cfg.DailyLossCapR)
	cfg.FreezeOnExit = p.settings.Bool(settings.KeyExitFreezeOnExit, cfg.FreezeOnExit)
	return cfg
}

// Config returns the effective policy configuration.
func (p *ExitPolicy) Config() ExitConfig { return p.effectiveConfig() }

// hardStopPrice derives the absolute stop from entry ATR. Zero disables.
func hardStopPrice(state PositionState, cfg ExitConfig) float64 {
	if cfg.HardStopATRMult <= 0 || state.EntryATR <= 0 {
		return 0
	}
	return state.EntryPrice - cfg.HardStopATRMult*state.EntryATR
}

// trailStopPrice derives the trailing stop from the high water mark.
// Trailing arms only once the position shows a profit to protect. ATR mode
// tracks the current Wilder ATR; the stop only ever ratchets upward, so a
// widening ATR never lowers a level already reached.
func trailStopPrice(state PositionState, cfg ExitConfig) float64 {
	var stop float64
	if state.HighWaterMark > state.EntryPrice {
		switch cfg.TrailMode {
		case TrailModeATR:
			atr := state.CurrentATR
			if atr <= 0 {
				atr = state.EntryATR
			}
			if atr > 0 && cfg.TrailATRMult > 0 {
				stop = state.HighWaterMark - cfg.TrailATRMult*atr
			}
		default:
			if cfg.TrailPercent > 0 {
				stop = state.HighWaterMark * (1.0 - cfg.TrailPercent/100.0)
			}
		}
	}
	if state.TrailStop > stop {
		stop = state.TrailStop
	}
	return stop
}

// TrailLevel returns the ratcheted trailing stop for the state. The
// controller stores it back into the position so the ratchet survives
// across bars.
func (p *ExitPolicy) TrailLevel(state PositionState) float64 {
	return trailStopPrice(state, p.effectiveConfig())
}

// Evaluate applies the rules in precedence order against the bar close.
func (p *ExitPolicy) Evaluate(state PositionState, price float64) ExitAction {
	cfg := p.effectiveConfig()

	if stop := hardStopPrice(state, cfg); stop > 0 && price <= stop {
		return ExitAction{
			Reason:    HardStop,
			Fraction:  1.0,
			Triggered: fmt.Sprintf("price %.4f <= stop %.4f", price, stop),
		}
	}

	if cfg.TimeStopBars > 0 && state.BarsHeld >= cfg.TimeStopBars {
		return ExitAction{
			Reason:    TimeStop,
			Fraction:  1.0,
			Triggered: fmt.Sprintf("held %d bars >= %d bar limit", state.BarsHeld, cfg.TimeStopBars),
		}
	}

	if stop := trailStopPrice(state, cfg); stop > 0 && price <= stop {
		return ExitAction{
			Reason:    TrailingStop,
			Fraction:  1.0,
			Triggered: fmt.Sprintf("price %.4f <= trail %.4f from hwm %.4f", price, stop, state.HighWaterMark),
		}
	}

	if cfg.PartialEnabled && state.PartialsTaken < len(cfg.PartialLevels) {
		// R units: 1R is the initial stop distance below entry.
		if riskPerUnit := cfg.HardStopATRMult * state.EntryATR; riskPerUnit > 0 {
			level := cfg.PartialLevels[state.PartialsTaken]
			rMult := (price - state.EntryPrice) / riskPerUnit
			if rMult >= level.TargetR {
				return ExitAction{
					Reason:    PartialTarget,
					Fraction:  level.Fraction,
					Triggered: fmt.Sprintf("profit %.2fR >= target %.2fR", rMult, level.TargetR),
				}
			}
		}
	}

	return ExitAction{Reason: NoExit}
}
