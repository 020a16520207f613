// Package risk enforces pre-trade limits and the session kill switch.
// Every intent passes the full guard chain before reaching the broker.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/settings"
)

// Guard rejection reasons.
const (
	ReasonKillSwitch   = "kill_switch"
	ReasonDisabled     = "live_trading_disabled"
	ReasonMaxNotional  = "max_notional"
	ReasonMaxDailyLoss = "max_daily_loss"
	ReasonMaxDrawdown  = "max_drawdown"
	ReasonScaleIn      = "scale_in_disabled"
	ReasonATRStop      = "atr_multiple"
)

// RejectError carries the guard that rejected an order intent.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("risk: rejected by %s", e.Reason)
	}
	return fmt.Sprintf("risk: rejected by %s (%s)", e.Reason, e.Detail)
}

// IsReject reports whether err is a guard rejection and returns its reason.
func IsReject(err error) (string, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

// Limits are the guard thresholds, overridable via settings.
type Limits struct {
	MaxNotional  float64 // per-order quote notional
	MaxDailyLoss float64 // cumulative session loss, positive number
	MaxDrawdown  float64 // fraction of peak equity
	ATRMultiple  float64 // minimum initial stop distance in ATRs
}

// DefaultLimits returns conservative production limits.
func DefaultLimits() Limits {
	return Limits{
		MaxNotional:  1000,
		MaxDailyLoss: 200,
		MaxDrawdown:  0.10,
		ATRMultiple:  1.0,
	}
}

// Intent is one order to be admitted.
type Intent struct {
	Symbol       string
	Side         string
	Size         float64
	Price        float64
	ATR          float64 // current ATR at submission time
	StopDistance float64 // entry price minus the planned initial stop
	ScaleIn      bool    // adds to an existing same-direction position
	Reducing     bool    // closes or reduces exposure, exempt from entry guards
}

// Manager owns the risk session and admits or rejects order intents.
type Manager struct {
	settings *settings.Store
	limits   Limits

	mu         sync.Mutex
	session    models.RiskSession
	killSwitch bool
	killReason string
}

// NewManager creates a risk manager with a fresh session.
func NewManager(st *settings.Store, limits Limits, startingEquity float64) *Manager {
	now := time.Now().UTC()
	return &Manager{
		settings: st,
		limits:   limits,
		session: models.RiskSession{
			StartingEquity: startingEquity,
			PeakEquity:     startingEquity,
			CurrentEquity:  startingEquity,
			LastResetTS:    now,
		},
	}
}

func (m *Manager) effectiveLimits() Limits {
	l := m.limits
	if m.settings != nil {
		l.MaxNotional = m.settings.Float(settings.KeyRiskMaxNotional, l.MaxNotional)
		l.MaxDailyLoss = m.settings.Float(settings.KeyRiskMaxDailyLoss, l.MaxDailyLoss)
		l.MaxDrawdown = m.settings.Float(settings.KeyRiskMaxDrawdown, l.MaxDrawdown)
		l.ATRMultiple = m.settings.Float(settings.KeyRiskATRMultiple, l.ATRMultiple)
	}
	return l
}

// Admit runs the guard chain for an intent. Exits always pass so positions
// can be flattened even when entry guards trip.
func (m *Manager) Admit(intent Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.killSwitch {
		return &RejectError{Reason: ReasonKillSwitch, Detail: m.killReason}
	}
	if intent.Reducing {
		return nil
	}

	if m.settings != nil && !m.settings.Bool(settings.KeyLiveTradingEnabled, false) {
		return &RejectError{Reason: ReasonDisabled}
	}
	if intent.ScaleIn && m.settings != nil && !m.settings.Bool(settings.KeyLiveScaleInEnabled, false) {
		return &RejectError{Reason: ReasonScaleIn}
	}

	l := m.effectiveLimits()

	// The initial stop must sit at least ATRMultiple ATRs below entry.
	// NaN inputs fail the positivity checks and reject.
	if l.ATRMultiple > 0 {
		if !(intent.ATR > 0) || !(intent.StopDistance > 0) {
			return &RejectError{Reason: ReasonATRStop, Detail: "initial stop unavailable"}
		}
		if minStop := l.ATRMultiple * intent.ATR; intent.StopDistance < minStop {
			return &RejectError{
				Reason: ReasonATRStop,
				Detail: fmt.Sprintf("stop distance %.4f < %.2f x atr %.4f", intent.StopDistance, l.ATRMultiple, intent.ATR),
			}
		}
	}

	if notional := intent.Size * intent.Price; l.MaxNotional > 0 && notional > l.MaxNotional {
		return &RejectError{
			Reason: ReasonMaxNotional,
			Detail: fmt.Sprintf("notional %.2f > limit %.2f", notional, l.MaxNotional),
		}
	}

	if loss := m.session.StartingEquity - m.session.CurrentEquity; l.MaxDailyLoss > 0 && loss >= l.MaxDailyLoss {
		return &RejectError{
			Reason: ReasonMaxDailyLoss,
			Detail: fmt.Sprintf("session loss %.2f >= limit %.2f", loss, l.MaxDailyLoss),
		}
	}

	if m.session.PeakEquity > 0 && l.MaxDrawdown > 0 {
		dd := (m.session.PeakEquity - m.session.CurrentEquity) / m.session.PeakEquity
		if dd >= l.MaxDrawdown {
			return &RejectError{
				Reason: ReasonMaxDrawdown,
				Detail: fmt.Sprintf("drawdown %.4f >= limit %.4f", dd, l.MaxDrawdown),
			}
		}
	}
	return nil
}

// UpdateEquity records a new equity mark. Peak only ratchets up.
func (m *Manager) UpdateEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.CurrentEquity = equity
	m.session.CumulativePnL = equity - m.session.StartingEquity
	if equity > m.session.PeakEquity {
		m.session.PeakEquity = equity
	}
}

// RecordPnL applies a realized trade result to the session equity.
func (m *Manager) RecordPnL(pnl float64) {
	m.mu.Lock()
	equity := m.session.CurrentEquity + pnl
	m.mu.Unlock()
	m.UpdateEquity(equity)
}

// Trip engages the kill switch. Only an explicit Reset releases it.
func (m *Manager) Trip(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.killSwitch {
		log.Error().Str("reason", reason).Msg("Risk kill switch tripped")
	}
	m.killSwitch = true
	m.killReason = reason
}

// Tripped reports the kill switch state.
func (m *Manager) Tripped() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killSwitch, m.killReason
}

// Reset starts a new session at the given equity and releases the kill
// switch. Operator action, typically at the daily boundary.
func (m *Manager) Reset(startingEquity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = models.RiskSession{
		StartingEquity: startingEquity,
		PeakEquity:     startingEquity,
		CurrentEquity:  startingEquity,
		LastResetTS:    time.Now().UTC(),
	}
	m.killSwitch = false
	m.killReason = ""
	log.Info().Float64("equity", startingEquity).Msg("Risk session reset")
}

// Session returns a copy of the current session.
func (m *Manager) Session() models.RiskSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}
