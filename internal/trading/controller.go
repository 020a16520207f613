// Package trading turns long candidates into broker orders and manages the
// single open position through the exit policy.
package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/features"
	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
	"github.com/sawpanic/bottomrun/internal/risk"
	"github.com/sawpanic/bottomrun/internal/settings"
)

// Signal types written to the signals log.
const (
	SignalTypeEntry   = "bottom_entry"
	SignalTypeScaleIn = "bottom_scale_in"
	SignalTypeExit    = "bottom_exit"
	SignalTypePartial = "bottom_partial_exit"
)

// Order sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Fill is a broker execution report.
type Fill struct {
	Price float64
	Size  float64
	TS    time.Time
}

// Broker submits orders. The paper broker implements this against the
// latest bar; a live broker would wrap an exchange client.
type Broker interface {
	Name() string
	SubmitOrder(ctx context.Context, symbol, side string, size, refPrice float64) (*Fill, error)
}

// Config are the controller defaults, overridable via settings.
type Config struct {
	Symbol    string
	Interval  string
	BaseSize  float64
	ATRPeriod int

	// Optional entry confirmation: require a rebound off the recent low
	// or a close above the short moving average before submitting.
	ConfirmEnabled bool
	ConfirmPct     float64 // rebound off the window low, percent
	ConfirmMABars  int     // short MA window, also the rebound lookback
}

// DefaultConfig returns the production controller configuration.
func DefaultConfig(symbol, interval string) Config {
	return Config{
		Symbol:        symbol,
		Interval:      interval,
		BaseSize:      0.01,
		ATRPeriod:     14,
		ConfirmPct:    0.3,
		ConfirmMABars: 20,
	}
}

// Controller is the trading state machine: flat, entering, holding,
// exiting. Candidates enter only from flat (or via gated scale-in); the
// exit policy runs on every bar close.
type Controller struct {
	signals  persistence.SignalsRepo
	bars     persistence.BarsRepo
	risk     *risk.Manager
	broker   Broker
	policy   *ExitPolicy
	settings *settings.Store
	config   Config

	mu           sync.Mutex
	state        *PositionState
	cooldownLeft int
	frozen       bool
	dailyLossR   float64

	onSignal func(sigType string, status models.SignalStatus)
}

// NewController creates a trading controller.
func NewController(signals persistence.SignalsRepo, bars persistence.BarsRepo, rm *risk.Manager, broker Broker, policy *ExitPolicy, st *settings.Store, config Config) *Controller {
	return &Controller{
		signals:  signals,
		bars:     bars,
		risk:     rm,
		broker:   broker,
		policy:   policy,
		settings: st,
		config:   config,
		onSignal: func(string, models.SignalStatus) {},
	}
}

// OnSignal registers a counter callback fired on every terminal signal
// status (filled or rejected).
func (c *Controller) OnSignal(fn func(sigType string, status models.SignalStatus)) {
	if fn != nil {
		c.onSignal = fn
	}
}

// Restore reloads the position row after a restart. High water mark and
// bars held restart from the entry mark; the exit policy resumes from there.
func (c *Controller) Restore(ctx context.Context) error {
	pos, err := c.signals.GetPosition(ctx, c.config.Symbol)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil
		}
		return err
	}
	if pos.Status == models.PositionFlat || pos.Size == 0 {
		return nil
	}

	_, atr, _ := c.entryContext(ctx)
	c.mu.Lock()
	c.state = &PositionState{
		EntryPrice:    pos.AvgPrice,
		EntryTime:     pos.UpdatedTS,
		EntryATR:      atr,
		Size:          pos.Size,
		HighWaterMark: pos.AvgPrice,
	}
	c.mu.Unlock()
	log.Warn().Float64("size", pos.Size).Float64("avg_price", pos.AvgPrice).
		Msg("Open position restored after restart")
	return nil
}

// entryContext returns recent bars with the current ATR and close.
func (c *Controller) entryContext(ctx context.Context) (bars []models.Bar, atr, price float64) {
	bars, err := c.bars.ListLatest(ctx, c.config.Symbol, c.config.Interval, c.config.ATRPeriod*3)
	if err != nil || len(bars) == 0 {
		return nil, 0, 0
	}
	return bars, features.LatestATR(bars, c.config.ATRPeriod), bars[len(bars)-1].Close
}

// entryConfirmed applies the optional confirmation filter: the latest close
// must have rebounded at least ConfirmPct off the window low, or sit above
// the short moving average. Disabled by default.
func (c *Controller) entryConfirmed(bars []models.Bar) (bool, string) {
	enabled := c.config.ConfirmEnabled
	pct := c.config.ConfirmPct
	maBars := c.config.ConfirmMABars
	if c.settings != nil {
		enabled = c.settings.Bool(settings.KeyEntryConfirmEnabled, enabled)
		pct = c.settings.Float(settings.KeyEntryConfirmPct, pct)
		maBars = c.settings.Int(settings.KeyEntryConfirmMABars, maBars)
	}
	if !enabled {
		return true, ""
	}
	if maBars <= 0 || len(bars) < maBars {
		return false, "confirm_insufficient_history"
	}

	window := bars[len(bars)-maBars:]
	closeNow := window[len(window)-1].Close
	low := window[0].Low
	sum := 0.0
	for _, b := range window {
		if b.Low < low {
			low = b.Low
		}
		sum += b.Close
	}
	if low > 0 && (closeNow/low-1.0)*100 >= pct {
		return true, ""
	}
	if closeNow > sum/float64(len(window)) {
		return true, ""
	}
	return false, "confirm_no_rebound"
}

func (c *Controller) baseSize() float64 {
	size := c.config.BaseSize
	if c.settings != nil {
		size = c.settings.Float(settings.KeyLiveTradingBaseSize, size)
	}
	return size
}

// HandleCandidate runs the entry path for one long candidate. Every
// outcome is recorded as a signal row; rejections carry the guard reason.
func (c *Controller) HandleCandidate(ctx context.Context, probability, threshold float64) error {
	c.mu.Lock()
	scaleIn := c.state != nil
	blocked := ""
	switch {
	case c.frozen:
		blocked = "exit_bar_freeze"
	case c.cooldownLeft > 0:
		blocked = fmt.Sprintf("cooldown_%d_bars_left", c.cooldownLeft)
	case c.policy.Config().DailyLossCapR > 0 && c.dailyLossR >= c.policy.Config().DailyLossCapR:
		blocked = "daily_loss_cap_r"
	}
	c.mu.Unlock()

	if blocked != "" {
		log.Debug().Str("reason", blocked).Msg("Entry candidate suppressed")
		return nil
	}

	bars, atr, price := c.entryContext(ctx)
	if price <= 0 {
		return errors.New("trading: no reference price for entry")
	}
	if ok, why := c.entryConfirmed(bars); !ok {
		log.Debug().Str("reason", why).Msg("Entry candidate suppressed")
		return nil
	}
	size := c.baseSize()

	sigType := SignalTypeEntry
	if scaleIn {
		sigType = SignalTypeScaleIn
	}
	sig := models.TradingSignal{
		ID:         uuid.New().String(),
		SignalType: sigType,
		Status:     models.SignalTriggered,
		Params: map[string]interface{}{
			"probability": probability,
			"threshold":   threshold,
			"entry_atr":   atr,
		},
		Price:     price,
		CreatedTS: time.Now().UTC(),
		OrderSide: SideBuy,
		OrderSize: size,
	}
	if err := c.signals.InsertSignal(ctx, sig); err != nil {
		return fmt.Errorf("failed to record signal: %w", err)
	}

	if err := c.risk.Admit(risk.Intent{
		Symbol:       c.config.Symbol,
		Side:         SideBuy,
		Size:         size,
		Price:        price,
		ATR:          atr,
		StopDistance: c.policy.Config().HardStopATRMult * atr,
		ScaleIn:      scaleIn,
	}); err != nil {
		sig.Status = models.SignalRejected
		sig.Error = err.Error()
		if uerr := c.signals.UpdateSignal(ctx, sig); uerr != nil {
			log.Error().Err(uerr).Str("signal", sig.ID).Msg("Failed to record signal rejection")
		}
		c.onSignal(sigType, models.SignalRejected)
		if reason, ok := risk.IsReject(err); ok {
			log.Info().Str("reason", reason).Float64("probability", probability).
				Msg("Entry rejected by risk guard")
			return nil
		}
		return err
	}

	sig.Status = models.SignalSubmitted
	if err := c.signals.UpdateSignal(ctx, sig); err != nil {
		return fmt.Errorf("failed to update signal: %w", err)
	}

	fill, err := c.broker.SubmitOrder(ctx, c.config.Symbol, SideBuy, size, price)
	if err != nil {
		sig.Status = models.SignalRejected
		sig.Error = err.Error()
		if uerr := c.signals.UpdateSignal(ctx, sig); uerr != nil {
			log.Error().Err(uerr).Str("signal", sig.ID).Msg("Failed to record broker rejection")
		}
		c.onSignal(sigType, models.SignalRejected)
		return fmt.Errorf("broker rejected entry: %w", err)
	}

	now := time.Now().UTC()
	sig.Status = models.SignalFilled
	sig.ExecutedTS = &now
	sig.OrderPrice = fill.Price
	if err := c.signals.UpdateSignal(ctx, sig); err != nil {
		return fmt.Errorf("failed to finalize signal: %w", err)
	}
	c.onSignal(sigType, models.SignalFilled)

	c.mu.Lock()
	if c.state == nil {
		c.state = &PositionState{
			EntryPrice:    fill.Price,
			EntryTime:     fill.TS,
			EntryATR:      atr,
			Size:          fill.Size,
			HighWaterMark: fill.Price,
		}
	} else {
		total := c.state.Size + fill.Size
		c.state.EntryPrice = (c.state.EntryPrice*c.state.Size + fill.Price*fill.Size) / total
		c.state.Size = total
	}
	state := *c.state
	c.mu.Unlock()

	log.Info().Str("signal", sig.ID).Float64("price", fill.Price).Float64("size", fill.Size).
		Bool("scale_in", scaleIn).Msg("Entry filled")
	return c.persistPosition(ctx, state, fill.Price)
}

// OnBarClose advances the position one bar and applies the exit policy.
func (c *Controller) OnBarClose(ctx context.Context, bar models.Bar) error {
	c.mu.Lock()
	c.frozen = false
	if c.cooldownLeft > 0 {
		c.cooldownLeft--
	}
	open := c.state != nil
	c.mu.Unlock()
	if !open {
		return nil
	}

	_, atr, _ := c.entryContext(ctx)

	c.mu.Lock()
	if c.state == nil {
		c.mu.Unlock()
		return nil
	}
	c.state.BarsHeld++
	if bar.High > c.state.HighWaterMark {
		c.state.HighWaterMark = bar.High
	}
	if atr > 0 {
		c.state.CurrentATR = atr
	}
	if ts := c.policy.TrailLevel(*c.state); ts > c.state.TrailStop {
		c.state.TrailStop = ts
	}
	state := *c.state
	c.mu.Unlock()

	action := c.policy.Evaluate(state, bar.Close)
	if action.Reason == NoExit {
		if hold := c.maxHold(); hold > 0 && !state.EntryTime.IsZero() && bar.CloseTime.Sub(state.EntryTime) >= hold {
			action = ExitAction{
				Reason:    TimeStop,
				Fraction:  1.0,
				Triggered: fmt.Sprintf("held %s >= %s holding limit", bar.CloseTime.Sub(state.EntryTime), hold),
			}
		}
	}
	if action.Reason == NoExit {
		return c.persistPosition(ctx, state, bar.Close)
	}
	return c.executeExit(ctx, state, bar.Close, action)
}

// maxHold returns the wall-clock holding limit, zero when unset.
func (c *Controller) maxHold() time.Duration {
	if c.settings == nil {
		return 0
	}
	return c.settings.Seconds(settings.KeyLiveTradingMaxHoldSecs, 0)
}

func (c *Controller) executeExit(ctx context.Context, state PositionState, price float64, action ExitAction) error {
	exitSize := state.Size * action.Fraction
	full := action.Fraction >= 1.0

	sigType := SignalTypeExit
	if !full {
		sigType = SignalTypePartial
	}
	sig := models.TradingSignal{
		ID:         uuid.New().String(),
		SignalType: sigType,
		Status:     models.SignalTriggered,
		Params: map[string]interface{}{
			"exit_reason": action.Reason.String(),
			"trigger":     action.Triggered,
		},
		Price:     price,
		CreatedTS: time.Now().UTC(),
		OrderSide: SideSell,
		OrderSize: exitSize,
	}
	if err := c.signals.InsertSignal(ctx, sig); err != nil {
		return fmt.Errorf("failed to record exit signal: %w", err)
	}

	// Exits are reducing and bypass entry guards; only the kill switch can
	// stop them, and it should not.
	if err := c.risk.Admit(risk.Intent{Symbol: c.config.Symbol, Side: SideSell, Size: exitSize, Price: price, Reducing: true}); err != nil {
		log.Error().Err(err).Msg("Exit blocked by risk guard, position unmanaged")
		sig.Status = models.SignalRejected
		sig.Error = err.Error()
		c.onSignal(sigType, models.SignalRejected)
		return c.signals.UpdateSignal(ctx, sig)
	}

	fill, err := c.broker.SubmitOrder(ctx, c.config.Symbol, SideSell, exitSize, price)
	if err != nil {
		sig.Status = models.SignalRejected
		sig.Error = err.Error()
		if uerr := c.signals.UpdateSignal(ctx, sig); uerr != nil {
			log.Error().Err(uerr).Str("signal", sig.ID).Msg("Failed to record exit rejection")
		}
		c.onSignal(sigType, models.SignalRejected)
		return fmt.Errorf("broker rejected exit: %w", err)
	}

	now := time.Now().UTC()
	sig.Status = models.SignalFilled
	sig.ExecutedTS = &now
	sig.OrderPrice = fill.Price
	if err := c.signals.UpdateSignal(ctx, sig); err != nil {
		return fmt.Errorf("failed to finalize exit signal: %w", err)
	}
	c.onSignal(sigType, models.SignalFilled)

	pnl := (fill.Price - state.EntryPrice) * fill.Size
	c.risk.RecordPnL(pnl)
	c.accountLossR(state, fill.Size, pnl)

	cfg := c.policy.Config()
	c.mu.Lock()
	if full || c.state == nil || c.state.Size <= fill.Size {
		c.state = nil
		c.cooldownLeft = cfg.CooldownBars
		c.frozen = cfg.FreezeOnExit
	} else {
		c.state.Size -= fill.Size
		c.state.PartialsTaken++
	}
	var remaining PositionState
	if c.state != nil {
		remaining = *c.state
	}
	flat := c.state == nil
	c.mu.Unlock()

	log.Info().Str("reason", action.Reason.String()).Str("trigger", action.Triggered).
		Float64("pnl", pnl).Bool("full", flat).Msg("Exit executed")

	if flat {
		return c.signals.UpsertPosition(ctx, models.Position{
			Symbol:    c.config.Symbol,
			Status:    models.PositionFlat,
			UpdatedTS: now,
		})
	}
	return c.persistPosition(ctx, remaining, fill.Price)
}

// accountLossR converts a realized loss into R units (1R = entry risk per
// unit) and trips the kill switch at the daily cap.
func (c *Controller) accountLossR(state PositionState, size, pnl float64) {
	if pnl >= 0 {
		return
	}
	cfg := c.policy.Config()
	riskPerUnit := cfg.HardStopATRMult * state.EntryATR
	if riskPerUnit <= 0 || size <= 0 {
		return
	}
	c.mu.Lock()
	c.dailyLossR += -pnl / (riskPerUnit * size)
	lossR := c.dailyLossR
	c.mu.Unlock()

	if cfg.DailyLossCapR > 0 && lossR >= cfg.DailyLossCapR {
		c.risk.Trip(fmt.Sprintf("daily_loss_cap_r_%.2f", lossR))
	}
}

func (c *Controller) persistPosition(ctx context.Context, state PositionState, mark float64) error {
	status := models.PositionLong
	if state.Size == 0 {
		status = models.PositionFlat
	}
	return c.signals.UpsertPosition(ctx, models.Position{
		Symbol:        c.config.Symbol,
		Size:          state.Size,
		AvgPrice:      state.EntryPrice,
		UnrealizedPnL: (mark - state.EntryPrice) * state.Size,
		UpdatedTS:     time.Now().UTC(),
		Status:        status,
	})
}

// State returns a copy of the open position state, or nil when flat.
func (c *Controller) State() *PositionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil
	}
	s := *c.state
	return &s
}

// ResetDaily clears the R-unit loss accumulator at the session boundary.
func (c *Controller) ResetDaily() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dailyLossR = 0
}
