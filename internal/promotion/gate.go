// Package promotion decides whether a staging candidate replaces the
// production model. The gate is the single writer of the production pointer.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
	"github.com/sawpanic/bottomrun/internal/registry"
	"github.com/sawpanic/bottomrun/internal/settings"
)

// Config are the gate thresholds, overridable via settings.
type Config struct {
	MinAUCDelta   float64
	MaxECEDelta   float64
	MinValSamples int
	Cooldown      time.Duration
}

// DefaultConfig returns production gate thresholds.
func DefaultConfig() Config {
	return Config{
		MinAUCDelta:   0.005,
		MaxECEDelta:   0.01,
		MinValSamples: 100,
		Cooldown:      30 * time.Minute,
	}
}

// Gate evaluates promotion candidates against the production artifact.
type Gate struct {
	reg      *registry.Registry
	events   persistence.PromotionsRepo
	settings *settings.Store
	config   Config
}

// NewGate creates a promotion gate.
func NewGate(reg *registry.Registry, events persistence.PromotionsRepo, st *settings.Store, config Config) *Gate {
	return &Gate{reg: reg, events: events, settings: st, config: config}
}

func (g *Gate) effectiveConfig() Config {
	cfg := g.config
	if g.settings != nil {
		cfg.MinAUCDelta = g.settings.Float(settings.KeyPromotionMinAUCDelta, cfg.MinAUCDelta)
		cfg.MaxECEDelta = g.settings.Float(settings.KeyPromotionMaxECEDelta, cfg.MaxECEDelta)
		cfg.MinValSamples = g.settings.Int(settings.KeyPromotionMinValSamples, cfg.MinValSamples)
		cfg.Cooldown = g.settings.Seconds(settings.KeyPromotionCooldown, cfg.Cooldown)
	}
	return cfg
}

// Evaluate runs the gate for a staging candidate. Every outcome appends a
// promotion event with full numerics; only "promoted" swaps the pointer.
func (g *Gate) Evaluate(ctx context.Context, candidate *models.ModelArtifact) (*models.PromotionEvent, error) {
	cfg := g.effectiveConfig()
	now := time.Now().UTC()

	ev := models.PromotionEvent{
		CreatedAt:        now,
		CandidateModelID: candidate.ID,
		ValSamples:       candidate.Metrics.ValSamples,
		SamplesNew:       candidate.Metrics.TrainSamples,
	}

	record := func(decision models.PromotionDecision, reason string) (*models.PromotionEvent, error) {
		ev.Decision = decision
		ev.Reason = reason
		if err := g.events.Insert(ctx, ev); err != nil {
			return nil, fmt.Errorf("failed to record promotion event: %w", err)
		}
		log.Info().
			Int64("candidate", candidate.ID).
			Str("decision", string(decision)).
			Str("reason", reason).
			Float64("auc_improve", ev.AUCImprove).
			Float64("ece_delta", ev.ECEDelta).
			Msg("Promotion gate decision")
		return &ev, nil
	}

	if candidate.Metrics.ValSamples < cfg.MinValSamples {
		return record(models.PromotionSkipped,
			fmt.Sprintf("insufficient_val_samples_%d_min_%d", candidate.Metrics.ValSamples, cfg.MinValSamples))
	}

	// Cooldown damps promotion flapping.
	if last, err := g.events.LastPromotedAt(ctx); err == nil {
		if since := now.Sub(last); since < cfg.Cooldown {
			return record(models.PromotionSkipped,
				fmt.Sprintf("promotion_cooldown_%.0fs_remaining", (cfg.Cooldown-since).Seconds()))
		}
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return record(models.PromotionError, fmt.Sprintf("cooldown_check_failed: %v", err))
	}

	prod, err := g.reg.GetProduction(ctx, candidate.Family)
	if err != nil {
		if errors.Is(err, registry.ErrNoModel) {
			// First model for the family promotes unconditionally.
			if _, err := g.reg.SetProduction(ctx, candidate.Family, candidate.ID); err != nil {
				return record(models.PromotionError, fmt.Sprintf("swap_failed: %v", err))
			}
			return record(models.PromotionPromoted, "no_production")
		}
		return record(models.PromotionError, fmt.Sprintf("production_lookup_failed: %v", err))
	}

	ev.PreviousProductionModelID = &prod.ID
	ev.SamplesOld = prod.Metrics.TrainSamples
	ev.AUCImprove = candidate.Metrics.AUC - prod.Metrics.AUC
	ev.ECEDelta = candidate.Metrics.ECE - prod.Metrics.ECE

	if ev.AUCImprove >= cfg.MinAUCDelta && ev.ECEDelta <= cfg.MaxECEDelta {
		if _, err := g.reg.SetProduction(ctx, candidate.Family, candidate.ID); err != nil {
			return record(models.PromotionError, fmt.Sprintf("swap_failed: %v", err))
		}
		return record(models.PromotionPromoted,
			fmt.Sprintf("auc_improve_%.4f_ece_delta_%.4f", ev.AUCImprove, ev.ECEDelta))
	}

	return record(models.PromotionSkipped,
		fmt.Sprintf("criteria_not_met_auc_%.4f_min_%.4f_ece_%.4f_max_%.4f",
			ev.AUCImprove, cfg.MinAUCDelta, ev.ECEDelta, cfg.MaxECEDelta))
}
