// Package registry manages versioned model artifacts and the per-family
// production pointer.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

// ErrNoModel is returned when no artifact exists for the requested family.
var ErrNoModel = errors.New("registry: no model")

// Registry stores artifacts and serves the production pointer.
// SetProduction must only be invoked by the promotion gate.
type Registry struct {
	repo persistence.ModelsRepo
}

// New creates a registry over the models repository.
func New(repo persistence.ModelsRepo) *Registry {
	return &Registry{repo: repo}
}

// Startup runs the production-pointer consistency repair. Across crashes at
// most one row per family may hold status=production; multiplicity keeps
// the most recently promoted.
func (r *Registry) Startup(ctx context.Context, family string) error {
	demoted, err := r.repo.RepairProduction(ctx, family)
	if err != nil {
		return fmt.Errorf("production repair failed: %w", err)
	}
	if demoted > 0 {
		log.Error().Int("demoted", demoted).Str("family", family).
			Msg("Production pointer multiplicity repaired at startup")
	}
	return nil
}

// Register inserts a new artifact in staging and returns it with its id.
// Version is assigned as latest+1 when zero.
func (r *Registry) Register(ctx context.Context, artifact models.ModelArtifact) (*models.ModelArtifact, error) {
	if artifact.Version == 0 {
		latest, err := r.repo.Latest(ctx, artifact.Family)
		switch {
		case err == nil:
			artifact.Version = latest.Version + 1
		case errors.Is(err, persistence.ErrNotFound):
			artifact.Version = 1
		default:
			return nil, fmt.Errorf("failed to resolve next version: %w", err)
		}
	}
	artifact.Status = models.ModelStaging

	id, err := r.repo.Insert(ctx, artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to register artifact: %w", err)
	}
	artifact.ID = id
	log.Info().Int64("model_id", id).Str("family", artifact.Family).Int("version", artifact.Version).
		Float64("auc", artifact.Metrics.AUC).Float64("ece", artifact.Metrics.ECE).
		Msg("Model artifact registered")
	return &artifact, nil
}

// GetProduction returns the current production artifact, or ErrNoModel.
func (r *Registry) GetProduction(ctx context.Context, family string) (*models.ModelArtifact, error) {
	a, err := r.repo.Production(ctx, family)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrNoModel
	}
	return a, err
}

// GetLatest returns the newest artifact regardless of status, or ErrNoModel.
func (r *Registry) GetLatest(ctx context.Context, family string) (*models.ModelArtifact, error) {
	a, err := r.repo.Latest(ctx, family)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrNoModel
	}
	return a, err
}

// Get returns an artifact by id.
func (r *Registry) Get(ctx context.Context, id int64) (*models.ModelArtifact, error) {
	a, err := r.repo.Get(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrNoModel
	}
	return a, err
}

// ListRecent returns artifacts newest-first.
func (r *Registry) ListRecent(ctx context.Context, family string, limit int) ([]models.ModelArtifact, error) {
	return r.repo.ListRecent(ctx, family, limit)
}

// SetProduction swaps the production pointer to id, retiring the previous
// holder in the same transaction. Returns the previous production id.
func (r *Registry) SetProduction(ctx context.Context, family string, id int64) (*int64, error) {
	prev, err := r.repo.SwapProduction(ctx, family, id)
	if err != nil {
		return nil, fmt.Errorf("production swap failed: %w", err)
	}
	ev := log.Info().Int64("model_id", id).Str("family", family)
	if prev != nil {
		ev = ev.Int64("previous_model_id", *prev)
	}
	ev.Msg("Production pointer swapped")
	return prev, nil
}
