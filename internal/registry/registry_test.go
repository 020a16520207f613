package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

type fakeModelsRepo struct {
	artifacts map[int64]models.ModelArtifact
	nextID    int64
	repaired  int
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
	a, ok := r.artifacts[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	a.Status = models.ModelProduction
	r.artifacts[id] = a
	return prev, nil
}

func (r *fakeModelsRepo) RepairProduction(ctx context.Context, family string) (int, error) {
	// Keep the highest id, demote the rest.
	var keep int64 = -1
	for id, a := range r.artifacts {
		if a.Family == family && a.Status == models.ModelProduction && id > keep {
			keep = id
		}
	}
	demoted := 0
	for id, a := range r.artifacts {
		if a.Family == family && a.Status == models.ModelProduction && id != keep {
			a.Status = models.ModelRetired
			r.artifacts[id] = a
			demoted++
		}
	}
	r.repaired++
	return demoted, nil
}

func TestRegisterAssignsNextVersion(t *testing.T) {
	ctx := context.Background()
	reg := New(newFakeModelsRepo())

	first, err := reg.Register(ctx, models.ModelArtifact{Family: models.ModelFamilyBottom, Blob: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, models.ModelStaging, first.Status)

	second, err := reg.Register(ctx, models.ModelArtifact{Family: models.ModelFamilyBottom, Blob: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
}

func TestSetProductionRetiresPrevious(t *testing.T) {
	ctx := context.Background()
	repo := newFakeModelsRepo()
	reg := New(repo)

	first, err := reg.Register(ctx, models.ModelArtifact{Family: models.ModelFamilyBottom, Blob: []byte(`{}`)})
	require.NoError(t, err)
	second, err := reg.Register(ctx, models.ModelArtifact{Family: models.ModelFamilyBottom, Blob: []byte(`{}`)})
	require.NoError(t, err)

	prev, err := reg.SetProduction(ctx, models.ModelFamilyBottom, first.ID)
	require.NoError(t, err)
	assert.Nil(t, prev, "first promotion has no predecessor")

	prev, err = reg.SetProduction(ctx, models.ModelFamilyBottom, second.ID)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, first.ID, *prev)

	retired, err := reg.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModelRetired, retired.Status)

	prod, err := reg.GetProduction(ctx, models.ModelFamilyBottom)
	require.NoError(t, err)
	assert.Equal(t, second.ID, prod.ID)
}

func TestGetProductionEmpty(t *testing.T) {
	reg := New(newFakeModelsRepo())
	_, err := reg.GetProduction(context.Background(), models.ModelFamilyBottom)
	assert.True(t, errors.Is(err, ErrNoModel))
}

func TestStartupRepairsMultiplicity(t *testing.T) {
	ctx := context.Background()
	repo := newFakeModelsRepo()

	// Simulate a crash that left two production rows.
	repo.Insert(ctx, models.ModelArtifact{Family: models.ModelFamilyBottom, Version: 1, Status: models.ModelProduction})
	repo.Insert(ctx, models.ModelArtifact{Family: models.ModelFamilyBottom, Version: 2, Status: models.ModelProduction})

	reg := New(repo)
	require.NoError(t, reg.Startup(ctx, models.ModelFamilyBottom))

	prod, err := reg.GetProduction(ctx, models.ModelFamilyBottom)
	require.NoError(t, err)
	assert.Equal(t, 2, prod.Version, "repair keeps the most recent promotion")
}
