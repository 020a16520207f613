package ml

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
)

type trainBarsRepo struct{ bars []models.Bar }

func (r *trainBarsRepo) Upsert(ctx context.Context, bar models.Bar) (bool, error) { return false, nil }

func (r *trainBarsRepo) ListRange(ctx context.Context, symbol, interval string, tr persistence.TimeRange, limit int) ([]models.Bar, error) {
	return r.bars, nil
}

func (r *trainBarsRepo) ListLatest(ctx context.Context, symbol, interval string, n int) ([]models.Bar, error) {
	out := r.bars
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (r *trainBarsRepo) LatestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	return time.Time{}, persistence.ErrNotFound
}

func (r *trainBarsRepo) EarliestOpenTime(ctx context.Context, symbol, interval string) (time.Time, error) {
	return time.Time{}, persistence.ErrNotFound
}

func (r *trainBarsRepo) Count(ctx context.Context, symbol, interval string, tr persistence.TimeRange) (int64, error) {
	return int64(len(r.bars)), nil
}

func TestTrainBottomMinLabelsFloor(t *testing.T) {
	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, 200)
	for i := range bars {
		c := 100 + float64(i%7)
		open := base.Add(time.Duration(i) * time.Minute)
		bars[i] = models.Bar{
			Symbol: "BTCUSDT", Interval: "1m",
			OpenTime: open, CloseTime: models.ExpectedCloseTime(open, "1m"),
			Open: c, High: c + 0.5, Low: c - 0.5, Close: c,
			Volume: 10, IsClosed: true,
		}
	}

	trainer := NewTrainer(&trainBarsRepo{bars: bars}, nil)
	p := DefaultTrainParams("BTCUSDT", "1m")
	p.MinTrainLabels = 1
	p.MinLabels = 500 // 200 bars can never align that many labels

	_, err := trainer.TrainBottom(context.Background(), p)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData under the label floor", err)
	}
}
