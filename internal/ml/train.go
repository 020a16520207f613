package ml

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/bottomrun/internal/features"
	"github.com/sawpanic/bottomrun/internal/models"
	"github.com/sawpanic/bottomrun/internal/persistence"
	"github.com/sawpanic/bottomrun/internal/registry"
)

// ErrInsufficientData is returned when the dataset carries too few labels.
var ErrInsufficientData = errors.New("ml: insufficient training data")

// evalFraction is the chronological tail held out for evaluation.
const evalFraction = 0.2

// TrainParams configure one training run.
type TrainParams struct {
	Symbol         string
	Interval       string
	OHLCVCap       int // bars fetched for dataset construction
	MinLabels      int // aligned labels, whole dataset
	MinTrainLabels int // positives+negatives combined, train split
	Label          models.LabelParams
	Fit            FitParams
	CalibBins      int
	MinBinSamples  int
}

// DefaultTrainParams returns the production training configuration.
func DefaultTrainParams(symbol, interval string) TrainParams {
	return TrainParams{
		Symbol:         symbol,
		Interval:       interval,
		OHLCVCap:       5000,
		MinLabels:      250,
		MinTrainLabels: 200,
		Label:          DefaultLabelParams(),
		Fit:            DefaultFitParams(),
		CalibBins:      10,
		MinBinSamples:  5,
	}
}

// TrainResult is the promotion candidate emitted by a training run.
type TrainResult struct {
	Artifact *models.ModelArtifact
	Model    *BoostedModel
}

// Trainer builds datasets from closed bars and fits bottom predictors.
type Trainer struct {
	bars persistence.BarsRepo
	reg  *registry.Registry
}

// NewTrainer creates a training service.
func NewTrainer(bars persistence.BarsRepo, reg *registry.Registry) *Trainer {
	return &Trainer{bars: bars, reg: reg}
}

// TrainBottom fetches the bar history, aligns features with bottom labels
// through the shared rule, fits the classifier on the chronological head
// and evaluates on the held-out tail. The artifact is registered in
// staging and returned as a promotion candidate.
func (t *Trainer) TrainBottom(ctx context.Context, p TrainParams) (*TrainResult, error) {
	start := time.Now()
	bars, err := t.bars.ListLatest(ctx, p.Symbol, p.Interval, p.OHLCVCap)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bars: %w", err)
	}
	if len(bars) < features.WarmupBars+p.Label.Lookahead+10 {
		return nil, ErrInsufficientData
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	labels := BottomLabels(closes, p.Label)

	// Align: rows need both a full feature window and a resolved label.
	var X [][]float64
	var y []int
	for i := features.WarmupBars - 1; i < len(bars); i++ {
		if labels[i] == LabelPending {
			continue
		}
		f, ok := features.Compute(bars, i)
		if !ok {
			continue
		}
		X = append(X, features.Vector(f))
		y = append(y, labels[i])
	}

	if p.MinLabels > 0 && len(X) < p.MinLabels {
		return nil, ErrInsufficientData
	}

	split := int(float64(len(X)) * (1 - evalFraction))
	if split < p.MinTrainLabels || len(X)-split < 1 {
		return nil, ErrInsufficientData
	}
	trainX, trainY := X[:split], y[:split]
	valX, valY := X[split:], y[split:]

	// Class weighting: balance positives against the negative mass.
	pos := 0
	for _, yi := range trainY {
		pos += yi
	}
	if pos == 0 || pos == len(trainY) {
		return nil, ErrInsufficientData
	}
	fit := p.Fit
	fit.PosWeight = float64(len(trainY)-pos) / float64(pos)
	fit.NegWeight = 1.0

	model, err := Fit(trainX, trainY, features.FeatureNames, fit)
	if err != nil {
		return nil, fmt.Errorf("boosting failed: %w", err)
	}

	probs := make([]float64, len(valX))
	for i, row := range valX {
		f := make(map[string]float64, len(features.FeatureNames))
		for j, name := range features.FeatureNames {
			f[name] = row[j]
		}
		probs[i], _ = model.Predict(f)
	}

	binsOut, ece, mce := Reliability(probs, valY, p.CalibBins, p.MinBinSamples)
	metrics := models.ModelMetrics{
		AUC:             AUC(probs, valY),
		PRAUC:           PRAUC(probs, valY),
		Brier:           Brier(probs, valY),
		ECE:             ece,
		MCE:             mce,
		ReliabilityBins: binsOut,
		LabelDefinition: LabelDefinition,
		LabelParams:     p.Label,
		ValSamples:      len(valY),
		TrainSamples:    len(trainY),
		Positives:       pos,
	}

	blob, err := model.Encode()
	if err != nil {
		return nil, err
	}

	artifact, err := t.reg.Register(ctx, models.ModelArtifact{
		Family:  models.ModelFamilyBottom,
		Metrics: metrics,
		Blob:    blob,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Int64("model_id", artifact.ID).
		Int("train_samples", len(trainY)).
		Int("val_samples", len(valY)).
		Int("positives", pos).
		Float64("auc", metrics.AUC).
		Float64("ece", metrics.ECE).
		Dur("elapsed", time.Since(start)).
		Msg("Bottom model trained")

	return &TrainResult{Artifact: artifact, Model: model}, nil
}
