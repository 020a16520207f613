package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Predictor is the capability every model family implements.
type Predictor interface {
	// Predict returns the bottom probability for a feature map.
	Predict(features map[string]float64) (float64, error)
	// Variant names the model family variant.
	Variant() string
}

// Supported predictor variants.
const (
	VariantXGBLike = "bottom_xgb_like" // second-order leaf weights, L2 regularized
	VariantGBMLike = "bottom_gbm_like" // first-order gradient steps
)

// ErrMissingFeature is returned when the input map lacks a trained feature.
var ErrMissingFeature = errors.New("ml: missing feature")

// stump is one depth-1 tree: left leaf when value < threshold.
type stump struct {
	Feature   string  `json:"f"`
	Threshold float64 `json:"t"`
	Left      float64 `json:"l"`
	Right     float64 `json:"r"`
}

// BoostedModel is a gradient-boosted ensemble of decision stumps over the
// feature schema it was trained on. Immutable after training; safe for
// concurrent Predict.
type BoostedModel struct {
	ModelVariant string   `json:"variant"`
	BaseScore    float64  `json:"base_score"` // prior log-odds
	LearningRate float64  `json:"learning_rate"`
	Stumps       []stump  `json:"stumps"`
	Features     []string `json:"features"`
}

// Variant names the model family variant.
func (m *BoostedModel) Variant() string { return m.ModelVariant }

// Predict returns the bottom probability for a feature map.
func (m *BoostedModel) Predict(features map[string]float64) (float64, error) {
	score := m.BaseScore
	for _, s := range m.Stumps {
		v, ok := features[s.Feature]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingFeature, s.Feature)
		}
		if v < s.Threshold {
			score += m.LearningRate * s.Left
		} else {
			score += m.LearningRate * s.Right
		}
	}
	return sigmoid(score), nil
}

// Encode serializes the model into an opaque artifact blob.
func (m *BoostedModel) Encode() ([]byte, error) {
	blob, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model blob: %w", err)
	}
	return blob, nil
}

// DecodeModel restores a predictor from an artifact blob.
func DecodeModel(blob []byte) (Predictor, error) {
	var m BoostedModel
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model blob: %w", err)
	}
	switch m.ModelVariant {
	case VariantXGBLike, VariantGBMLike:
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown model variant %q", m.ModelVariant)
	}
}

// FitParams configure boosting. Deterministic for a fixed Seed.
type FitParams struct {
	Variant      string
	Rounds       int
	LearningRate float64
	Lambda       float64 // L2 on leaf weights (xgb_like only)
	Seed         int64
	PosWeight    float64 // class weight for positives
	NegWeight    float64
}

// DefaultFitParams returns the production boosting configuration.
func DefaultFitParams() FitParams {
	return FitParams{
		Variant:      VariantXGBLike,
		Rounds:       80,
		LearningRate: 0.1,
		Lambda:       1.0,
		Seed:         42,
		PosWeight:    1.0,
		NegWeight:    1.0,
	}
}

// Fit trains a boosted-stump model on the design matrix X (row-major,
// columns in featureNames order) and labels y.
func Fit(X [][]float64, y []int, featureNames []string, p FitParams) (*BoostedModel, error) {
	n := len(X)
	if n == 0 || n != len(y) {
		return nil, fmt.Errorf("invalid training set: %d rows, %d labels", n, len(y))
	}
	if p.Rounds <= 0 {
		p.Rounds = 80
	}
	if p.LearningRate <= 0 {
		p.LearningRate = 0.1
	}
	if p.Variant == "" {
		p.Variant = VariantXGBLike
	}

	weights := make([]float64, n)
	var posCount int
	for i, yi := range y {
		if yi == 1 {
			weights[i] = p.PosWeight
			posCount++
		} else {
			weights[i] = p.NegWeight
		}
	}
	if posCount == 0 || posCount == n {
		return nil, fmt.Errorf("degenerate training set: %d positives of %d", posCount, n)
	}

	// Prior log-odds from the weighted base rate.
	var wPos, wTot float64
	for i := range y {
		wTot += weights[i]
		if y[i] == 1 {
			wPos += weights[i]
		}
	}
	base := math.Log(wPos / (wTot - wPos))

	model := &BoostedModel{
		ModelVariant: p.Variant,
		BaseScore:    base,
		LearningRate: p.LearningRate,
		Features:     featureNames,
	}

	// Candidate thresholds per feature: deterministic quantile cuts.
	candidates := make([][]float64, len(featureNames))
	for f := range featureNames {
		vals := make([]float64, n)
		for i := range X {
			vals[i] = X[i][f]
		}
		sort.Float64s(vals)
		const cuts = 16
		seen := map[float64]bool{}
		for q := 1; q < cuts; q++ {
			v := vals[q*n/cuts]
			if !seen[v] {
				seen[v] = true
				candidates[f] = append(candidates[f], v)
			}
		}
	}

	rng := rand.New(rand.NewSource(p.Seed))
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = base
	}

	grads := make([]float64, n)
	hess := make([]float64, n)
	for round := 0; round < p.Rounds; round++ {
		for i := range X {
			pi := sigmoid(scores[i])
			grads[i] = weights[i] * (pi - float64(y[i]))
			hess[i] = weights[i] * pi * (1 - pi)
		}

		// Column subsampling keeps rounds cheap and decorrelates stumps.
		cols := columnSample(rng, len(featureNames))

		best := stump{}
		bestGain := 0.0
		found := false
		for _, f := range cols {
			for _, thr := range candidates[f] {
				var gl, hl, gr, hr float64
				for i := range X {
					if X[i][f] < thr {
						gl += grads[i]
						hl += hess[i]
					} else {
						gr += grads[i]
						hr += hess[i]
					}
				}
				if hl == 0 || hr == 0 {
					continue
				}
				gain := gl*gl/(hl+p.Lambda) + gr*gr/(hr+p.Lambda) - (gl+gr)*(gl+gr)/(hl+hr+p.Lambda)
				if gain > bestGain {
					bestGain = gain
					left, right := leafWeights(gl, hl, gr, hr, p)
					best = stump{Feature: featureNames[f], Threshold: thr, Left: left, Right: right}
					found = true
				}
			}
		}
		if !found {
			break
		}

		fi := indexOf(featureNames, best.Feature)
		for i := range X {
			if X[i][fi] < best.Threshold {
				scores[i] += p.LearningRate * best.Left
			} else {
				scores[i] += p.LearningRate * best.Right
			}
		}
		model.Stumps = append(model.Stumps, best)
	}

	if len(model.Stumps) == 0 {
		return nil, fmt.Errorf("boosting found no informative split")
	}
	return model, nil
}

func leafWeights(gl, hl, gr, hr float64, p FitParams) (float64, float64) {
	if p.Variant == VariantGBMLike {
		// First-order step scaled by side mass.
		return -gl / math.Max(hl, 1e-9), -gr / math.Max(hr, 1e-9)
	}
	return -gl / (hl + p.Lambda), -gr / (hr + p.Lambda)
}

func columnSample(rng *rand.Rand, n int) []int {
	cols := make([]int, n)
	for i := range cols {
		cols[i] = i
	}
	if n <= 3 {
		return cols
	}
	rng.Shuffle(n, func(i, j int) { cols[i], cols[j] = cols[j], cols[i] })
	keep := n * 4 / 5
	if keep < 3 {
		keep = 3
	}
	cols = cols[:keep]
	sort.Ints(cols)
	return cols
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
