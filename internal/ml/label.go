// Package ml holds the bottom-event label rule, the predictor families,
// evaluation metrics and the training service.
package ml

import (
	"github.com/sawpanic/bottomrun/internal/models"
)

// LabelDefinition names the labeling rule stored with every artifact.
const LabelDefinition = "bottom_drawdown_rebound_v1"

// LabelPending marks indexes whose lookahead window extends past the series.
const LabelPending = -1

// DefaultLabelParams are the bottom-rule defaults.
func DefaultLabelParams() models.LabelParams {
	return models.LabelParams{Lookahead: 30, Drawdown: 0.01, Rebound: 0.01}
}

// BottomLabel resolves the label for index t of closes under params.
// Returns LabelPending when t+H exceeds the last index: the label is
// undefined and must not be assigned.
//
// A bottom event requires a drop of at least Drawdown to the window minimum
// followed by a rebound of at least Rebound from that minimum within the
// same window. Inter-bar closes only; intra-bar paths are not considered.
func BottomLabel(closes []float64, t int, params models.LabelParams) int {
	h := params.Lookahead
	n := len(closes)
	if t < 0 || t+h > n-1 || h <= 0 {
		return LabelPending
	}

	p0 := closes[t]
	if p0 == 0 {
		return 0
	}

	window := closes[t+1 : t+h+1]
	j := 0
	for k := 1; k < len(window); k++ {
		if window[k] < window[j] {
			j = k
		}
	}

	drop := (window[j] - p0) / p0
	if drop > -params.Drawdown {
		return 0
	}

	maxAfter := window[j]
	for k := j; k < len(window); k++ {
		if window[k] > maxAfter {
			maxAfter = window[k]
		}
	}
	if window[j] == 0 {
		return 0
	}
	rise := (maxAfter - window[j]) / window[j]
	if rise >= params.Rebound {
		return 1
	}
	return 0
}

// BottomLabels applies BottomLabel across the whole series. Trailing
// indexes without a full lookahead window carry LabelPending.
func BottomLabels(closes []float64, params models.LabelParams) []int {
	labels := make([]int, len(closes))
	for t := range closes {
		labels[t] = BottomLabel(closes, t, params)
	}
	return labels
}
