package ml

import (
	"math"
	"sort"

	"github.com/sawpanic/bottomrun/internal/models"
)

// Brier is the mean squared error between probabilities and outcomes.
func Brier(probs []float64, outcomes []int) float64 {
	if len(probs) == 0 {
		return 0
	}
	var sum float64
	for i, p := range probs {
		d := p - float64(outcomes[i])
		sum += d * d
	}
	return sum / float64(len(probs))
}

// AUC computes the area under the ROC curve via the rank statistic, with
// tie correction. Returns 0.5 when one class is absent.
func AUC(probs []float64, outcomes []int) float64 {
	type pair struct {
		p float64
		y int
	}
	pairs := make([]pair, len(probs))
	pos, neg := 0, 0
	for i := range probs {
		pairs[i] = pair{probs[i], outcomes[i]}
		if outcomes[i] == 1 {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return 0.5
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].p < pairs[j].p })

	// Average ranks across ties.
	ranks := make([]float64, len(pairs))
	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].p == pairs[i].p {
			j++
		}
		avg := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		i = j
	}

	var rankSum float64
	for i, pr := range pairs {
		if pr.y == 1 {
			rankSum += ranks[i]
		}
	}
	return (rankSum - float64(pos)*float64(pos+1)/2) / (float64(pos) * float64(neg))
}

// PRAUC computes the area under the precision-recall curve by trapezoid
// over recall, descending threshold sweep.
func PRAUC(probs []float64, outcomes []int) float64 {
	type pair struct {
		p float64
		y int
	}
	pairs := make([]pair, len(probs))
	totalPos := 0
	for i := range probs {
		pairs[i] = pair{probs[i], outcomes[i]}
		if outcomes[i] == 1 {
			totalPos++
		}
	}
	if totalPos == 0 {
		return 0
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].p > pairs[j].p })

	var area, prevRecall float64
	tp, fp := 0, 0
	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].p == pairs[i].p {
			if pairs[j].y == 1 {
				tp++
			} else {
				fp++
			}
			j++
		}
		recall := float64(tp) / float64(totalPos)
		precision := float64(tp) / float64(tp+fp)
		area += (recall - prevRecall) * precision
		prevRecall = recall
		i = j
	}
	return area
}

// Reliability bins probabilities into equal-width buckets over [0,1] and
// merges adjacent bins forward until each holds at least minBinSamples.
// Returns the merged bins plus ECE and MCE.
func Reliability(probs []float64, outcomes []int, bins, minBinSamples int) ([]models.ReliabilityBin, float64, float64) {
	if bins <= 0 {
		bins = 10
	}
	width := 1.0 / float64(bins)

	raw := make([]models.ReliabilityBin, bins)
	for b := range raw {
		raw[b].Low = float64(b) * width
		raw[b].High = float64(b+1) * width
	}
	sums := make([]float64, bins)
	hits := make([]float64, bins)
	for i, p := range probs {
		b := int(p / width)
		if b >= bins {
			b = bins - 1 // p == 1.0 falls in the top bin
		}
		raw[b].Count++
		sums[b] += p
		hits[b] += float64(outcomes[i])
	}

	// Adjacent-merge forward to reach the minimum; a trailing undersized
	// remainder merges back into the previous kept bin.
	var merged []models.ReliabilityBin
	var accCount int
	var accSum, accHits float64
	var accLow float64 = 0
	flush := func(high float64) {
		if accCount == 0 {
			return
		}
		merged = append(merged, models.ReliabilityBin{
			Low:           accLow,
			High:          high,
			Count:         accCount,
			MeanPredProb:  accSum / float64(accCount),
			EmpiricalProb: accHits / float64(accCount),
		})
		accCount, accSum, accHits = 0, 0, 0
		accLow = high
	}
	for b := 0; b < bins; b++ {
		accCount += raw[b].Count
		accSum += sums[b]
		accHits += hits[b]
		if minBinSamples <= 0 || accCount >= minBinSamples {
			flush(raw[b].High)
		}
	}
	if accCount > 0 {
		if len(merged) > 0 && accCount < minBinSamples {
			last := merged[len(merged)-1]
			total := last.Count + accCount
			merged[len(merged)-1] = models.ReliabilityBin{
				Low:           last.Low,
				High:          1.0,
				Count:         total,
				MeanPredProb:  (last.MeanPredProb*float64(last.Count) + accSum) / float64(total),
				EmpiricalProb: (last.EmpiricalProb*float64(last.Count) + accHits) / float64(total),
			}
		} else {
			flush(1.0)
		}
	}

	n := float64(len(probs))
	var ece, mce float64
	for _, bin := range merged {
		gap := math.Abs(bin.MeanPredProb - bin.EmpiricalProb)
		ece += float64(bin.Count) / n * gap
		if gap > mce {
			mce = gap
		}
	}
	return merged, ece, mce
}
