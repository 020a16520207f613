package ml

import (
	"math"
	"testing"
)

func TestBrier(t *testing.T) {
	if got := Brier([]float64{1, 0, 1}, []int{1, 0, 1}); got != 0 {
		t.Errorf("perfect predictions should score 0, got %f", got)
	}
	if got := Brier([]float64{0.5, 0.5}, []int{1, 0}); math.Abs(got-0.25) > 1e-12 {
		t.Errorf("coin-flip predictions should score 0.25, got %f", got)
	}
	if got := Brier(nil, nil); got != 0 {
		t.Errorf("empty input should score 0, got %f", got)
	}
}

func TestAUC(t *testing.T) {
	if got := AUC([]float64{0.9, 0.8, 0.2, 0.1}, []int{1, 1, 0, 0}); got != 1.0 {
		t.Errorf("perfect separation should score 1.0, got %f", got)
	}
	if got := AUC([]float64{0.1, 0.2, 0.8, 0.9}, []int{1, 1, 0, 0}); got != 0.0 {
		t.Errorf("inverted separation should score 0.0, got %f", got)
	}
	if got := AUC([]float64{0.5, 0.5}, []int{1, 1}); got != 0.5 {
		t.Errorf("single class should score 0.5, got %f", got)
	}
	// Ties split the ranks.
	if got := AUC([]float64{0.5, 0.5}, []int{1, 0}); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("full tie should score 0.5, got %f", got)
	}
}

func TestReliabilityECE(t *testing.T) {
	probs := []float64{0.05, 0.05, 0.05, 0.95, 0.95, 0.95}
	outcomes := []int{0, 0, 0, 1, 1, 1}

	bins, ece, mce := Reliability(probs, outcomes, 10, 3)
	if len(bins) != 2 {
		t.Fatalf("expected 2 populated bins, got %d", len(bins))
	}
	if math.Abs(ece-0.05) > 1e-9 {
		t.Errorf("ECE = %f, want 0.05", ece)
	}
	if math.Abs(mce-0.05) > 1e-9 {
		t.Errorf("MCE = %f, want 0.05", mce)
	}
	if bins[0].Count != 3 || bins[1].Count != 3 {
		t.Errorf("bin counts %d/%d, want 3/3", bins[0].Count, bins[1].Count)
	}
}

func TestReliabilityAdjacentMerge(t *testing.T) {
	// Each raw bin holds fewer samples than the minimum; everything merges
	// forward into a single full-range bin.
	probs := []float64{0.05, 0.35, 0.65, 0.95}
	outcomes := []int{0, 0, 1, 1}

	bins, ece, _ := Reliability(probs, outcomes, 10, 5)
	if len(bins) != 1 {
		t.Fatalf("expected a single merged bin, got %d", len(bins))
	}
	if bins[0].Low != 0 || bins[0].High != 1.0 {
		t.Errorf("merged bin spans [%f, %f], want [0, 1]", bins[0].Low, bins[0].High)
	}
	if bins[0].Count != 4 {
		t.Errorf("merged bin count %d, want 4", bins[0].Count)
	}
	// Mean predicted 0.5 vs empirical 0.5: perfectly calibrated in aggregate.
	if math.Abs(ece) > 1e-9 {
		t.Errorf("ECE = %f, want 0", ece)
	}
}

func TestReliabilityTopEdge(t *testing.T) {
	// p == 1.0 must land in the top bin, not out of range.
	bins, _, _ := Reliability([]float64{1.0, 1.0, 1.0}, []int{1, 1, 1}, 10, 1)
	if len(bins) == 0 {
		t.Fatal("expected at least one bin")
	}
	top := bins[len(bins)-1]
	if top.Count != 3 {
		t.Errorf("top bin count %d, want 3", top.Count)
	}
}
