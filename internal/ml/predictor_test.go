package ml

import (
	"testing"
)

func separableDataset() ([][]float64, []int, []string) {
	names := []string{"dip", "noise"}
	var X [][]float64
	var y []int
	for i := 0; i < 20; i++ {
		X = append(X, []float64{0.1 + 0.01*float64(i%5), 0.5})
		y = append(y, 0)
		X = append(X, []float64{0.9 + 0.01*float64(i%5), 0.5})
		y = append(y, 1)
	}
	return X, y, names
}

func TestFitSeparable(t *testing.T) {
	X, y, names := separableDataset()
	p := DefaultFitParams()
	p.Rounds = 20

	model, err := Fit(X, y, names, p)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if len(model.Stumps) == 0 {
		t.Fatal("expected at least one stump")
	}

	lo, err := model.Predict(map[string]float64{"dip": 0.1, "noise": 0.5})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	hi, err := model.Predict(map[string]float64{"dip": 0.9, "noise": 0.5})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if hi <= lo {
		t.Errorf("expected higher probability for the positive region: lo=%f hi=%f", lo, hi)
	}
	if lo > 0.5 || hi < 0.5 {
		t.Errorf("separable classes should straddle 0.5: lo=%f hi=%f", lo, hi)
	}
}

func TestFitDeterministic(t *testing.T) {
	X, y, names := separableDataset()
	p := DefaultFitParams()
	p.Rounds = 10

	a, err := Fit(X, y, names, p)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	b, err := Fit(X, y, names, p)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	pa, _ := a.Predict(map[string]float64{"dip": 0.42, "noise": 0.5})
	pb, _ := b.Predict(map[string]float64{"dip": 0.42, "noise": 0.5})
	if pa != pb {
		t.Errorf("same seed must reproduce predictions: %f vs %f", pa, pb)
	}
}

func TestFitDegenerate(t *testing.T) {
	X := [][]float64{{1}, {2}}
	if _, err := Fit(X, []int{0, 0}, []string{"f"}, DefaultFitParams()); err == nil {
		t.Error("single-class training set must fail")
	}
	if _, err := Fit(nil, nil, []string{"f"}, DefaultFitParams()); err == nil {
		t.Error("empty training set must fail")
	}
}

func TestModelCodecRoundtrip(t *testing.T) {
	X, y, names := separableDataset()
	p := DefaultFitParams()
	p.Rounds = 10
	model, err := Fit(X, y, names, p)
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}

	blob, err := model.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	restored, err := DecodeModel(blob)
	if err != nil {
		t.Fatalf("DecodeModel failed: %v", err)
	}

	in := map[string]float64{"dip": 0.73, "noise": 0.5}
	want, _ := model.Predict(in)
	got, err := restored.Predict(in)
	if err != nil {
		t.Fatalf("restored Predict failed: %v", err)
	}
	if got != want {
		t.Errorf("roundtrip changed prediction: %f vs %f", got, want)
	}
}

func TestDecodeModelRejectsUnknownVariant(t *testing.T) {
	if _, err := DecodeModel([]byte(`{"variant":"mystery"}`)); err == nil {
		t.Error("unknown variant must fail to decode")
	}
	if _, err := DecodeModel([]byte(`not json`)); err == nil {
		t.Error("malformed blob must fail to decode")
	}
}

func TestPredictMissingFeature(t *testing.T) {
	X, y, names := separableDataset()
	model, err := Fit(X, y, names, DefaultFitParams())
	if err != nil {
		t.Fatalf("Fit failed: %v", err)
	}
	if _, err := model.Predict(map[string]float64{"noise": 0.5}); err == nil {
		t.Error("missing trained feature must fail")
	}
}
