package stats

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
)

func TestMSEAndNRMSE(t *testing.T) {
	got := []float64{1, 2, 3, 4}
	want := []float64{1, 2, 3, 6}
	mse, err := MSE(got, want)
	if err != nil {
		t.Fatalf("mse: %v", err)
	}
	if !scalar.EqualWithinAbs(mse, 1, 1e-12) {
		t.Fatalf("unexpected mse: %f", mse)
	}

	nrmse, err := NRMSE(got, want)
	if err != nil {
		t.Fatalf("nrmse: %v", err)
	}
	// population std of {1,2,3,6} is sqrt(3.5)
	if !scalar.EqualWithinAbs(nrmse, 1/math.Sqrt(3.5), 1e-12) {
		t.Fatalf("unexpected nrmse: %f", nrmse)
	}

	if _, err := MSE([]float32{1}, []float32{1, 2}); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func TestNRMSEConstantTarget(t *testing.T) {
	nrmse, err := NRMSE([]float32{0, 2}, []float32{1, 1})
	if err != nil {
		t.Fatalf("nrmse: %v", err)
	}
	if !scalar.EqualWithinAbs(nrmse, 1, 1e-7) {
		t.Fatalf("expected plain rmse, got %f", nrmse)
	}
}

func TestTokenAndSentenceAccuracy(t *testing.T) {
	expected := [][]string{{"the", "dog", "ran"}, {"a", "cat"}}
	decoded := [][]string{{"the", "dog", "ran"}, {"a", "dog", "sat"}}
	if got := TokenAccuracy(decoded, expected); !scalar.EqualWithinAbs(got, 4.0/6.0, 1e-12) {
		t.Fatalf("unexpected token accuracy: %f", got)
	}
	if got := SentenceAccuracy(decoded, expected); got != 0.5 {
		t.Fatalf("unexpected sentence accuracy: %f", got)
	}
	if got := SentenceAccuracy(nil, nil); got != 1 {
		t.Fatalf("empty corpus should score 1, got %f", got)
	}
}
