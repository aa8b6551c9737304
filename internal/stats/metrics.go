package stats

import (
	"fmt"
	"math"
	"slices"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func widen[T constraints.Float](values []T) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

// MSE is the mean squared difference between got and want.
func MSE[T constraints.Float](got, want []T) (float64, error) {
	if len(got) != len(want) {
		return 0, fmt.Errorf("mse length mismatch: got=%d want=%d", len(got), len(want))
	}
	if len(got) == 0 {
		return 0, nil
	}
	d := floats.Distance(widen(got), widen(want), 2)
	return d * d / float64(len(got)), nil
}

// NRMSE is the root mean squared error normalised by the standard deviation
// of want. A constant target falls back to the plain RMSE.
func NRMSE[T constraints.Float](got, want []T) (float64, error) {
	mse, err := MSE(got, want)
	if err != nil {
		return 0, err
	}
	rmse := math.Sqrt(mse)
	if len(want) < 2 {
		return rmse, nil
	}
	std := stat.PopStdDev(widen(want), nil)
	if std == 0 {
		return rmse, nil
	}
	return rmse / std, nil
}

// TokenAccuracy compares decoded and expected sentences position by
// position. Missing and surplus tokens both count as errors.
func TokenAccuracy(decoded, expected [][]string) float64 {
	total, correct := 0, 0
	for i := range expected {
		var got []string
		if i < len(decoded) {
			got = decoded[i]
		}
		total += max(len(got), len(expected[i]))
		for j := 0; j < min(len(got), len(expected[i])); j++ {
			if got[j] == expected[i][j] {
				correct++
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(correct) / float64(total)
}

// SentenceAccuracy is the fraction of examples decoded exactly.
func SentenceAccuracy(decoded, expected [][]string) float64 {
	if len(expected) == 0 {
		return 1
	}
	exact := 0
	for i := range expected {
		if i < len(decoded) && slices.Equal(decoded[i], expected[i]) {
			exact++
		}
	}
	return float64(exact) / float64(len(expected))
}
