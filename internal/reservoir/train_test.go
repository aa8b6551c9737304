package reservoir

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"

	"reservoir/internal/linalg"
)

// separableBatch builds 2 examples × 4 steps of 3-wide input whose teacher
// is a one-hot over 5 channels.
func separableBatch() (*linalg.Tensor3[float64], *linalg.Tensor3[float64]) {
	rng := rand.New(rand.NewSource(21))
	input := randomBatch(rng, 2, 4, 3)
	teacher := linalg.NewTensor3[float64](2, 4, 5)
	for ex := 0; ex < 2; ex++ {
		for step := 0; step < 4; step++ {
			teacher.Set(ex, step, (ex*4+step)%5, 1)
		}
	}
	return input, teacher
}

func trainAndTest(t *testing.T, ridge float64, input, teacher *linalg.Tensor3[float64]) *linalg.Tensor3[float64] {
	t.Helper()
	cfg := Config{Neurons: 50, SpectralRadius: 1, InputScaling: 1, LeakRate: 0.5, Ridge: ridge, Seed: 3}
	engine, err := NewEngine[float64](cfg, Options[float64]{Logger: quietLogger(), Workers: 2, TileMultiple: 1})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Initialize(input.Dim2); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := engine.Train(context.Background(), input, teacher); err != nil {
		t.Fatalf("train ridge=%g: %v", ridge, err)
	}
	out, err := engine.Test(context.Background(), input)
	if err != nil {
		t.Fatalf("test ridge=%g: %v", ridge, err)
	}
	return out
}

func TestTrainingErrorShrinksWithRidge(t *testing.T) {
	input, teacher := separableBatch()
	ridges := []float64{1, 1e-1, 1e-2, 1e-3, 1e-4, 1e-5, 1e-6}
	errs := make([]float64, len(ridges))
	for i, ridge := range ridges {
		out := trainAndTest(t, ridge, input, teacher)
		if out.Dim0 != 2 || out.Dim1 != 4 || out.Dim2 != 5 {
			t.Fatalf("unexpected output dims: %dx%dx%d", out.Dim0, out.Dim1, out.Dim2)
		}
		errs[i] = floats.Distance(out.Data, teacher.Data, 2)
	}
	for i := 1; i < len(errs); i++ {
		if errs[i] > errs[i-1]+1e-12 {
			t.Fatalf("error rose from %g (ridge=%g) to %g (ridge=%g)", errs[i-1], ridges[i-1], errs[i], ridges[i])
		}
	}
	if errs[len(errs)-1] >= errs[0] {
		t.Fatalf("expected smaller ridge to fit better: %g vs %g", errs[len(errs)-1], errs[0])
	}
}

func TestTrainFloat32(t *testing.T) {
	input64, teacher64 := separableBatch()
	input := linalg.NewTensor3[float32](input64.Dim0, input64.Dim1, input64.Dim2)
	for i, v := range input64.Data {
		input.Data[i] = float32(v)
	}
	teacher := linalg.NewTensor3[float32](teacher64.Dim0, teacher64.Dim1, teacher64.Dim2)
	for i, v := range teacher64.Data {
		teacher.Data[i] = float32(v)
	}

	cfg := Config{Neurons: 30, SpectralRadius: 1, InputScaling: 1, LeakRate: 0.5, Ridge: 1e-3, Seed: 3}
	engine, err := NewEngine[float32](cfg, Options[float32]{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Initialize(3); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	result, err := engine.Train(context.Background(), input, teacher)
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if result.Weights.Wout.Rows != 5 || result.Weights.Wout.Cols != 1+3+30 {
		t.Fatalf("unexpected Wout dims: %dx%d", result.Weights.Wout.Rows, result.Weights.Wout.Cols)
	}
	out, err := engine.Test(context.Background(), input)
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	var residual, baseline float64
	for i, v := range out.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("output %d is not finite", i)
		}
		diff := float64(v - teacher.Data[i])
		residual += diff * diff
		baseline += float64(teacher.Data[i] * teacher.Data[i])
	}
	if residual >= baseline {
		t.Fatalf("trained readout should beat a zero readout: residual=%g baseline=%g", residual, baseline)
	}
}

func TestTrainRejectsMismatchedTeacher(t *testing.T) {
	input, _ := separableBatch()
	engine, err := NewEngine[float64](Config{Neurons: 10, LeakRate: 1, Ridge: 1}, Options[float64]{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Initialize(3); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	_, err = engine.Train(context.Background(), input, linalg.NewTensor3[float64](2, 3, 5))
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got: %v", err)
	}
}

type brokenSVD[T constraints.Float] struct {
	linalg.GonumBackend[T]
}

func (brokenSVD[T]) SVD(*linalg.Dense[T]) (*linalg.Dense[T], []T, *linalg.Dense[T], error) {
	return nil, nil, nil, errors.New("accelerator unavailable")
}

func TestTrainNumericalFailureKeepsPreviousWeights(t *testing.T) {
	input, teacher := separableBatch()
	cfg := Config{Neurons: 10, LeakRate: 1, Ridge: 1, Seed: 1}
	engine, err := NewEngine[float64](cfg, Options[float64]{Logger: quietLogger(), Backend: brokenSVD[float64]{}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Initialize(3); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	before := engine.Weights()

	_, err = engine.Train(context.Background(), input, teacher)
	if !errors.Is(err, ErrNumerical) {
		t.Fatalf("expected ErrNumerical, got: %v", err)
	}
	if engine.Weights() != before || engine.Weights().Trained() {
		t.Fatal("failed training must leave prior weights installed")
	}
}

func TestTrainAbortedReturnsNoReadout(t *testing.T) {
	input, teacher := separableBatch()
	abort := &Abort{}
	var phases []string
	cfg := Config{Neurons: 10, LeakRate: 1, Ridge: 1, Seed: 1}
	engine, err := NewEngine[float64](cfg, Options[float64]{
		Logger:  quietLogger(),
		Abort:   abort,
		Workers: 1,
		Progress: func(phase string, fraction float64) {
			phases = append(phases, phase)
			if phase == PhaseSimulate && fraction == 1 {
				abort.Set()
			}
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Initialize(3); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	result, err := engine.Train(context.Background(), input, teacher)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got: %v", err)
	}
	if result != nil {
		t.Fatalf("expected no result on abort, got %+v", result)
	}
	if engine.Weights().Trained() {
		t.Fatal("aborted training must not install a readout")
	}
	for _, phase := range phases {
		if phase == PhaseReadout {
			t.Fatal("readout phase should not start after abort")
		}
	}
}

func TestTrainReportsProgress(t *testing.T) {
	input, teacher := separableBatch()
	var last float64
	seen := map[string]bool{}
	rank := map[string]int{
		PhaseSimulate: 0, PhaseReshape: 1, PhaseGram: 2, PhaseRegularize: 3,
		PhaseInvert: 4, PhaseProject: 5, PhaseReadout: 6,
	}
	var order []int
	var names []string
	cfg := Config{Neurons: 10, LeakRate: 1, Ridge: 1, Seed: 1}
	engine, err := NewEngine[float64](cfg, Options[float64]{
		Logger:  quietLogger(),
		Workers: 1,
		Progress: func(phase string, fraction float64) {
			seen[phase] = true
			order = append(order, rank[phase])
			names = append(names, phase)
			if phase == PhaseReadout {
				last = fraction
			}
		},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Initialize(3); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := engine.Train(context.Background(), input, teacher); err != nil {
		t.Fatalf("train: %v", err)
	}
	for _, phase := range []string{PhaseSimulate, PhaseReshape, PhaseGram, PhaseRegularize, PhaseInvert, PhaseProject, PhaseReadout} {
		if !seen[phase] {
			t.Fatalf("missing milestone %q: %+v", phase, seen)
		}
	}
	for i := 1; i < len(order); i++ {
		if order[i] < order[i-1] {
			t.Fatalf("milestones out of order: %v", names)
		}
	}
	if math.Abs(last-1) > 1e-12 {
		t.Fatalf("expected readout to finish at 1, got %f", last)
	}
}

func TestFlattenPreservesExampleMajorOrder(t *testing.T) {
	states := linalg.NewTensor3[float64](2, 3, 4)
	for ex := 0; ex < 2; ex++ {
		for row := 0; row < 3; row++ {
			for step := 0; step < 4; step++ {
				states.Set(ex, row, step, float64(ex*100+row*10+step))
			}
		}
	}
	flat := linalg.FlattenColumns(states)
	if flat.Rows != 3 || flat.Cols != 8 {
		t.Fatalf("unexpected dims: %dx%d", flat.Rows, flat.Cols)
	}
	if got := flat.At(2, 5); got != 121 {
		t.Fatalf("column 5 row 2: got=%f want=121", got)
	}

	teacher := linalg.NewTensor3[float64](2, 4, 2)
	teacher.Set(1, 1, 0, 7)
	rows := linalg.FlattenRows(teacher)
	if rows.Rows != 8 || rows.At(5, 0) != 7 {
		t.Fatalf("unexpected row flatten: %+v", rows)
	}
}
