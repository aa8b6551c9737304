package reservoir

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"reservoir/internal/linalg"
)

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func handWeights() *Weights[float64] {
	return &Weights[float64]{
		W: linalg.NewDense[float64](2, 2, []float64{
			0, 0.5,
			-0.5, 0,
		}),
		Win: linalg.NewDense[float64](2, 2, []float64{
			0.1, 1,
			0.2, -1,
		}),
	}
}

func handInput() *linalg.Tensor3[float64] {
	input, _ := linalg.Tensor3From([][][]float64{{{1}, {0}, {2}}})
	return input
}

func newHandEngine(t *testing.T, leak float64) *Engine[float64] {
	t.Helper()
	cfg := Config{Neurons: 2, LeakRate: leak, Sparsity: 1, Ridge: 1e-3, SpectralRadius: 1, InputScaling: 1}
	engine, err := NewEngine[float64](cfg, Options[float64]{Logger: quietLogger(), Workers: 2})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Load(handWeights()); err != nil {
		t.Fatalf("load weights: %v", err)
	}
	return engine
}

func TestSimulateWithoutLeakMatchesHandTrace(t *testing.T) {
	engine := newHandEngine(t, 1)
	states, err := engine.Simulate(context.Background(), handInput())
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if states.Dim0 != 1 || states.Dim1 != 4 || states.Dim2 != 3 {
		t.Fatalf("unexpected state dims: %dx%dx%d", states.Dim0, states.Dim1, states.Dim2)
	}

	x0 := []float64{math.Tanh(0.1 + 1), math.Tanh(0.2 - 1)}
	x1 := []float64{math.Tanh(0.1 + 0.5*x0[1]), math.Tanh(0.2 - 0.5*x0[0])}
	x2 := []float64{math.Tanh(0.1 + 2 + 0.5*x1[1]), math.Tanh(0.2 - 2 - 0.5*x1[0])}
	want := [][]float64{
		{1, 1, x0[0], x0[1]},
		{1, 0, x1[0], x1[1]},
		{1, 2, x2[0], x2[1]},
	}
	for step, column := range want {
		for row, v := range column {
			if got := states.At(0, row, step); math.Abs(got-v) > 1e-15 {
				t.Fatalf("state[%d][%d]: got=%.17g want=%.17g", row, step, got, v)
			}
		}
	}
}

func TestSimulateLeakBlendsPreviousState(t *testing.T) {
	const leak = 0.25
	engine := newHandEngine(t, leak)
	states, err := engine.Simulate(context.Background(), handInput())
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}

	x0 := []float64{leak * math.Tanh(1.1), leak * math.Tanh(-0.8)}
	x1 := []float64{
		(1-leak)*x0[0] + leak*math.Tanh(0.1+0.5*x0[1]),
		(1-leak)*x0[1] + leak*math.Tanh(0.2-0.5*x0[0]),
	}
	if got := states.At(0, 2, 1); math.Abs(got-x1[0]) > 1e-15 {
		t.Fatalf("x1[0]: got=%g want=%g", got, x1[0])
	}
	if got := states.At(0, 3, 1); math.Abs(got-x1[1]) > 1e-15 {
		t.Fatalf("x1[1]: got=%g want=%g", got, x1[1])
	}
}

func TestGenerateSparsityConverges(t *testing.T) {
	cfg := Config{Neurons: 2000, Sparsity: 0.01, SpectralRadius: 1, InputScaling: 1, LeakRate: 1, Ridge: 1, Seed: 5}
	w, err := Generate[float64](cfg, 3)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	fraction := float64(w.W.NonZero()) / float64(len(w.W.Data))
	if math.Abs(fraction-0.01)/0.01 > 0.2 {
		t.Fatalf("nonzero fraction %f not within 20%% of 0.01", fraction)
	}
	for _, v := range w.W.Data {
		if v < -0.5 || v > 0.5 {
			t.Fatalf("recurrent weight %f outside [-0.5,0.5]", v)
		}
	}
	for _, v := range w.Win.Data {
		if v < 0 || v > 1 {
			t.Fatalf("input weight %f outside [0,1]", v)
		}
	}
	if w.Win.Rows != 2000 || w.Win.Cols != 4 {
		t.Fatalf("unexpected Win dims: %dx%d", w.Win.Rows, w.Win.Cols)
	}
}

func TestNormalizeDefaultsSparsity(t *testing.T) {
	cfg := Config{Neurons: 200}.Normalize()
	if cfg.Sparsity != 0.05 {
		t.Fatalf("expected 10/N sparsity, got %f", cfg.Sparsity)
	}
	if cfg.Activation != "tanh" {
		t.Fatalf("expected tanh default, got %s", cfg.Activation)
	}
	small := Config{Neurons: 4}.Normalize()
	if small.Sparsity != 1 {
		t.Fatalf("expected sparsity capped at 1, got %f", small.Sparsity)
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{Neurons: 10, LeakRate: 0.5, Sparsity: 0.1, Ridge: 1e-4, Activation: "tanh"}
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "neurons", mutate: func(c *Config) { c.Neurons = 0 }},
		{name: "leak-zero", mutate: func(c *Config) { c.LeakRate = 0 }},
		{name: "leak-above-one", mutate: func(c *Config) { c.LeakRate = 1.5 }},
		{name: "sparsity", mutate: func(c *Config) { c.Sparsity = 2 }},
		{name: "ridge", mutate: func(c *Config) { c.Ridge = 0 }},
		{name: "activation", mutate: func(c *Config) { c.Activation = "cubic" }},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got: %v", err)
			}
		})
	}
}

func randomBatch(rng *rand.Rand, examples, steps, dim int) *linalg.Tensor3[float64] {
	batch := linalg.NewTensor3[float64](examples, steps, dim)
	for i := range batch.Data {
		batch.Data[i] = rng.Float64()
	}
	return batch
}

func TestSimulateIsDeterministic(t *testing.T) {
	cfg := Config{Neurons: 40, SpectralRadius: 1.2, InputScaling: 0.8, LeakRate: 0.3, Ridge: 1e-4, Seed: 9}
	engine, err := NewEngine[float64](cfg, Options[float64]{Logger: quietLogger(), Workers: 4})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Initialize(3); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	input := randomBatch(rand.New(rand.NewSource(2)), 6, 12, 3)

	first, err := engine.Simulate(context.Background(), input)
	if err != nil {
		t.Fatalf("first simulate: %v", err)
	}
	second, err := engine.Simulate(context.Background(), input)
	if err != nil {
		t.Fatalf("second simulate: %v", err)
	}
	if !reflect.DeepEqual(first.Data, second.Data) {
		t.Fatal("state tensors differ between identical runs")
	}
}

func TestLoadRejectsInconsistentWeights(t *testing.T) {
	engine, err := NewEngine[float64](Config{Neurons: 3, LeakRate: 1, Sparsity: 1, Ridge: 1}, Options[float64]{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	err = engine.Load(handWeights())
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got: %v", err)
	}
	if engine.Weights() != nil {
		t.Fatal("rejected weights must not be installed")
	}
}

func TestSimulateRejectsWrongInputWidth(t *testing.T) {
	engine := newHandEngine(t, 1)
	_, err := engine.Simulate(context.Background(), linalg.NewTensor3[float64](1, 3, 2))
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got: %v", err)
	}
}

func TestTestRequiresTrainedReadout(t *testing.T) {
	engine := newHandEngine(t, 1)
	_, err := engine.Test(context.Background(), handInput())
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got: %v", err)
	}
}

func TestAbortFlagStopsSimulation(t *testing.T) {
	abort := &Abort{}
	cfg := Config{Neurons: 2, LeakRate: 1, Sparsity: 1, Ridge: 1}
	engine, err := NewEngine[float64](cfg, Options[float64]{Logger: quietLogger(), Abort: abort})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Load(handWeights()); err != nil {
		t.Fatalf("load: %v", err)
	}

	abort.Set()
	if _, err := engine.Simulate(context.Background(), handInput()); !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got: %v", err)
	}

	abort.Reset()
	if _, err := engine.Simulate(context.Background(), handInput()); err != nil {
		t.Fatalf("simulate after reset: %v", err)
	}
}

func TestAbortBindCancelsLiveContexts(t *testing.T) {
	abort := &Abort{}
	ctx, cancel := abort.Bind(context.Background())
	defer cancel()
	if ctx.Err() != nil {
		t.Fatal("fresh context should be live")
	}
	abort.Set()
	if ctx.Err() == nil {
		t.Fatal("expected bound context to be cancelled")
	}
	if !abort.IsSet() {
		t.Fatal("expected flag to be set")
	}
}
