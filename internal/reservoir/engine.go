package reservoir

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"

	"reservoir/internal/linalg"
	"reservoir/internal/nn"
)

// ProgressFunc receives coarse milestones: a phase name and the completed
// fraction of that phase in [0,1].
type ProgressFunc func(phase string, fraction float64)

const (
	PhaseSimulate   = "simulate"
	PhaseReshape    = "reshape"
	PhaseGram       = "gram"
	PhaseRegularize = "regularize"
	PhaseInvert     = "invert"
	PhaseProject    = "project"
	PhaseReadout    = "readout"
	// PhaseDecode is reported by callers that decode engine outputs.
	PhaseDecode = "decode"
)

type Options[T constraints.Float] struct {
	Backend      linalg.Backend[T]
	TileMultiple int
	Workers      int
	Logger       logrus.FieldLogger
	Progress     ProgressFunc
	Abort        *Abort
}

// Engine simulates a leaky-integrator reservoir and trains its readout. The
// current weights are swapped atomically, so a caller reading Weights never
// observes a partially built set.
type Engine[T constraints.Float] struct {
	cfg      Config
	act      func(T) T
	weights  atomic.Pointer[Weights[T]]
	mul      *linalg.Multiplier[T]
	workers  int
	logger   logrus.FieldLogger
	abort    *Abort
	progMu   sync.Mutex
	progress ProgressFunc
}

func NewEngine[T constraints.Float](cfg Config, opts Options[T]) (*Engine[T], error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, err := nn.GetTypedActivation[T](cfg.Activation)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine[T]{
		cfg:      cfg,
		act:      act,
		mul:      linalg.NewMultiplier[T](opts.Backend, linalg.MultiplierConfig{TileMultiple: opts.TileMultiple, Workers: workers}),
		workers:  workers,
		logger:   logger,
		abort:    opts.Abort,
		progress: opts.Progress,
	}, nil
}

func (e *Engine[T]) Config() Config { return e.cfg }

// Weights returns the current weights, or nil before Initialize or Load.
func (e *Engine[T]) Weights() *Weights[T] { return e.weights.Load() }

// Initialize draws fresh random weights for inputs of width inputDim.
func (e *Engine[T]) Initialize(inputDim int) error {
	w, err := Generate[T](e.cfg, inputDim)
	if err != nil {
		return err
	}
	e.weights.Store(w)
	e.logger.WithFields(logrus.Fields{
		"neurons":   e.cfg.Neurons,
		"input_dim": inputDim,
		"nonzero":   w.W.NonZero(),
	}).Debug("reservoir weights generated")
	return nil
}

// Load installs externally supplied weights after checking their shapes.
func (e *Engine[T]) Load(w *Weights[T]) error {
	if err := w.Validate(e.cfg.Neurons); err != nil {
		return err
	}
	e.weights.Store(w)
	return nil
}

// Simulate drives the reservoir over every example of input
// ([example][step][dim]) and returns the augmented state tensor
// [example][1+D+N][step].
func (e *Engine[T]) Simulate(ctx context.Context, input *linalg.Tensor3[T]) (*linalg.Tensor3[T], error) {
	ctx, cancel := e.abort.Bind(ctx)
	defer cancel()

	w := e.weights.Load()
	if err := e.checkInput(w, input, false); err != nil {
		return nil, err
	}
	states, _, err := e.run(ctx, w, input, nil)
	return states, err
}

// Test runs the reservoir with the trained readout and returns the output
// tensor [example][step][channel].
func (e *Engine[T]) Test(ctx context.Context, input *linalg.Tensor3[T]) (*linalg.Tensor3[T], error) {
	ctx, cancel := e.abort.Bind(ctx)
	defer cancel()

	w := e.weights.Load()
	if err := e.checkInput(w, input, true); err != nil {
		return nil, err
	}
	_, outputs, err := e.run(ctx, w, input, w.Wout)
	return outputs, err
}

func (e *Engine[T]) checkInput(w *Weights[T], input *linalg.Tensor3[T], needReadout bool) error {
	if w == nil {
		return fmt.Errorf("%w: weights are not initialized", ErrConfig)
	}
	if err := w.Validate(e.cfg.Neurons); err != nil {
		return err
	}
	if input == nil || input.Dim0 == 0 || input.Dim1 == 0 {
		return fmt.Errorf("%w: input batch is empty", ErrConfig)
	}
	if input.Dim2 != w.InputDim() {
		return fmt.Errorf("%w: input width %d does not match Win input width %d", ErrConfig, input.Dim2, w.InputDim())
	}
	if needReadout && !w.Trained() {
		return fmt.Errorf("%w: readout is not trained", ErrConfig)
	}
	return nil
}

// run simulates all examples on a worker pool. Timesteps inside one example
// are sequential; examples are independent. When wout is non-nil the output
// tensor is filled as well.
func (e *Engine[T]) run(ctx context.Context, w *Weights[T], input *linalg.Tensor3[T], wout *linalg.Dense[T]) (*linalg.Tensor3[T], *linalg.Tensor3[T], error) {
	examples, steps, dim := input.Dim0, input.Dim1, input.Dim2
	n := w.Neurons()
	stateDim := 1 + dim + n

	states := linalg.NewTensor3[T](examples, stateDim, steps)
	var outputs *linalg.Tensor3[T]
	if wout != nil {
		outputs = linalg.NewTensor3[T](examples, steps, wout.Rows)
	}
	recurrent := compressRows(w.W)

	jobs := make(chan int)
	errs := make(chan error, examples)
	var done atomic.Int64

	workerCount := min(e.workers, examples)
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for ex := range jobs {
				if err := checkpoint(ctx, PhaseSimulate); err != nil {
					errs <- err
					continue
				}
				e.simulateExample(w, recurrent, input, ex, states, wout, outputs)
				e.report(PhaseSimulate, float64(done.Add(1))/float64(examples))
			}
		}()
	}
	for ex := 0; ex < examples; ex++ {
		jobs <- ex
	}
	close(jobs)
	wg.Wait()
	close(errs)

	if err, ok := <-errs; ok {
		return nil, nil, err
	}
	return states, outputs, nil
}

func (e *Engine[T]) simulateExample(w *Weights[T], recurrent []sparseRow[T], input *linalg.Tensor3[T], ex int, states *linalg.Tensor3[T], wout *linalg.Dense[T], outputs *linalg.Tensor3[T]) {
	dim := input.Dim2
	n := w.Neurons()
	steps := input.Dim1
	leak := T(e.cfg.LeakRate)
	keep := 1 - leak

	x := make([]T, n)
	pre := make([]T, n)
	u := make([]T, 1+dim)
	aug := make([]T, 1+dim+n)
	slab := states.Plane(ex)

	for t := 0; t < steps; t++ {
		u[0] = 1
		copy(u[1:], input.Vector(ex, t))
		w.Win.MulVec(pre, u)
		for i, row := range recurrent {
			sum := pre[i]
			for k, j := range row.cols {
				sum += row.vals[k] * x[j]
			}
			pre[i] = sum
		}
		for i := range x {
			x[i] = keep*x[i] + leak*e.act(pre[i])
		}

		copy(aug, u)
		copy(aug[1+dim:], x)
		for r, v := range aug {
			slab.Data[r*steps+t] = v
		}
		if wout != nil {
			wout.MulVec(outputs.Vector(ex, t), aug)
		}
	}
}

func (e *Engine[T]) report(phase string, fraction float64) {
	if e.progress != nil {
		e.progMu.Lock()
		e.progress(phase, fraction)
		e.progMu.Unlock()
	}
	e.logger.WithFields(logrus.Fields{"phase": phase, "fraction": fraction}).Debug("progress")
}
