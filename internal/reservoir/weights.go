package reservoir

import (
	"fmt"
	"math/rand"

	"golang.org/x/exp/constraints"

	"reservoir/internal/linalg"
)

// Weights bundles the matrices of one run. A Weights value is never modified
// after it is handed to an Engine; retraining produces a new value.
type Weights[T constraints.Float] struct {
	// W is the N×N recurrent matrix.
	W *linalg.Dense[T]
	// Win is N×(1+D); column 0 multiplies the bias.
	Win *linalg.Dense[T]
	// Wout is C×(1+D+N) and nil until trained.
	Wout *linalg.Dense[T]
}

// Generate draws fresh W and Win from cfg.Seed. Each recurrent cell is
// nonzero with probability cfg.Sparsity and then uniform in
// [-0.5,0.5]·SpectralRadius; input cells are uniform in [0,1]·InputScaling.
func Generate[T constraints.Float](cfg Config, inputDim int) (*Weights[T], error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if inputDim <= 0 {
		return nil, fmt.Errorf("%w: input dimension must be positive, got %d", ErrConfig, inputDim)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	n := cfg.Neurons
	w := linalg.NewDense[T](n, n, nil)
	for i := range w.Data {
		if rng.Float64() < cfg.Sparsity {
			w.Data[i] = T((rng.Float64() - 0.5) * cfg.SpectralRadius)
		}
	}
	win := linalg.NewDense[T](n, inputDim+1, nil)
	for i := range win.Data {
		win.Data[i] = T(rng.Float64() * cfg.InputScaling)
	}
	return &Weights[T]{W: w, Win: win}, nil
}

func (w *Weights[T]) Neurons() int { return w.W.Rows }

// InputDim is the input width D, excluding the bias column.
func (w *Weights[T]) InputDim() int { return w.Win.Cols - 1 }

// StateDim is the augmented state width 1+D+N.
func (w *Weights[T]) StateDim() int { return 1 + w.InputDim() + w.Neurons() }

func (w *Weights[T]) Trained() bool { return w.Wout != nil }

// Validate checks the matrices against each other and the neuron count.
func (w *Weights[T]) Validate(neurons int) error {
	if w == nil || w.W == nil || w.Win == nil {
		return fmt.Errorf("%w: W and Win are required", ErrConfig)
	}
	if w.W.Rows != neurons || w.W.Cols != neurons {
		return fmt.Errorf("%w: W is %dx%d, want %dx%d", ErrConfig, w.W.Rows, w.W.Cols, neurons, neurons)
	}
	if w.Win.Rows != neurons {
		return fmt.Errorf("%w: Win has %d rows, want %d", ErrConfig, w.Win.Rows, neurons)
	}
	if w.Win.Cols < 2 {
		return fmt.Errorf("%w: Win needs a bias column and at least one input column, has %d", ErrConfig, w.Win.Cols)
	}
	if w.Wout != nil && w.Wout.Cols != w.StateDim() {
		return fmt.Errorf("%w: Wout has %d columns, want %d", ErrConfig, w.Wout.Cols, w.StateDim())
	}
	return nil
}

// WithReadout returns a copy of w sharing W and Win with the given readout.
func (w *Weights[T]) WithReadout(wout *linalg.Dense[T]) *Weights[T] {
	return &Weights[T]{W: w.W, Win: w.Win, Wout: wout}
}

// sparseRow holds the nonzero entries of one recurrent row.
type sparseRow[T constraints.Float] struct {
	cols []int
	vals []T
}

func compressRows[T constraints.Float](m *linalg.Dense[T]) []sparseRow[T] {
	rows := make([]sparseRow[T], m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j, v := range m.Row(i) {
			if v != 0 {
				rows[i].cols = append(rows[i].cols, j)
				rows[i].vals = append(rows[i].vals, v)
			}
		}
	}
	return rows
}
