package reservoir

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"

	"reservoir/internal/linalg"
)

// TrainResult describes one completed readout fit.
type TrainResult[T constraints.Float] struct {
	Weights *Weights[T]
	States  *linalg.Tensor3[T]
	Elapsed time.Duration
}

// Train simulates input, fits the ridge readout against teacher
// ([example][step][channel]), and installs weights carrying the new Wout.
// On any failure the previously installed weights stay in place.
func (e *Engine[T]) Train(ctx context.Context, input, teacher *linalg.Tensor3[T]) (*TrainResult[T], error) {
	ctx, cancel := e.abort.Bind(ctx)
	defer cancel()

	started := time.Now()
	w := e.weights.Load()
	if err := e.checkInput(w, input, false); err != nil {
		return nil, err
	}
	if teacher == nil || teacher.Dim0 != input.Dim0 || teacher.Dim1 != input.Dim1 || teacher.Dim2 == 0 {
		return nil, fmt.Errorf("%w: teacher batch does not match input batch", ErrConfig)
	}

	states, _, err := e.run(ctx, w, input, nil)
	if err != nil {
		return nil, err
	}
	wout, err := e.fitReadout(ctx, states, teacher)
	if err != nil {
		return nil, err
	}

	trained := w.WithReadout(wout)
	e.weights.Store(trained)
	elapsed := time.Since(started)
	e.logger.WithFields(logrus.Fields{
		"examples": input.Dim0,
		"steps":    input.Dim1,
		"outputs":  teacher.Dim2,
		"ridge":    e.cfg.Ridge,
		"elapsed":  elapsed,
	}).Info("readout trained")
	return &TrainResult[T]{Weights: trained, States: states, Elapsed: elapsed}, nil
}

// fitReadout solves Wout = Yᵗ·Xᵗ·(X·Xᵗ + ridge·I)⁺ with X the state tensor
// flattened to (1+D+N)×(examples·steps) and Y the matching teacher rows.
func (e *Engine[T]) fitReadout(ctx context.Context, states, teacher *linalg.Tensor3[T]) (*linalg.Dense[T], error) {
	if err := checkpoint(ctx, PhaseReshape); err != nil {
		return nil, err
	}
	x := linalg.FlattenColumns(states)
	y := linalg.FlattenRows(teacher)
	xt := x.Transpose()
	e.report(PhaseReshape, 1)

	if err := checkpoint(ctx, PhaseGram); err != nil {
		return nil, err
	}
	gram, err := e.mul.Multiply(ctx, x, xt)
	if err != nil {
		return nil, classify(PhaseGram, err)
	}
	e.report(PhaseGram, 1)

	if err := checkpoint(ctx, PhaseRegularize); err != nil {
		return nil, err
	}
	gram.AddDiagonal(T(e.cfg.Ridge))
	e.report(PhaseRegularize, 1)

	if err := checkpoint(ctx, PhaseInvert); err != nil {
		return nil, err
	}
	inv, err := linalg.PseudoInverse(ctx, e.mul, gram)
	if err != nil {
		return nil, classify(PhaseInvert, err)
	}
	e.report(PhaseInvert, 1)

	if err := checkpoint(ctx, PhaseProject); err != nil {
		return nil, err
	}
	yt := y.Transpose()
	var wout *linalg.Dense[T]
	// Yᵗ·Xᵗ is C×A while Xᵗ·M⁺ is (examples·steps)×A; associate so the
	// intermediate stays the smaller of the two.
	if y.Cols <= y.Rows {
		proj, err := e.mul.Multiply(ctx, yt, xt)
		if err != nil {
			return nil, classify(PhaseProject, err)
		}
		e.report(PhaseProject, 0.5)
		if err := checkpoint(ctx, PhaseProject); err != nil {
			return nil, err
		}
		wout, err = e.mul.Multiply(ctx, proj, inv)
		if err != nil {
			return nil, classify(PhaseProject, err)
		}
	} else {
		proj, err := e.mul.Multiply(ctx, xt, inv)
		if err != nil {
			return nil, classify(PhaseProject, err)
		}
		e.report(PhaseProject, 0.5)
		if err := checkpoint(ctx, PhaseProject); err != nil {
			return nil, err
		}
		wout, err = e.mul.Multiply(ctx, yt, proj)
		if err != nil {
			return nil, classify(PhaseProject, err)
		}
	}
	e.report(PhaseProject, 1)
	if err := checkpoint(ctx, PhaseReadout); err != nil {
		return nil, err
	}
	e.report(PhaseReadout, 1)
	return wout, nil
}
