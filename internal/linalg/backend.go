package linalg

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrShape     = errors.New("matrix shape mismatch")
	ErrNumerical = errors.New("numerical failure")
)

// Backend is the dense linear-algebra capability the engine delegates to.
// Implementations may run locally or on an accelerator.
type Backend[T constraints.Float] interface {
	Name() string
	Mul(a, b *Dense[T]) (*Dense[T], error)
	// SVD decomposes a square matrix m = U·diag(s)·Vᵗ.
	SVD(m *Dense[T]) (u *Dense[T], s []T, v *Dense[T], err error)
}

// GonumBackend runs products and decompositions through gonum/mat. Operands
// are widened to float64 for the call and narrowed back to T on return.
type GonumBackend[T constraints.Float] struct{}

func (GonumBackend[T]) Name() string { return "gonum" }

func (GonumBackend[T]) Mul(a, b *Dense[T]) (*Dense[T], error) {
	if err := checkMulDims(a, b); err != nil {
		return nil, err
	}
	if a.Rows == 0 || a.Cols == 0 || b.Cols == 0 {
		return NewDense[T](a.Rows, b.Cols, nil), nil
	}
	var c mat.Dense
	c.Mul(toMat(a), toMat(b))
	return fromMat[T](&c), nil
}

func (GonumBackend[T]) SVD(m *Dense[T]) (*Dense[T], []T, *Dense[T], error) {
	if m.Rows != m.Cols {
		return nil, nil, nil, fmt.Errorf("%w: svd of non-square %dx%d", ErrShape, m.Rows, m.Cols)
	}
	if m.Rows == 0 {
		return nil, nil, nil, fmt.Errorf("%w: svd of empty matrix", ErrNumerical)
	}
	for _, v := range m.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil, nil, fmt.Errorf("%w: svd input is not finite", ErrNumerical)
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(toMat(m), mat.SVDFull); !ok {
		return nil, nil, nil, fmt.Errorf("%w: svd factorization did not converge", ErrNumerical)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)
	s := make([]T, len(values))
	for i, value := range values {
		s[i] = T(value)
	}
	return fromMat[T](&u), s, fromMat[T](&v), nil
}

// Exclusive serializes every call to the wrapped backend, modelling a
// single-context accelerator where only one operation may be in flight.
type Exclusive[T constraints.Float] struct {
	mu    sync.Mutex
	inner Backend[T]
}

func NewExclusive[T constraints.Float](inner Backend[T]) *Exclusive[T] {
	return &Exclusive[T]{inner: inner}
}

func (e *Exclusive[T]) Name() string { return "exclusive:" + e.inner.Name() }

func (e *Exclusive[T]) Mul(a, b *Dense[T]) (*Dense[T], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inner.Mul(a, b)
}

func (e *Exclusive[T]) SVD(m *Dense[T]) (*Dense[T], []T, *Dense[T], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inner.SVD(m)
}

func toMat[T constraints.Float](m *Dense[T]) *mat.Dense {
	data := make([]float64, len(m.Data))
	for i, v := range m.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(m.Rows, m.Cols, data)
}

func fromMat[T constraints.Float](m *mat.Dense) *Dense[T] {
	rows, cols := m.Dims()
	out := NewDense[T](rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Data[i*cols+j] = T(m.At(i, j))
		}
	}
	return out
}
