package linalg

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// Tensor3 is a dense rectangular 3-axis tensor stored in row-major order,
// indexed as [i][j][k].
type Tensor3[T constraints.Float] struct {
	Dim0, Dim1, Dim2 int
	Data             []T
}

func NewTensor3[T constraints.Float](d0, d1, d2 int) *Tensor3[T] {
	return &Tensor3[T]{Dim0: d0, Dim1: d1, Dim2: d2, Data: make([]T, d0*d1*d2)}
}

// Tensor3From copies a nested slice into a tensor, rejecting ragged input.
func Tensor3From[T constraints.Float](values [][][]T) (*Tensor3[T], error) {
	if len(values) == 0 {
		return NewTensor3[T](0, 0, 0), nil
	}
	d1 := len(values[0])
	d2 := 0
	if d1 > 0 {
		d2 = len(values[0][0])
	}
	out := NewTensor3[T](len(values), d1, d2)
	for i, plane := range values {
		if len(plane) != d1 {
			return nil, fmt.Errorf("%w: axis 1 length %d at %d, want %d", ErrShape, len(plane), i, d1)
		}
		for j, row := range plane {
			if len(row) != d2 {
				return nil, fmt.Errorf("%w: axis 2 length %d at [%d][%d], want %d", ErrShape, len(row), i, j, d2)
			}
			copy(out.Data[(i*d1+j)*d2:(i*d1+j+1)*d2], row)
		}
	}
	return out, nil
}

func (t *Tensor3[T]) At(i, j, k int) T {
	return t.Data[(i*t.Dim1+j)*t.Dim2+k]
}

func (t *Tensor3[T]) Set(i, j, k int, v T) {
	t.Data[(i*t.Dim1+j)*t.Dim2+k] = v
}

// Vector returns the innermost axis at [i][j], aliasing tensor storage.
func (t *Tensor3[T]) Vector(i, j int) []T {
	start := (i*t.Dim1 + j) * t.Dim2
	return t.Data[start : start+t.Dim2]
}

// Plane returns slab i as a Dim1×Dim2 matrix aliasing tensor storage.
func (t *Tensor3[T]) Plane(i int) *Dense[T] {
	size := t.Dim1 * t.Dim2
	return &Dense[T]{Rows: t.Dim1, Cols: t.Dim2, Data: t.Data[i*size : (i+1)*size]}
}

// Nested copies the tensor out into nested slices.
func (t *Tensor3[T]) Nested() [][][]T {
	out := make([][][]T, t.Dim0)
	for i := range out {
		out[i] = make([][]T, t.Dim1)
		for j := range out[i] {
			out[i][j] = append([]T(nil), t.Vector(i, j)...)
		}
	}
	return out
}

// FlattenColumns reshapes an [example][row][step] tensor into a
// Dim1×(Dim0·Dim2) matrix whose columns run example-major, step-minor.
func FlattenColumns[T constraints.Float](t *Tensor3[T]) *Dense[T] {
	cols := t.Dim0 * t.Dim2
	out := NewDense[T](t.Dim1, cols, nil)
	for e := 0; e < t.Dim0; e++ {
		for r := 0; r < t.Dim1; r++ {
			src := t.Vector(e, r)
			copy(out.Data[r*cols+e*t.Dim2:r*cols+(e+1)*t.Dim2], src)
		}
	}
	return out
}

// FlattenRows reshapes an [example][step][channel] tensor into a
// (Dim0·Dim1)×Dim2 matrix whose rows run example-major, step-minor.
func FlattenRows[T constraints.Float](t *Tensor3[T]) *Dense[T] {
	return NewDense[T](t.Dim0*t.Dim1, t.Dim2, append([]T(nil), t.Data...))
}
