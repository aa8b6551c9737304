package linalg

import (
	"fmt"

	"golang.org/x/exp/constraints"
)

// Dense is a row-major matrix in a single floating-point precision.
type Dense[T constraints.Float] struct {
	Rows int
	Cols int
	Data []T
}

func NewDense[T constraints.Float](rows, cols int, data []T) *Dense[T] {
	if data == nil {
		data = make([]T, rows*cols)
	}
	if len(data) != rows*cols {
		panic(fmt.Sprintf("linalg: data length %d does not match %dx%d", len(data), rows, cols))
	}
	return &Dense[T]{Rows: rows, Cols: cols, Data: data}
}

const (
	Float32 = "float32"
	Float64 = "float64"
)

// Precision names the storage width of T.
func Precision[T constraints.Float]() string {
	var zero T
	if _, ok := any(zero).(float32); ok {
		return Float32
	}
	return Float64
}

// Identity returns the n×n identity matrix.
func Identity[T constraints.Float](n int) *Dense[T] {
	m := NewDense[T](n, n, nil)
	for i := 0; i < n; i++ {
		m.Data[i*n+i] = 1
	}
	return m
}

func (m *Dense[T]) At(i, j int) T {
	return m.Data[i*m.Cols+j]
}

func (m *Dense[T]) Set(i, j int, v T) {
	m.Data[i*m.Cols+j] = v
}

// Row returns row i as a slice aliasing the matrix storage.
func (m *Dense[T]) Row(i int) []T {
	return m.Data[i*m.Cols : (i+1)*m.Cols]
}

func (m *Dense[T]) Dims() (int, int) {
	return m.Rows, m.Cols
}

func (m *Dense[T]) Clone() *Dense[T] {
	return &Dense[T]{Rows: m.Rows, Cols: m.Cols, Data: append([]T(nil), m.Data...)}
}

// Transpose returns a new matrix holding mᵗ.
func (m *Dense[T]) Transpose() *Dense[T] {
	out := NewDense[T](m.Cols, m.Rows, nil)
	for i := 0; i < m.Rows; i++ {
		row := m.Data[i*m.Cols : (i+1)*m.Cols]
		for j, v := range row {
			out.Data[j*m.Rows+i] = v
		}
	}
	return out
}

// AddDiagonal adds v to every diagonal cell in place.
func (m *Dense[T]) AddDiagonal(v T) {
	n := min(m.Rows, m.Cols)
	for i := 0; i < n; i++ {
		m.Data[i*m.Cols+i] += v
	}
}

// MulVec computes dst = m·x. dst must have length m.Rows.
func (m *Dense[T]) MulVec(dst, x []T) {
	for i := 0; i < m.Rows; i++ {
		row := m.Data[i*m.Cols : (i+1)*m.Cols]
		var sum T
		for j, w := range row {
			sum += w * x[j]
		}
		dst[i] = sum
	}
}

// NonZero counts cells that are not exactly zero.
func (m *Dense[T]) NonZero() int {
	count := 0
	for _, v := range m.Data {
		if v != 0 {
			count++
		}
	}
	return count
}

// naiveMul is the reference triple loop used for one-block products and tests.
func naiveMul[T constraints.Float](a, b *Dense[T]) *Dense[T] {
	out := NewDense[T](a.Rows, b.Cols, nil)
	for i := 0; i < a.Rows; i++ {
		orow := out.Data[i*b.Cols : (i+1)*b.Cols]
		for p := 0; p < a.Cols; p++ {
			aip := a.Data[i*a.Cols+p]
			if aip == 0 {
				continue
			}
			brow := b.Data[p*b.Cols : (p+1)*b.Cols]
			for j, v := range brow {
				orow[j] += aip * v
			}
		}
	}
	return out
}

func checkMulDims[T constraints.Float](a, b *Dense[T]) error {
	if a.Cols != b.Rows {
		return fmt.Errorf("%w: %dx%d by %dx%d", ErrShape, a.Rows, a.Cols, b.Rows, b.Cols)
	}
	return nil
}
