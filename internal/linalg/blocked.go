package linalg

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/exp/constraints"
)

// BaseTile is the accelerator tile granularity block sizes are built from.
const BaseTile = 16

const defaultTileMultiple = 4

type MultiplierConfig struct {
	// TileMultiple sets the block edge to TileMultiple*BaseTile.
	TileMultiple int
	Workers      int
}

// Multiplier tiles products into square blocks, pads operands to the block
// grid, and spreads block rows of the result across a worker pool. Each
// block pair is multiplied by the backend.
type Multiplier[T constraints.Float] struct {
	backend   Backend[T]
	blockSize int
	workers   int
}

func NewMultiplier[T constraints.Float](backend Backend[T], cfg MultiplierConfig) *Multiplier[T] {
	if backend == nil {
		backend = GonumBackend[T]{}
	}
	multiple := cfg.TileMultiple
	if multiple <= 0 {
		multiple = defaultTileMultiple
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Multiplier[T]{backend: backend, blockSize: multiple * BaseTile, workers: workers}
}

func (m *Multiplier[T]) BlockSize() int { return m.blockSize }

func (m *Multiplier[T]) Backend() Backend[T] { return m.backend }

// Multiply returns a·b. The context is polled between block rows.
func (m *Multiplier[T]) Multiply(ctx context.Context, a, b *Dense[T]) (*Dense[T], error) {
	if err := checkMulDims(a, b); err != nil {
		return nil, err
	}
	h, k, w := a.Rows, a.Cols, b.Cols
	out := NewDense[T](h, w, nil)
	if h == 0 || k == 0 || w == 0 {
		return out, nil
	}

	bs := m.blockSize
	hp, kp, wp := padTo(h, bs), padTo(k, bs), padTo(w, bs)
	ap := padded(a, hp, kp)
	bp := padded(b, kp, wp)

	blockRows := hp / bs
	blockCols := wp / bs
	blockInner := kp / bs

	workerCount := m.workers
	if workerCount > blockRows {
		workerCount = blockRows
	}

	jobs := make(chan int)
	errs := make(chan error, blockRows)

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			for bi := range jobs {
				if err := ctx.Err(); err != nil {
					errs <- err
					continue
				}
				if err := m.multiplyBlockRow(ap, bp, out, bi, blockCols, blockInner); err != nil {
					errs <- err
				}
			}
		}()
	}

	for bi := 0; bi < blockRows; bi++ {
		jobs <- bi
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (m *Multiplier[T]) multiplyBlockRow(ap, bp, out *Dense[T], bi, blockCols, blockInner int) error {
	bs := m.blockSize
	acc := NewDense[T](bs, bs, nil)
	for bj := 0; bj < blockCols; bj++ {
		clear(acc.Data)
		for bk := 0; bk < blockInner; bk++ {
			ablock := extractBlock(ap, bi*bs, bk*bs, bs)
			bblock := extractBlock(bp, bk*bs, bj*bs, bs)
			prod, err := m.backend.Mul(ablock, bblock)
			if err != nil {
				return fmt.Errorf("block (%d,%d,%d): %w", bi, bj, bk, err)
			}
			for idx, v := range prod.Data {
				acc.Data[idx] += v
			}
		}
		writeBlock(out, acc, bi*bs, bj*bs)
	}
	return nil
}

// Mul multiplies directly through the backend when both operands fit in a
// single block and through the tiled path otherwise.
func (m *Multiplier[T]) Mul(ctx context.Context, a, b *Dense[T]) (*Dense[T], error) {
	if a.Rows <= m.blockSize && a.Cols <= m.blockSize && b.Cols <= m.blockSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return m.backend.Mul(a, b)
	}
	return m.Multiply(ctx, a, b)
}

func padTo(n, bs int) int {
	if n <= bs {
		return bs
	}
	return ((n + bs - 1) / bs) * bs
}

func padded[T constraints.Float](src *Dense[T], rows, cols int) *Dense[T] {
	if src.Rows == rows && src.Cols == cols {
		return src
	}
	out := NewDense[T](rows, cols, nil)
	for i := 0; i < src.Rows; i++ {
		copy(out.Data[i*cols:i*cols+src.Cols], src.Row(i))
	}
	return out
}

func extractBlock[T constraints.Float](src *Dense[T], row, col, bs int) *Dense[T] {
	out := NewDense[T](bs, bs, nil)
	for i := 0; i < bs; i++ {
		start := (row+i)*src.Cols + col
		copy(out.Data[i*bs:(i+1)*bs], src.Data[start:start+bs])
	}
	return out
}

// writeBlock copies the nonzero cells of block into dst at (row, col),
// skipping the padded margin outside dst.
func writeBlock[T constraints.Float](dst, block *Dense[T], row, col int) {
	bs := block.Rows
	for i := 0; i < bs && row+i < dst.Rows; i++ {
		for j := 0; j < bs && col+j < dst.Cols; j++ {
			v := block.Data[i*bs+j]
			if v != 0 {
				dst.Data[(row+i)*dst.Cols+col+j] = v
			}
		}
	}
}
