package sweep

import (
	"errors"
	"fmt"
	"math"
)

const (
	DefaultMaxSteps = 1000

	// stopTolerance is relative to the larger of |start| and |stop|; a
	// value that close to stop is snapped onto it.
	stopTolerance = 1e-9
)

var ErrRangeNotTerminating = errors.New("sweep range does not terminate")

// Range generates start, op(start), op(op(start)), ... up to and including
// stop. MaxSteps caps the number of values; zero means DefaultMaxSteps.
type Range struct {
	Start    float64 `json:"start"`
	Stop     float64 `json:"stop"`
	Op       Op      `json:"op"`
	Operand  float64 `json:"operand"`
	MaxSteps int     `json:"max_steps,omitempty"`
}

// Single is a one-value range.
func Single(v float64) Range {
	return Range{Start: v, Stop: v, Op: OpAdd}
}

func (r Range) Values() ([]float64, error) {
	if math.IsNaN(r.Start) || math.IsNaN(r.Stop) || math.IsInf(r.Start, 0) || math.IsInf(r.Stop, 0) {
		return nil, fmt.Errorf("sweep range bounds must be finite: [%g, %g]", r.Start, r.Stop)
	}
	if r.Start == r.Stop {
		return []float64{r.Start}, nil
	}
	if !r.Op.Valid() {
		return nil, fmt.Errorf("sweep range has no operator")
	}
	limit := r.MaxSteps
	if limit <= 0 {
		limit = DefaultMaxSteps
	}
	tol := stopTolerance * math.Max(math.Abs(r.Start), math.Abs(r.Stop))
	ascending := r.Stop > r.Start

	values := []float64{r.Start}
	v := r.Start
	for {
		next := r.Op.Apply(v, r.Operand)
		if math.IsNaN(next) || math.IsInf(next, 0) {
			return nil, fmt.Errorf("%w: %g %s %g is not finite", ErrRangeNotTerminating, v, r.Op, r.Operand)
		}
		if (ascending && next > r.Stop+tol) || (!ascending && next < r.Stop-tol) {
			return values, nil
		}
		if math.Abs(r.Stop-next) >= math.Abs(r.Stop-v) {
			return nil, fmt.Errorf("%w: %g %s %g does not approach %g", ErrRangeNotTerminating, v, r.Op, r.Operand, r.Stop)
		}
		if math.Abs(r.Stop-next) <= tol {
			next = r.Stop
		}
		if len(values) == limit {
			return nil, fmt.Errorf("%w: more than %d values from %g to %g", ErrRangeNotTerminating, limit, r.Start, r.Stop)
		}
		values = append(values, next)
		v = next
	}
}
