package linalg

import (
	"context"
	"fmt"

	"golang.org/x/exp/constraints"
)

// SingularCutoff returns the threshold below which singular values are
// treated as zero, in the precision of T.
func SingularCutoff[T constraints.Float]() T {
	return T(1e-6)
}

// PseudoInverse returns V·S⁺·Uᵗ for the decomposition m = U·S·Vᵗ, where S⁺
// inverts singular values above SingularCutoff and zeroes the rest.
// Decomposition failures are returned wrapped in ErrNumerical.
func PseudoInverse[T constraints.Float](ctx context.Context, mul *Multiplier[T], m *Dense[T]) (*Dense[T], error) {
	if m.Rows != m.Cols {
		return nil, fmt.Errorf("%w: pseudo-inverse of non-square %dx%d", ErrShape, m.Rows, m.Cols)
	}
	u, s, v, err := mul.Backend().SVD(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNumerical, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cutoff := SingularCutoff[T]()
	inv := make([]T, len(s))
	for i, value := range s {
		if value > cutoff {
			inv[i] = 1 / value
		}
	}

	// V·S⁺ scales column i of V by inv[i].
	vs := v.Clone()
	for r := 0; r < vs.Rows; r++ {
		row := vs.Row(r)
		for c := range row {
			if c < len(inv) {
				row[c] *= inv[c]
			} else {
				row[c] = 0
			}
		}
	}
	return mul.Mul(ctx, vs, u.Transpose())
}
