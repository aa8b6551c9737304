// Package sweep expands hyperparameter ranges into reservoir configurations
// and runs one experiment per point.
package sweep

import (
	"fmt"
	"strings"
)

// Op is the arithmetic step applied between consecutive range values.
type Op uint8

const (
	OpAdd Op = iota + 1
	OpSub
	OpMul
	OpDiv
)

func ParseOp(s string) (Op, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "+", "add":
		return OpAdd, nil
	case "-", "sub":
		return OpSub, nil
	case "*", "x", "mul":
		return OpMul, nil
	case "/", "div":
		return OpDiv, nil
	default:
		return 0, fmt.Errorf("unsupported sweep operator: %q", s)
	}
}

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

func (o Op) Valid() bool { return o >= OpAdd && o <= OpDiv }

func (o Op) Apply(v, operand float64) float64 {
	switch o {
	case OpAdd:
		return v + operand
	case OpSub:
		return v - operand
	case OpMul:
		return v * operand
	case OpDiv:
		return v / operand
	default:
		return v
	}
}

func (o Op) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("invalid sweep operator %d", uint8(o))
	}
	return []byte(o.String()), nil
}

func (o *Op) UnmarshalText(text []byte) error {
	parsed, err := ParseOp(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
