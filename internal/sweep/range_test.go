package sweep

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

func TestParseOp(t *testing.T) {
	tests := map[string]Op{"+": OpAdd, "sub": OpSub, "*": OpMul, " x ": OpMul, "/": OpDiv, "DIV": OpDiv}
	for text, want := range tests {
		got, err := ParseOp(text)
		if err != nil {
			t.Fatalf("parse %q: %v", text, err)
		}
		if got != want {
			t.Fatalf("parse %q: got=%s want=%s", text, got, want)
		}
	}
	if _, err := ParseOp("^"); err == nil {
		t.Fatal("expected error for unsupported operator")
	}
}

func TestRangeJSON(t *testing.T) {
	var r Range
	if err := json.Unmarshal([]byte(`{"start":1,"stop":1e-6,"op":"/","operand":10}`), &r); err != nil {
		t.Fatalf("unmarshal range: %v", err)
	}
	if r.Op != OpDiv || r.Operand != 10 {
		t.Fatalf("unexpected range: %+v", r)
	}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal range: %v", err)
	}
	if string(data) != `{"start":1,"stop":0.000001,"op":"/","operand":10}` {
		t.Fatalf("unexpected json: %s", data)
	}
	if err := json.Unmarshal([]byte(`{"op":"%"}`), &r); err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestRangeValues(t *testing.T) {
	tests := []struct {
		name string
		r    Range
		want []float64
	}{
		{name: "divide", r: Range{Start: 1, Stop: 1e-6, Op: OpDiv, Operand: 10}, want: []float64{1, 0.1, 0.01, 1e-3, 1e-4, 1e-5, 1e-6}},
		{name: "add", r: Range{Start: 0.1, Stop: 0.5, Op: OpAdd, Operand: 0.1}, want: []float64{0.1, 0.2, 0.3, 0.4, 0.5}},
		{name: "subtract", r: Range{Start: 300, Stop: 100, Op: OpSub, Operand: 100}, want: []float64{300, 200, 100}},
		{name: "multiply-stops-short", r: Range{Start: 50, Stop: 1000, Op: OpMul, Operand: 3}, want: []float64{50, 150, 450}},
		{name: "single", r: Single(0.25), want: []float64{0.25}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.r.Values()
			if err != nil {
				t.Fatalf("values: %v", err)
			}
			if !floats.EqualApprox(got, tc.want, 1e-12) {
				t.Fatalf("got=%v want=%v", got, tc.want)
			}
			if tc.want[len(tc.want)-1] == tc.r.Stop && got[len(got)-1] != tc.r.Stop {
				t.Fatalf("expected last value snapped to %g, got %g", tc.r.Stop, got[len(got)-1])
			}
		})
	}
}

func TestRangeRejectsNonTerminating(t *testing.T) {
	tests := []struct {
		name string
		r    Range
	}{
		{name: "identity-multiply", r: Range{Start: 1, Stop: 2, Op: OpMul, Operand: 1}},
		{name: "wrong-direction", r: Range{Start: 1, Stop: 2, Op: OpSub, Operand: 0.5}},
		{name: "zero-divisor", r: Range{Start: 1, Stop: 0.5, Op: OpDiv, Operand: 0}},
		{name: "step-cap", r: Range{Start: 0, Stop: 1, Op: OpAdd, Operand: 1e-4, MaxSteps: 100}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.r.Values(); !errors.Is(err, ErrRangeNotTerminating) {
				t.Fatalf("expected ErrRangeNotTerminating, got: %v", err)
			}
		})
	}
	if _, err := (Range{Start: 0, Stop: math.Inf(1), Op: OpAdd, Operand: 1}).Values(); err == nil {
		t.Fatal("expected error for infinite bound")
	}
	if _, err := (Range{Start: 0, Stop: 1}).Values(); err == nil {
		t.Fatal("expected error without operator")
	}
}
