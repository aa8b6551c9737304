package sweep

import (
	"fmt"
	"math"

	"reservoir/internal/reservoir"
)

const (
	ParamNeurons        = "neurons"
	ParamSpectralRadius = "spectral_radius"
	ParamInputScaling   = "input_scaling"
	ParamLeakRate       = "leak_rate"
	ParamSparsity       = "sparsity"
	ParamRidge          = "ridge"
	ParamSeed           = "seed"
)

// Axis sweeps one named reservoir parameter.
type Axis struct {
	Param string `json:"param"`
	Range
}

// Plan is the cartesian product of its axes applied on top of Base. The
// first axis varies slowest.
type Plan struct {
	Base reservoir.Config `json:"base"`
	Axes []Axis           `json:"axes"`
}

type Point struct {
	Index  int
	Values []float64
	Config reservoir.Config
}

func (p Plan) Params() []string {
	names := make([]string, len(p.Axes))
	for i, axis := range p.Axes {
		names[i] = axis.Param
	}
	return names
}

func (p Plan) Points() ([]Point, error) {
	seen := make(map[string]struct{}, len(p.Axes))
	grids := make([][]float64, len(p.Axes))
	total := 1
	for i, axis := range p.Axes {
		if _, dup := seen[axis.Param]; dup {
			return nil, fmt.Errorf("%w: parameter %q swept twice", reservoir.ErrConfig, axis.Param)
		}
		seen[axis.Param] = struct{}{}
		if err := setParam(&reservoir.Config{}, axis.Param, 0); err != nil {
			return nil, err
		}
		values, err := axis.Values()
		if err != nil {
			return nil, fmt.Errorf("axis %s: %w", axis.Param, err)
		}
		grids[i] = values
		total *= len(values)
	}

	points := make([]Point, 0, total)
	index := make([]int, len(grids))
	for n := 0; n < total; n++ {
		cfg := p.Base
		values := make([]float64, len(grids))
		for i, grid := range grids {
			values[i] = grid[index[i]]
			if err := setParam(&cfg, p.Axes[i].Param, values[i]); err != nil {
				return nil, err
			}
		}
		points = append(points, Point{Index: n, Values: values, Config: cfg})

		for i := len(index) - 1; i >= 0; i-- {
			index[i]++
			if index[i] < len(grids[i]) {
				break
			}
			index[i] = 0
		}
	}
	return points, nil
}

func setParam(cfg *reservoir.Config, name string, v float64) error {
	switch name {
	case ParamNeurons:
		cfg.Neurons = int(math.Round(v))
	case ParamSpectralRadius:
		cfg.SpectralRadius = v
	case ParamInputScaling:
		cfg.InputScaling = v
	case ParamLeakRate:
		cfg.LeakRate = v
	case ParamSparsity:
		cfg.Sparsity = v
	case ParamRidge:
		cfg.Ridge = v
	case ParamSeed:
		cfg.Seed = int64(math.Round(v))
	default:
		return fmt.Errorf("%w: unknown sweep parameter %q", reservoir.ErrConfig, name)
	}
	return nil
}
