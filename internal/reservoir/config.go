package reservoir

import (
	"fmt"
	"math"

	"reservoir/internal/nn"
)

// Config holds the hyperparameters of one reservoir run. A running engine
// never mutates its Config; a new configuration means a new Engine.
type Config struct {
	Neurons        int     `json:"neurons"`
	SpectralRadius float64 `json:"spectral_radius"`
	InputScaling   float64 `json:"input_scaling"`
	LeakRate       float64 `json:"leak_rate"`
	// Sparsity is the fraction of nonzero recurrent connections. Zero means
	// 10/Neurons.
	Sparsity   float64 `json:"sparsity"`
	Ridge      float64 `json:"ridge"`
	Seed       int64   `json:"seed"`
	Activation string  `json:"activation,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Neurons:        100,
		SpectralRadius: 1,
		InputScaling:   1,
		LeakRate:       1,
		Ridge:          1e-5,
		Seed:           1,
		Activation:     nn.DefaultActivation,
	}
}

// Normalize fills derived defaults without touching explicit values.
func (c Config) Normalize() Config {
	if c.Sparsity == 0 && c.Neurons > 0 {
		c.Sparsity = math.Min(1, 10/float64(c.Neurons))
	}
	if c.Activation == "" {
		c.Activation = nn.DefaultActivation
	}
	return c
}

func (c Config) Validate() error {
	switch {
	case c.Neurons <= 0:
		return fmt.Errorf("%w: neuron count must be positive, got %d", ErrConfig, c.Neurons)
	case c.LeakRate <= 0 || c.LeakRate > 1:
		return fmt.Errorf("%w: leak rate must be in (0,1], got %g", ErrConfig, c.LeakRate)
	case c.Sparsity <= 0 || c.Sparsity > 1:
		return fmt.Errorf("%w: sparsity must be in (0,1], got %g", ErrConfig, c.Sparsity)
	case c.Ridge <= 0:
		return fmt.Errorf("%w: ridge must be positive, got %g", ErrConfig, c.Ridge)
	}
	if _, err := nn.GetActivation(c.Activation); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}
