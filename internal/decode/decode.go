// Package decode turns continuous readout activations back into token
// sequences.
package decode

import (
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"

	"reservoir/internal/linalg"
	"reservoir/internal/model"
)

const (
	// NoChannel marks a timestep whose strongest activation is below epsilon.
	NoChannel = -1
	// Ambiguous marks a timestep whose two strongest channels are tied.
	Ambiguous = -2
)

const (
	DefaultThreshold = 0.4
	DefaultEpsilon   = 1e-12
	DefaultMinRepeat = 1
)

var ErrVocabularyMismatch = errors.New("output channels do not match vocabulary")

type Config struct {
	// Threshold clamps activations strictly below it to zero. Nil selects
	// DefaultThreshold; a zero threshold keeps every activation.
	Threshold *float64 `json:"threshold,omitempty"`
	Epsilon   float64 `json:"epsilon"`
	// MinRepeat is the streak length a winner needs before it is emitted.
	MinRepeat int `json:"min_repeat"`
	// FlushTrailing emits a final streak that ended short of MinRepeat.
	FlushTrailing bool `json:"flush_trailing"`
}

func DefaultConfig() Config {
	return Config{Threshold: Threshold(DefaultThreshold), Epsilon: DefaultEpsilon, MinRepeat: DefaultMinRepeat}
}

// Threshold returns a pointer for Config.Threshold.
func Threshold(v float64) *float64 { return &v }

// ThresholdValue resolves Threshold against DefaultThreshold.
func (c Config) ThresholdValue() float64 {
	if c.Threshold == nil {
		return DefaultThreshold
	}
	return *c.Threshold
}

// Decoder holds thresholds already converted to the run precision.
type Decoder[T constraints.Float] struct {
	cfg       Config
	threshold T
	epsilon   T
}

func New[T constraints.Float](cfg Config) (*Decoder[T], error) {
	cfg.Threshold = Threshold(cfg.ThresholdValue())
	if cfg.Epsilon == 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if cfg.MinRepeat == 0 {
		cfg.MinRepeat = DefaultMinRepeat
	}
	if *cfg.Threshold < 0 || cfg.Epsilon < 0 {
		return nil, fmt.Errorf("decoder threshold and epsilon must be non-negative: threshold=%g epsilon=%g", *cfg.Threshold, cfg.Epsilon)
	}
	if cfg.MinRepeat < 0 {
		return nil, fmt.Errorf("decoder min repeat must be positive, got %d", cfg.MinRepeat)
	}
	return &Decoder[T]{cfg: cfg, threshold: T(*cfg.Threshold), epsilon: T(cfg.Epsilon)}, nil
}

func (d *Decoder[T]) Config() Config { return d.cfg }

// Winner selects the channel for one timestep after thresholding. It returns
// NoChannel when nothing survives above epsilon and Ambiguous when the top
// two values are equal.
func (d *Decoder[T]) Winner(activations []T) int {
	best, second := T(0), T(0)
	winner := NoChannel
	for channel, v := range activations {
		if v < d.threshold {
			v = 0
		}
		switch {
		case winner == NoChannel || v > best:
			second = best
			best = v
			winner = channel
		case v > second:
			second = v
		}
	}
	if winner == NoChannel || best < d.epsilon {
		return NoChannel
	}
	if second == best {
		return Ambiguous
	}
	return winner
}

// Winners applies Winner to every timestep of an [example][step][channel]
// tensor.
func (d *Decoder[T]) Winners(y *linalg.Tensor3[T]) [][]int {
	out := make([][]int, y.Dim0)
	for ex := 0; ex < y.Dim0; ex++ {
		row := make([]int, y.Dim1)
		for step := 0; step < y.Dim1; step++ {
			row[step] = d.Winner(y.Vector(ex, step))
		}
		out[ex] = row
	}
	return out
}

// Collapse folds consecutive equal indices into single emissions. A streak is
// emitted once, at the step its length reaches MinRepeat; shorter streaks are
// discarded when a different index supersedes them. NoChannel and Ambiguous
// take part in streaks but never emit.
func (d *Decoder[T]) Collapse(indices []int) []int {
	out := make([]int, 0, len(indices))
	current, streak := 0, 0
	for _, idx := range indices {
		if streak > 0 && idx == current {
			streak++
		} else {
			current, streak = idx, 1
		}
		if streak == d.cfg.MinRepeat && idx >= 0 {
			out = append(out, idx)
		}
	}
	if d.cfg.FlushTrailing && streak > 0 && streak < d.cfg.MinRepeat && current >= 0 {
		out = append(out, current)
	}
	return out
}

// Decode maps every example of y to its token sequence. Placeholder tokens are
// left in place; see Substitute.
func (d *Decoder[T]) Decode(y *linalg.Tensor3[T], vocab model.Vocabulary) ([][]string, error) {
	if y.Dim2 != vocab.Channels() {
		return nil, fmt.Errorf("%w: tensor has %d channels, vocabulary has %d", ErrVocabularyMismatch, y.Dim2, vocab.Channels())
	}
	winners := d.Winners(y)
	out := make([][]string, len(winners))
	for ex, indices := range winners {
		collapsed := d.Collapse(indices)
		tokens := make([]string, 0, len(collapsed))
		for _, channel := range collapsed {
			token, ok := vocab.Token(channel)
			if !ok {
				return nil, fmt.Errorf("%w: channel %d", ErrVocabularyMismatch, channel)
			}
			tokens = append(tokens, token)
		}
		out[ex] = tokens
	}
	return out, nil
}

// Substitute replaces placeholder tokens, in order, with the supplied
// open-class words. Placeholders beyond len(openClass) stay as they are.
func Substitute(tokens, openClass []string, placeholder string) []string {
	out := make([]string, len(tokens))
	next := 0
	for i, token := range tokens {
		if token == placeholder && next < len(openClass) {
			token = openClass[next]
			next++
		}
		out[i] = token
	}
	return out
}
