package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/exp/constraints"
)

// DefaultActivation is the reservoir nonlinearity used when none is named.
const DefaultActivation = "tanh"

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

// ActivationFunc is an elementwise nonlinearity. Reservoir units expect it to
// be bounded so that the leaky state stays finite.
type ActivationFunc func(x float64) float64

// Typed evaluates fn in the precision T. The math package only carries
// float64 transcendentals, so float32 arguments are widened and the result
// is rounded back to T once.
func Typed[T constraints.Float](fn ActivationFunc) func(T) T {
	return func(x T) T {
		return T(fn(float64(x)))
	}
}

// GetTypedActivation looks up name and returns it in the precision T.
func GetTypedActivation[T constraints.Float](name string) (func(T) T, error) {
	fn, err := GetActivation(name)
	if err != nil {
		return nil, err
	}
	return Typed[T](fn), nil
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]ActivationFunc
}{
	m: make(map[string]ActivationFunc),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	MustRegisterActivation("tanh", math.Tanh)
	MustRegisterActivation("identity", func(x float64) float64 { return x })
	MustRegisterActivation("sigmoid", func(x float64) float64 {
		return 1.0 / (1.0 + math.Exp(-x))
	})
	MustRegisterActivation("softsign", func(x float64) float64 {
		return x / (1 + math.Abs(x))
	})
	MustRegisterActivation("hard_tanh", func(x float64) float64 {
		return math.Max(-1, math.Min(1, x))
	})
}

func RegisterActivation(name string, fn ActivationFunc) error {
	if name == "" {
		return errors.New("activation name is required")
	}
	if fn == nil {
		return errors.New("activation function is required")
	}

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, name)
	}
	activationRegistry.m[name] = fn
	return nil
}

func MustRegisterActivation(name string, fn ActivationFunc) {
	if err := RegisterActivation(name, fn); err != nil {
		panic(err)
	}
}

func GetActivation(name string) (ActivationFunc, error) {
	activationRegistry.mu.RLock()
	fn, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return fn, nil
}

func ListActivations() []string {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()

	names := make([]string, 0, len(activationRegistry.m))
	for name := range activationRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetActivationRegistryForTests() {
	activationRegistry.mu.Lock()
	activationRegistry.m = make(map[string]ActivationFunc)
	activationRegistry.mu.Unlock()
	initializeBuiltInActivations()
}
