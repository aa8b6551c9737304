package reservoir

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"reservoir/internal/linalg"
)

var (
	ErrConfig  = errors.New("configuration error")
	ErrAborted = errors.New("aborted")
	// ErrNumerical reports a failed decomposition during training.
	ErrNumerical = linalg.ErrNumerical
)

// Abort is a settable cancellation flag. Contexts bound to it are cancelled
// when the flag is set; work polls them between phases.
type Abort struct {
	mu      sync.Mutex
	set     bool
	next    int
	cancels map[int]context.CancelFunc
}

// Bind derives a context that is cancelled once the flag is set.
func (a *Abort) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if a == nil {
		return ctx, cancel
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.set {
		cancel()
		return ctx, cancel
	}
	if a.cancels == nil {
		a.cancels = make(map[int]context.CancelFunc)
	}
	id := a.next
	a.next++
	a.cancels[id] = cancel
	return ctx, func() {
		cancel()
		a.mu.Lock()
		delete(a.cancels, id)
		a.mu.Unlock()
	}
}

func (a *Abort) Set() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set = true
	for id, cancel := range a.cancels {
		cancel()
		delete(a.cancels, id)
	}
}

// Reset clears the flag so the next run may proceed.
func (a *Abort) Reset() {
	a.mu.Lock()
	a.set = false
	a.mu.Unlock()
}

func (a *Abort) IsSet() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.set
}

// checkpoint reports ErrAborted once ctx is done.
func checkpoint(ctx context.Context, phase string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w during %s: %v", ErrAborted, phase, err)
	}
	return nil
}

// classify maps cancellation surfacing from lower layers onto ErrAborted.
func classify(phase string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w during %s: %v", ErrAborted, phase, err)
	}
	return fmt.Errorf("%s: %w", phase, err)
}
