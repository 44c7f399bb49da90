// Package abort provides a cooperative cancellation signal/controller pair.
package abort

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is reported by Signal.Err once the controller has aborted.
var ErrAborted = errors.New("abort: signal aborted")

// Listener is invoked synchronously when a signal aborts.
type Listener func()

// Signal observes a Controller. The zero value is never aborted.
type Signal struct {
	mu        sync.Mutex
	aborted   bool
	listeners map[uint64]Listener
	order     []uint64
	nextID    uint64
	done      chan struct{}
}

// Controller owns a Signal and is the only way to abort it.
type Controller struct {
	signal *Signal
}

// NewController returns a controller with a fresh, non-aborted signal.
func NewController() *Controller {
	return &Controller{signal: newSignal()}
}

func newSignal() *Signal {
	return &Signal{
		listeners: make(map[uint64]Listener),
		done:      make(chan struct{}),
	}
}

// Signal returns the controller's signal.
func (c *Controller) Signal() *Signal {
	return c.signal
}

// Abort moves the signal to the aborted state and runs every registered
// listener exactly once, in registration order. Subsequent calls are no-ops.
func (c *Controller) Abort() {
	c.signal.abort()
}

func (s *Signal) abort() {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	pending := make([]Listener, 0, len(s.order))
	for _, id := range s.order {
		if listener, ok := s.listeners[id]; ok {
			pending = append(pending, listener)
		}
	}
	s.listeners = make(map[uint64]Listener)
	s.order = nil
	close(s.done)
	s.mu.Unlock()

	for _, listener := range pending {
		listener()
	}
}

// Aborted reports whether the signal has been aborted. A nil signal is never aborted.
func (s *Signal) Aborted() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Err returns ErrAborted after abort and nil before.
func (s *Signal) Err() error {
	if s.Aborted() {
		return ErrAborted
	}
	return nil
}

// Done returns a channel closed on abort. A nil signal returns a nil channel.
func (s *Signal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	return s.done
}

// AddEventListener registers listener for the abort event and returns a
// function that removes it. On an already-aborted signal the listener runs
// immediately and the returned remover is a no-op.
func (s *Signal) AddEventListener(listener Listener) func() {
	if s == nil || listener == nil {
		return func() {}
	}
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		listener()
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener
	s.order = append(s.order, id)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.listeners[id]; !ok {
			return
		}
		delete(s.listeners, id)
		for index, candidate := range s.order {
			if candidate == id {
				s.order = append(s.order[:index], s.order[index+1:]...)
				break
			}
		}
	}
}

// WithSignal derives a context that is cancelled when either parent is done
// or signal aborts. The returned cancel func releases the listener.
func WithSignal(parent context.Context, signal *Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	remove := signal.AddEventListener(func() {
		cancel(ErrAborted)
	})
	return ctx, func() {
		remove()
		cancel(context.Canceled)
	}
}

// Cause reports whether ctx ended because its signal aborted.
func Cause(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrAborted)
}
