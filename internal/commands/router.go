package commands

import (
	"context"
	"fmt"
	"sync"
)

// Handler applies a decoded command to target.
type Handler[T any] func(ctx context.Context, cmd Command, target T) error

// Router dispatches encoded commands to registered handlers.
type Router[T any] struct {
	mu       sync.RWMutex
	handlers map[Name]Handler[T]
}

// NewRouter returns an empty router.
func NewRouter[T any]() *Router[T] {
	return &Router[T]{handlers: make(map[Name]Handler[T])}
}

// Register binds handler to name, replacing any previous binding.
func (r *Router[T]) Register(name Name, handler Handler[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Dispatch decodes raw and runs the matching handler. Unknown commands
// return ErrUnknownCommand; callers treat that as a skip.
func (r *Router[T]) Dispatch(ctx context.Context, raw []byte, target T) (Command, error) {
	cmd, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return cmd, r.DispatchCommand(ctx, cmd, target)
}

// DispatchCommand runs the handler for an already decoded command.
func (r *Router[T]) DispatchCommand(ctx context.Context, cmd Command, target T) error {
	if unknown, ok := cmd.(Unknown); ok {
		return fmt.Errorf("%w: tag 0x%02x version %d", ErrUnknownCommand, byte(unknown.Tag), unknown.Version)
	}
	r.mu.RLock()
	handler, ok := r.handlers[cmd.Name()]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no handler for %s", ErrUnknownCommand, cmd.Name())
	}
	return handler(ctx, cmd, target)
}

// Encode is a convenience wrapper around the package-level Encode.
func (r *Router[T]) Encode(cmd Command) ([]byte, error) {
	return Encode(cmd)
}
