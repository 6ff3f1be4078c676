package locus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// CommandHandler handles one command type.
type CommandHandler interface {
	// CommandType returns the type of command this handler processes.
	CommandType() string

	// Handle processes the command and returns a result.
	Handle(ctx context.Context, cmd Command) (CommandResult, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc struct {
	cmdType string
	fn      func(ctx context.Context, cmd Command) (CommandResult, error)
}

// NewCommandHandlerFunc creates a new CommandHandlerFunc.
func NewCommandHandlerFunc(cmdType string, fn func(ctx context.Context, cmd Command) (CommandResult, error)) *CommandHandlerFunc {
	return &CommandHandlerFunc{cmdType: cmdType, fn: fn}
}

// CommandType returns the command type this handler processes.
func (h *CommandHandlerFunc) CommandType() string {
	return h.cmdType
}

// Handle processes the command.
func (h *CommandHandlerFunc) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	return h.fn(ctx, cmd)
}

// MiddlewareFunc is the function signature for command middleware.
type MiddlewareFunc func(ctx context.Context, cmd Command) (CommandResult, error)

// Middleware wraps a handler function with additional functionality.
type Middleware func(next MiddlewareFunc) MiddlewareFunc

// ChainMiddleware creates a single middleware from multiple middleware.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i](next)
		}
		return next
	}
}

// CommandBus routes commands through a middleware pipeline to their handlers.
type CommandBus struct {
	mu         sync.RWMutex
	handlers   map[string]CommandHandler
	middleware []Middleware
	closed     atomic.Bool
	inflight   sync.WaitGroup
}

// CommandBusOption configures a CommandBus.
type CommandBusOption func(*CommandBus)

// WithMiddleware adds middleware to the command bus.
func WithMiddleware(middleware ...Middleware) CommandBusOption {
	return func(b *CommandBus) {
		b.middleware = append(b.middleware, middleware...)
	}
}

// NewCommandBus creates a new CommandBus with the given options.
func NewCommandBus(opts ...CommandBusOption) *CommandBus {
	bus := &CommandBus{handlers: make(map[string]CommandHandler)}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Register adds a handler, replacing any handler of the same command type.
func (b *CommandBus) Register(handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[handler.CommandType()] = handler
}

// Use adds middleware. Middleware runs in the order it was added.
func (b *CommandBus) Use(middleware ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware...)
}

// Dispatch sends a command through the middleware pipeline to its handler.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (CommandResult, error) {
	if cmd == nil {
		return NewErrorResult(ErrNilCommand), ErrNilCommand
	}

	b.mu.RLock()
	if b.closed.Load() {
		b.mu.RUnlock()
		return NewErrorResult(ErrCommandBusClosed), ErrCommandBusClosed
	}
	b.inflight.Add(1)
	handler := b.handlers[cmd.CommandType()]
	chain := ChainMiddleware(b.middleware...)
	b.mu.RUnlock()
	defer b.inflight.Done()

	if handler == nil {
		err := NewHandlerNotFoundError(cmd.CommandType())
		return NewErrorResult(err), err
	}

	return chain(handler.Handle)(ctx, cmd)
}

// HasHandler returns true if a handler is registered for the command type.
func (b *CommandBus) HasHandler(cmdType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[cmdType]
	return ok
}

// CommandTypes returns the registered command types, sorted.
func (b *CommandBus) CommandTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Close rejects further dispatches and waits for in-flight ones.
func (b *CommandBus) Close() error {
	b.mu.Lock()
	b.closed.Store(true)
	b.mu.Unlock()
	b.inflight.Wait()
	return nil
}

// IsClosed returns true if the command bus has been closed.
func (b *CommandBus) IsClosed() bool {
	return b.closed.Load()
}
