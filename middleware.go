package locus

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// ValidationMiddleware rejects commands whose Validate fails before they
// reach the handler.
func ValidationMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if err := cmd.Validate(); err != nil {
				return NewErrorResult(err), err
			}
			return next(ctx, cmd)
		}
	}
}

// RecoveryMiddleware turns handler panics into PanicError results.
func RecoveryMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (result CommandResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					panicErr := NewPanicError(cmd.CommandType(), r, string(debug.Stack()))
					if data, jsonErr := json.Marshal(cmd); jsonErr == nil {
						panicErr.Command = string(data)
					}
					result = NewErrorResult(panicErr)
					err = panicErr
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// LoggingMiddleware logs every dispatch and its outcome.
func LoggingMiddleware(logger Logger) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()
			logger.Info("Dispatching command", "type", cmd.CommandType(), "correlationId", CorrelationIDFromContext(ctx))

			result, err := next(ctx, cmd)

			duration := time.Since(start)
			if err != nil {
				logger.Error("Command failed",
					"type", cmd.CommandType(),
					"duration", duration,
					"error", err,
				)
			} else {
				logger.Info("Command completed",
					"type", cmd.CommandType(),
					"duration", duration,
					"locationId", result.AggregateID,
					"version", result.Version,
				)
			}
			return result, err
		}
	}
}

// TimeoutMiddleware bounds command execution. An append already issued when
// the deadline passes still completes.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, cmd)
		}
	}
}

type correlationIDKey struct{}

// CorrelationIDFromContext returns the correlation ID from context.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithCorrelationID returns a context with the correlation ID set.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDMiddleware makes sure every command runs with a correlation
// ID: the one in ctx, the command's own, or a new UUID.
func CorrelationIDMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if CorrelationIDFromContext(ctx) != "" {
				return next(ctx, cmd)
			}

			var id string
			if b, ok := cmd.(interface{ base() CommandBase }); ok {
				id = b.base().CorrelationID
			}
			if id == "" {
				id = uuid.NewString()
			}
			return next(WithCorrelationID(ctx, id), cmd)
		}
	}
}

type causationIDKey struct{}

// CausationIDFromContext returns the causation ID from context.
func CausationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(causationIDKey{}).(string)
	return id
}

// WithCausationID returns a context with the causation ID set.
func WithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationIDKey{}, id)
}

// CausationIDMiddleware records the command's causation ID, or failing that
// its command ID, in ctx.
func CausationIDMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if CausationIDFromContext(ctx) != "" {
				return next(ctx, cmd)
			}

			if b, ok := cmd.(interface{ base() CommandBase }); ok {
				base := b.base()
				id := base.CausationID
				if id == "" {
					id = base.CommandID
				}
				if id != "" {
					ctx = WithCausationID(ctx, id)
				}
			}
			return next(ctx, cmd)
		}
	}
}
