// Package corr threads a correlation_id through context and log lines so it
// does not need to be passed by hand through every function signature in the
// execution pipeline. Every component still accepts/returns it explicitly on
// its public entry points; this package only saves the repetition of
// attaching it to loggers and child contexts.
package corr

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithID returns a context carrying correlationID for retrieval by ID.
func WithID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, correlationID)
}

// ID returns the correlation id carried on ctx, or "" if none was set.
func ID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// Logger returns logger with a correlation_id attribute attached, preferring
// the id on ctx when explicit is empty.
func Logger(ctx context.Context, logger *slog.Logger, explicit string) *slog.Logger {
	id := explicit
	if id == "" {
		id = ID(ctx)
	}
	return logger.With(slog.String("correlation_id", id))
}
