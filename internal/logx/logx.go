package logx

import (
	"context"

	"pkt.systems/pslog"
)

type contextKey int

const clientKey contextKey = iota

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithClient annotates the logger with the remote client address if present.
func WithClient(ctx context.Context, addr string) pslog.Logger {
	log := pslog.Ctx(ctx)
	if addr != "" {
		if current, ok := ctx.Value(clientKey).(string); ok && current == addr {
			return log
		}
		log = log.With("client", addr)
	}
	return log
}

// ContextWithClient stores the client marker on the context for log
// de-duplication.
func ContextWithClient(ctx context.Context, addr string) context.Context {
	if ctx == nil || addr == "" {
		return ctx
	}
	return context.WithValue(ctx, clientKey, addr)
}

// ContextWithClientLogger attaches the logger and client marker to the context.
func ContextWithClientLogger(ctx context.Context, log pslog.Logger, addr string) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithClient(ctx, addr)
}
