package log

import (
	"context"

	"github.com/rs/zerolog"
)

// WithLogger attaches l to ctx using zerolog's own context slot, so
// zerolog.Ctx and Ctx see the same logger.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// Ctx returns the logger attached to ctx, or the process logger when there
// is none. A disabled attached logger also falls back.
func Ctx(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return L()
}

// WithStr returns a context whose logger also carries key=value.
func WithStr(ctx context.Context, key, value string) context.Context {
	return WithLogger(ctx, Ctx(ctx).With().Str(key, value).Logger())
}
