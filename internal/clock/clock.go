package clock

import (
	"context"
	"time"

	"go.uber.org/fx"
)

type Clock interface {
	Now(ctx context.Context) time.Time
}

type ctxKey struct{}

// WithTime pins the logical time seen by Clock.Now for everything running under ctx.
// The billing run uses it to honor a "today" override.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ctxKey{}, t.UTC())
}

// FromContext returns the pinned time, if any.
func FromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(ctxKey{}).(time.Time)
	return t, ok
}

type SystemClock struct{}

func (SystemClock) Now(ctx context.Context) time.Time {
	if t, ok := FromContext(ctx); ok {
		return t
	}
	return time.Now().UTC()
}

// Fixed always reports the same instant unless the context pins another.
type Fixed time.Time

func (f Fixed) Now(ctx context.Context) time.Time {
	if t, ok := FromContext(ctx); ok {
		return t
	}
	return time.Time(f).UTC()
}

func New() Clock { return SystemClock{} }

var Module = fx.Options(
	fx.Provide(New),
)
