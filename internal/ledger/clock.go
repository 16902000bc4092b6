package ledger

import (
	"context"
	"time"
)

// Clock supplies the ledger's notion of now
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type timeKey struct{}

// WithTime pins the time seen by ledger operations run with the returned
// context. Replicated commands use it so every replica computes identical
// rewards.
func WithTime(ctx context.Context, unix int64) context.Context {
	return context.WithValue(ctx, timeKey{}, unix)
}

func (l *Ledger) now(ctx context.Context) int64 {
	if unix, ok := ctx.Value(timeKey{}).(int64); ok {
		return unix
	}
	return l.clock.Now().Unix()
}
