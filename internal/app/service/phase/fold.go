package phase

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/entitylock"
	"github.com/fatflowers/billing-orchestrator/pkg/logctx"
)

// Pool bounds how many entities a phase processes at once.
type Pool struct {
	Workers int
	// Locker, when set, serializes steps that share a key.
	Locker entitylock.Locker
	Log    *zap.SugaredLogger
}

// Step processes one item and reports what it did.
type Step[T any] func(ctx context.Context, item T) (Outcome, error)

// ForEach runs step for every item with at most p.Workers in flight.
// A failing or panicking item is recorded in tally and never stops the others.
// Items not started before ctx is done are recorded as failures.
func ForEach[T any](ctx context.Context, p Pool, items []T, key func(T) string, step Step[T], tally *Tally) {
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	if p.Log == nil {
		p.Log = zap.NewNop().Sugar()
	}
	g := new(errgroup.Group)
	g.SetLimit(workers)

	for _, item := range items {
		id := key(item)
		if err := ctx.Err(); err != nil {
			tally.Fail(id, fmt.Errorf("not processed: %w", err))
			continue
		}
		g.Go(func() error {
			outcome, err := runStep(ctx, p, id, item, step)
			if err != nil {
				logctx.FromCtx(ctx, p.Log).Warnw("phase step failed", "entity_id", id, "err", err)
				tally.Fail(id, err)
				return nil
			}
			tally.Record(outcome)
			return nil
		})
	}
	_ = g.Wait()
}

func runStep[T any](ctx context.Context, p Pool, id string, item T, step Step[T]) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.Log.Errorw("phase step panic", "entity_id", id, "panic", r, "stack", string(debug.Stack()))
			outcome, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	if p.Locker != nil {
		unlock, lockErr := p.Locker.Lock(ctx, id)
		if lockErr != nil {
			return nil, fmt.Errorf("entity lock: %w", lockErr)
		}
		defer unlock()
	}
	return step(ctx, item)
}
