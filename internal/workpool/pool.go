// Package workpool bounds concurrent capability provider calls.
package workpool

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent capability calls using a weighted semaphore.
// One Pool is shared by all deliberations so that a burst of inbound mail
// cannot fan out into an unbounded number of model calls.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool that allows at most limit concurrent calls.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the pool is nil, fn is executed directly without concurrency control.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Each runs fn(ctx, i) for i in [0, n) concurrently, each call holding one
// pool slot, and waits for all of them. Per-item failures are the caller's
// to record inside fn; Each only returns an error when a slot could not be
// acquired because ctx ended.
func (p *Pool) Each(ctx context.Context, n int, fn func(ctx context.Context, i int)) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			return p.Run(gctx, func() error {
				fn(gctx, i)
				return nil
			})
		})
	}
	return g.Wait()
}
