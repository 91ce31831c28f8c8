// Package pool runs indexed tasks through a fixed-size concurrency window.
package pool

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Run executes task(ctx, i) for i in [0, n) with at most limit tasks in flight.
// A queued task starts as soon as a running one returns. Run returns after all
// tasks have finished. A limit below 1 runs tasks one at a time.
func Run(ctx context.Context, limit, n int, task func(ctx context.Context, i int)) {
	if limit < 1 {
		limit = 1
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			task(ctx, i)
			return nil
		})
	}

	_ = g.Wait() // tasks never fail
}
