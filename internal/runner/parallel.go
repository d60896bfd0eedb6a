package runner

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ParallelMap applies fn to every item with at most limit calls in flight
// and returns the results in item order. The first error cancels the
// context passed to the remaining calls and is returned. A limit <= 0
// means no bound.
//
// The pool lives and dies with one call; it is meant for independent
// sub-tasks of a single job, such as reading several upstream entries.
func ParallelMap[T, R any](ctx context.Context, limit int, items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	out := make([]R, len(items))
	for i, item := range items {
		g.Go(func() error {
			r, err := fn(gctx, item)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
