// Package dispatcher fans per-record work out to a bounded pool of goroutines.
package dispatcher

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/decisions-pipeline/internal/metrics"
)

// Run applies fn to items using at most workers goroutines and returns the results of the
// items that were processed, in input order.
//
// Cancellation is observed between items: once ctx is done no further item is handed out,
// while items already running finish with a context that is not canceled. A non-nil error
// from fn is fatal: it stops the hand-out and is returned after in-flight items complete.
// When ctx was canceled and no item failed, Run returns the partial results with ctx.Err().
func Run[T, R any](
	ctx context.Context,
	stage string,
	workers int,
	items []T,
	fn func(context.Context, T) (R, error),
) ([]R, error) {
	if workers <= 0 {
		workers = 1
	}
	results := make([]R, len(items))
	processed := make([]bool, len(items))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	workCtx := context.WithoutCancel(ctx)

	for i, item := range items {
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			// Re-check after acquiring a slot; the wait may have outlived the run.
			if groupCtx.Err() != nil {
				return nil
			}
			metrics.IncActiveWorkers(stage)
			defer metrics.DecActiveWorkers(stage)

			res, err := fn(workCtx, item)
			if err != nil {
				return fmt.Errorf("%s item %d: %w", stage, i, err)
			}
			results[i] = res
			processed[i] = true
			return nil
		})
	}
	err := group.Wait()

	out := make([]R, 0, len(items))
	for i, ok := range processed {
		if ok {
			out = append(out, results[i])
		}
	}
	if err != nil {
		return out, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, fmt.Errorf("%s stopped: %w", stage, ctxErr)
	}
	return out, nil
}
