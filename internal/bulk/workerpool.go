package bulk

import (
	"context"
	"sync"
)

// runConcurrent processes items with up to workers goroutines in flight at
// once, generalizing a semaphore-and-waitgroup fan-out pattern from a
// read-only project listing into a generic bounded worker pool reused by
// every bulk-engine plan kind.
func runConcurrent[T any](ctx context.Context, items []T, workers int, fn func(context.Context, T)) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, item := range items {
		wg.Add(1)
		go func(it T) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			fn(ctx, it)
		}(item)
	}
	wg.Wait()
}
