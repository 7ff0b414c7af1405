package turn

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds how many blocking collaborator calls run at once across
// all turns. Waiting for a slot and waiting for the call both observe ctx.
type WorkerPool struct {
	sem *semaphore.Weighted
}

func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{sem: semaphore.NewWeighted(int64(size))}
}

// offload runs fn on the pool. If ctx ends first the caller returns
// immediately; the slot is held until fn itself returns.
func offload[T any](ctx context.Context, pool *WorkerPool, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := pool.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer pool.sem.Release(1)
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- result{err: fmt.Errorf("%s panicked: %v", name, recovered)}
			}
		}()
		v, err := fn(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
