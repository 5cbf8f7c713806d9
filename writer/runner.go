package writer

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/firnlabs/firn"
)

// Task computes one deferred chunk write against a private store handle
// and returns the handle. Tasks never touch the canonical session.
type Task func(ctx context.Context) (*firn.Session, error)

// TaskRunner executes a list of independent tasks, returning their
// results in input order, or the first failure. The parallelism strategy
// is the runner's business; the write coordinator only needs fan-out and
// fan-in.
type TaskRunner interface {
	RunAll(ctx context.Context, tasks []Task) ([]*firn.Session, error)
}

// SerialRunner runs tasks one at a time on the calling goroutine.
type SerialRunner struct{}

func (SerialRunner) RunAll(ctx context.Context, tasks []Task) ([]*firn.Session, error) {
	results := make([]*firn.Session, len(tasks))
	for i, task := range tasks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := task(ctx)
		if err != nil {
			return nil, err
		}
		results[i] = res
	}
	return results, nil
}

// PoolRunner runs tasks on a bounded pool of goroutines. The first task
// failure cancels the remaining work.
type PoolRunner struct {
	Workers int // <= 0 means GOMAXPROCS
}

func (r PoolRunner) RunAll(ctx context.Context, tasks []Task) ([]*firn.Session, error) {
	workers := r.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]*firn.Session, len(tasks))
	errs := make([]error, len(tasks))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-sem }()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			res, err := task(ctx)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			results[i] = res
		}(i, task)
	}
	wg.Wait()

	// Report the first real task failure by input order; cancellations
	// of sibling tasks are secondary.
	var ctxErr error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctxErr == nil {
				ctxErr = err
			}
			continue
		}
		return nil, err
	}
	if ctxErr != nil {
		return nil, ctxErr
	}
	return results, nil
}
