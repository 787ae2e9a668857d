// Package async runs detached best-effort tasks that must not block or fail
// the request that spawned them.
package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/wa-campaigns/pkg/logging"
)

const DefaultTimeout = 8 * time.Second

// Observer is notified of every finished task.
type Observer interface {
	ObserveSideEffect(effect string, err error)
}

// Runner launches detached tasks. Each task gets a fresh deadline and keeps
// the parent context's values but not its cancellation.
type Runner struct {
	timeout  time.Duration
	logger   *logging.Logger
	observer Observer
	wg       sync.WaitGroup
}

func NewRunner(timeout time.Duration, logger *logging.Logger, observer Observer) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{timeout: timeout, logger: logger, observer: observer}
}

// Go runs fn in the background. Errors and panics are logged, never returned.
func (r *Runner) Go(parent context.Context, name string, fn func(ctx context.Context) error) {
	if r == nil {
		return
	}
	if parent == nil {
		parent = context.Background()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.timeout)
		defer cancel()
		r.finish(name, run(ctx, fn))
	}()
}

// Run executes fn synchronously under the same guard as Go.
func (r *Runner) Run(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()
	err := run(ctx, fn)
	r.finish(name, err)
	return err
}

// Wait blocks until all tasks started with Go have returned.
func (r *Runner) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

func (r *Runner) finish(name string, err error) {
	if r.observer != nil {
		r.observer.ObserveSideEffect(name, err)
	}
	if err != nil {
		r.logger.Warn("detached task failed", "task", name, "error", err)
	}
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("async: panic: %v", rec)
		}
	}()
	return fn(ctx)
}
