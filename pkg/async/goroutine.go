package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/rentbill/pkg/observability"
)

// SafeGo executes fn in a goroutine with:
// - the values of parentCtx but not its cancellation
// - panic recovery
// - timeout enforcement
// - error logging
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go run(parentCtx, logger, timeout, taskName, fn)
}

func run(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
	defer cancel()

	log := logger.WithField("task", taskName)
	if id := observability.GetRequestID(ctx); id != "" {
		log = log.WithField("request_id", id)
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(map[string]interface{}{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("Background task panicked")
		}
	}()

	if err := fn(ctx); err != nil {
		log.WithError(err).Warn("Background task failed")
	}
}

// Tasks tracks background work started through it
type Tasks struct {
	logger  *observability.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewTasks creates a task tracker. Every task started through it is bounded by timeout.
func NewTasks(logger *observability.Logger, timeout time.Duration) *Tasks {
	return &Tasks{logger: logger, timeout: timeout}
}

// Go starts fn in the background
func (t *Tasks) Go(ctx context.Context, taskName string, fn func(context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		run(ctx, t.logger, t.timeout, taskName, fn)
	}()
}

// Wait blocks until every started task has returned or ctx is done
func (t *Tasks) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background tasks still running: %w", ctx.Err())
	}
}
