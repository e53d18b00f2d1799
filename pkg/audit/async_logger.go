package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/rentbill/pkg/async"
	"github.com/platinummonkey/rentbill/pkg/observability"
)

// AsyncLogger hands events to another logger in the background so a slow audit
// store does not add latency to requests. Write failures are logged.
type AsyncLogger struct {
	next  Logger
	tasks *async.Tasks
}

// NewAsyncLogger wraps next. Each write is bounded by timeout.
func NewAsyncLogger(next Logger, logger *observability.Logger, timeout time.Duration) *AsyncLogger {
	return &AsyncLogger{next: next, tasks: async.NewTasks(logger, timeout)}
}

// Log queues the event and returns immediately
func (l *AsyncLogger) Log(ctx context.Context, event *Event) error {
	l.tasks.Go(ctx, "audit "+string(event.EventType), func(ctx context.Context) error {
		return l.next.Log(ctx, event)
	})
	return nil
}

// Flush waits for queued writes to finish
func (l *AsyncLogger) Flush(ctx context.Context) error {
	return l.tasks.Wait(ctx)
}
