package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/robfig/cron/v3"
)

// CycleRunner runs one billing cycle
type CycleRunner interface {
	RunCycle(ctx context.Context, cycle Cycle) (*CycleSummary, error)
}

// Scheduler triggers RunCycle for the current month on a cron schedule evaluated in
// UTC. A run still in progress when the next one fires causes that one to be skipped.
type Scheduler struct {
	cron    *cron.Cron
	entry   cron.EntryID
	runner  CycleRunner
	logger  *observability.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewScheduler parses a standard five-field cron spec. timeout bounds each run; zero
// means unbounded.
func NewScheduler(spec string, runner CycleRunner, logger *observability.Logger, timeout time.Duration) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner:  runner,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}

	id, err := s.cron.AddFunc(spec, func() { _, _ = s.RunNow(context.Background()) })
	if err != nil {
		return nil, fmt.Errorf("invalid billing schedule %q: %w", spec, err)
	}
	s.entry = id

	return s, nil
}

// Start begins scheduling in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.WithField("next_run", s.Next().Format(time.RFC3339)).Info("Billing scheduler started")
}

// Stop prevents further runs and waits for a running cycle to finish or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Billing scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for billing run to finish: %w", ctx.Err())
	}
}

// Next returns the next scheduled run, or the zero time before Start
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// RunNow bills the cycle containing the current time
func (s *Scheduler) RunNow(ctx context.Context) (*CycleSummary, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cycle := CycleOf(s.now())
	log := s.logger.WithField("cycle", cycle.String())
	log.Info("Scheduled billing run starting")

	summary, err := s.runner.RunCycle(ctx, cycle)
	if err != nil {
		log.WithError(err).Error("Scheduled billing run failed")
		return nil, err
	}

	LogSummary(log, summary)
	return summary, nil
}

// LogSummary writes one line with the cycle counts, at warn level when any account
// errored or was left pending
func LogSummary(logger *observability.Logger, summary *CycleSummary) {
	log := logger.WithFields(map[string]interface{}{
		"cycle":       summary.Cycle.String(),
		"total":       summary.Total,
		"paid":        summary.Paid,
		"failed":      summary.Failed,
		"pending":     summary.Pending,
		"skipped":     summary.Skipped,
		"errored":     summary.Errored,
		"duration_ms": summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
	})
	if summary.Errored > 0 || summary.Pending > 0 {
		log.Warn("Billing run finished with unresolved accounts")
		return
	}
	log.Info("Billing run finished")
}

// cronLogger adapts Logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
