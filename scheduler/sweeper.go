// Package scheduler runs the periodic period-end sweep that downgrades
// subscriptions whose cancellation has taken effect.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/subscription-lifecycle/billing"
	"github.com/GoCodeAlone/subscription-lifecycle/lifecycle"
	"github.com/GoCodeAlone/subscription-lifecycle/metrics"
	"github.com/GoCodeAlone/subscription-lifecycle/store"
)

// Defaults for PeriodEndSweeper.
const (
	DefaultInterval   = time.Minute
	DefaultBatchSize  = 100
	DefaultHistoryCap = 50
)

// RunStatus is the result of one sweep.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// RunRecord captures one sweep.
type RunRecord struct {
	ID         string        `json:"id"`
	Status     RunStatus     `json:"status"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Candidates int           `json:"candidates"`
	Downgraded int           `json:"downgraded"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Error      string        `json:"error,omitempty"`
}

// EventProcessor applies one canonical event.
type EventProcessor interface {
	Process(ctx context.Context, ev *billing.Event) (lifecycle.Result, error)
}

// SweeperConfig configures a PeriodEndSweeper.
type SweeperConfig struct {
	Interval  time.Duration `json:"interval" yaml:"interval"`
	BatchSize int           `json:"batch_size" yaml:"batch_size"`
}

// PeriodEndSweeper finds records whose pending cancellation has reached its
// access end and feeds a synthetic period_ended event for each through the
// processor. The event id is derived from the tenant and access end, so
// repeated sweeps and overlapping instances converge on one downgrade.
type PeriodEndSweeper struct {
	directory store.TenantDirectory
	processor EventProcessor
	config    SweeperConfig
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	history []*RunRecord
	running sync.Mutex

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewPeriodEndSweeper creates a sweeper. Call Start to run it on its interval.
func NewPeriodEndSweeper(directory store.TenantDirectory, processor EventProcessor, cfg SweeperConfig, m *metrics.Collector, logger *slog.Logger) *PeriodEndSweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PeriodEndSweeper{
		directory: directory,
		processor: processor,
		config:    cfg,
		metrics:   m,
		logger:    logger.With("component", "period-end-sweeper"),
		now:       time.Now,
	}
}

// SetClock replaces the time source (useful for testing).
func (s *PeriodEndSweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Start runs a sweep immediately and then on every interval until Stop.
func (s *PeriodEndSweeper) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.cancel != nil {
		return errors.New("period-end sweeper: already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx)
	s.logger.Info("started", "interval", s.config.Interval, "batch_size", s.config.BatchSize)
	return nil
}

// Stop ends the loop and waits for an in-flight sweep.
func (s *PeriodEndSweeper) Stop(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("stopped")
	return nil
}

func (s *PeriodEndSweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep. Overlapping calls are serialized. Failures are
// recorded on the run and retried on the next sweep.
func (s *PeriodEndSweeper) RunOnce(ctx context.Context) *RunRecord {
	s.running.Lock()
	defer s.running.Unlock()

	start := s.now()
	rec := &RunRecord{ID: "sweep-" + uuid.NewString(), StartedAt: start}
	defer func() {
		rec.Duration = time.Since(start)
		s.record(rec)
	}()

	candidates, err := s.directory.ListExpiredCancellations(ctx, start, s.config.BatchSize)
	if err != nil {
		rec.Status = RunStatusFailed
		rec.Error = fmt.Sprintf("list expired cancellations: %v", err)
		s.logger.Error("sweep failed", "error", err)
		return rec
	}
	rec.Candidates = len(candidates)

	var errs []error
	for _, r := range candidates {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ev := billing.NewPeriodEndedEvent(r.TenantID, r.CustomerID, r.SubscriptionID, *r.AccessEndsAt)
		res, err := s.processor.Process(ctx, ev)
		switch {
		case err != nil:
			rec.Failed++
			errs = append(errs, fmt.Errorf("tenant %s: %w", r.TenantID, err))
			s.logger.Warn("period end not applied", "tenant_id", r.TenantID, "event_id", ev.ID, "error", err)
		case res.Outcome == billing.OutcomeApplied && !res.Duplicate:
			rec.Downgraded++
			s.metrics.RecordSweeperDowngrade()
			s.logger.Info("subscription downgraded at period end",
				"tenant_id", r.TenantID, "event_id", ev.ID, "access_ends_at", r.AccessEndsAt)
		default:
			rec.Skipped++
		}
	}

	switch {
	case len(errs) == 0:
		rec.Status = RunStatusSuccess
	case rec.Failed < rec.Candidates:
		rec.Status = RunStatusPartial
		rec.Error = errors.Join(errs...).Error()
	default:
		rec.Status = RunStatusFailed
		rec.Error = errors.Join(errs...).Error()
	}
	if rec.Candidates > 0 {
		s.logger.Info("sweep complete",
			"candidates", rec.Candidates, "downgraded", rec.Downgraded, "skipped", rec.Skipped, "failed", rec.Failed)
	}
	return rec
}

func (s *PeriodEndSweeper) record(rec *RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rec)
	if len(s.history) > DefaultHistoryCap {
		s.history = s.history[len(s.history)-DefaultHistoryCap:]
	}
}

// History returns past sweeps, most recent first.
func (s *PeriodEndSweeper) History() []*RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RunRecord, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// Config returns the effective configuration.
func (s *PeriodEndSweeper) Config() SweeperConfig {
	return s.config
}
