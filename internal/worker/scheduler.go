package worker

import (
	"context"
	"errors"
	"fmt"
	"memorial-orders/internal/clock"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule fires every five minutes at second zero.
const DefaultSchedule = "0 */5 * * * *"

var (
	ErrRunInProgress    = errors.New("reconciliation pass already running")
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

type Runner interface {
	RunOnce(ctx context.Context, now time.Time) (Summary, error)
}

const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
)

// RunReport is what the scheduler remembers about a pass.
type RunReport struct {
	Trigger   string    `json:"trigger"`
	StartedAt time.Time `json:"started_at"`
	Summary   Summary   `json:"summary"`
	Error     string    `json:"error,omitempty"`
}

// ParseSchedule validates a six-field (seconds first) cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(spec)
}

// Scheduler drives a Runner on a cron cadence. It owns the no-overlap rule:
// a tick that fires while a pass is still running is skipped, not queued.
type Scheduler struct {
	runner Runner
	clock  clock.Clock
	log    *zap.Logger
	cron   *cron.Cron
	entry  cron.EntryID

	running atomic.Bool
	last    atomic.Pointer[RunReport]

	runCtx     context.Context
	cancelRuns context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

func NewScheduler(runner Runner, clk clock.Clock, spec string, log *zap.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	log = log.Named("scheduler")
	cl := cronLogger{log: log.Sugar()}
	s := &Scheduler{
		runner: runner,
		clock:  clk,
		log:    log,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
	}
	s.runCtx, s.cancelRuns = context.WithCancel(context.Background())
	s.entry = s.cron.Schedule(schedule, cron.FuncJob(func() {
		_, _ = s.tick(TriggerCron)
	}))
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", zap.Time("next_run", s.NextRun()))
}

// Stop stops new ticks, tells an in-flight pass to stop picking up orders, and
// waits for it to return. The order being processed at that moment completes.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cron.Stop()
	s.cancelRuns()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight pass: %w", ctx.Err())
	}
}

// TriggerNow runs a pass immediately, subject to the same no-overlap rule as ticks.
func (s *Scheduler) TriggerNow() (RunReport, error) {
	return s.tick(TriggerManual)
}

// LastReport returns the most recent finished pass, if any.
func (s *Scheduler) LastReport() (RunReport, bool) {
	r := s.last.Load()
	if r == nil {
		return RunReport{}, false
	}
	return *r, true
}

func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) NextRun() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) tick(trigger string) (RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("previous pass still running, skipping", zap.String("trigger", trigger))
		return RunReport{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return RunReport{}, ErrSchedulerStopped
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	report := s.execute(trigger)
	s.last.Store(&report)
	if report.Error != "" {
		return report, errors.New(report.Error)
	}
	return report, nil
}

// execute never lets a failure or panic escape into the cron loop.
func (s *Scheduler) execute(trigger string) (report RunReport) {
	now := s.clock.Now()
	report = RunReport{Trigger: trigger, StartedAt: now}

	defer func() {
		if r := recover(); r != nil {
			report.Error = fmt.Sprintf("panic: %v", r)
			s.log.Error("reconciliation pass panicked", zap.String("trigger", trigger), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	summary, err := s.runner.RunOnce(s.runCtx, now)
	report.Summary = summary
	if err != nil {
		report.Error = err.Error()
		s.log.Error("reconciliation pass failed", zap.String("trigger", trigger), zap.Error(err))
	}
	return report
}

// cronLogger routes robfig/cron's logr-style calls into zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
