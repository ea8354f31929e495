package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"memorial-orders/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type runnerFunc func(ctx context.Context, now time.Time) (Summary, error)

func (f runnerFunc) RunOnce(ctx context.Context, now time.Time) (Summary, error) {
	return f(ctx, now)
}

func newTestScheduler(t *testing.T, spec string, r Runner) *Scheduler {
	t.Helper()
	s, err := NewScheduler(r, clock.NewFake(t0), spec, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := NewScheduler(runnerFunc(nil), clock.NewFake(t0), "every five minutes", zap.NewNop())
	assert.Error(t, err)

	_, err = NewScheduler(runnerFunc(nil), clock.NewFake(t0), "*/5 * * * *", zap.NewNop())
	assert.Error(t, err, "five-field expressions lack the seconds field")
}

func TestParseScheduleDefault(t *testing.T) {
	sched, err := ParseSchedule(DefaultSchedule)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC), sched.Next(t0.Add(time.Second)))
}

func TestTriggerNowRecordsReport(t *testing.T) {
	var seen time.Time
	s := newTestScheduler(t, "", runnerFunc(func(ctx context.Context, now time.Time) (Summary, error) {
		seen = now
		return Summary{Now: now, Candidates: 2, Expired: 2}, nil
	}))

	_, ok := s.LastReport()
	assert.False(t, ok)

	report, err := s.TriggerNow()
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, report.Trigger)
	assert.Equal(t, t0, seen, "pass runs at the scheduler's clock")
	assert.Equal(t, 2, report.Summary.Expired)

	last, ok := s.LastReport()
	require.True(t, ok)
	assert.Equal(t, report, last)
}

func TestTriggerNowSkipsWhileRunning(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	s := newTestScheduler(t, "", runnerFunc(func(ctx context.Context, now time.Time) (Summary, error) {
		calls.Add(1)
		<-release
		return Summary{}, nil
	}))

	done := make(chan error, 1)
	go func() {
		_, err := s.TriggerNow()
		done <- err
	}()
	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)

	_, err := s.TriggerNow()
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, s.Running())
}

func TestFailedPassDoesNotStopScheduler(t *testing.T) {
	var calls atomic.Int32
	s := newTestScheduler(t, "", runnerFunc(func(ctx context.Context, now time.Time) (Summary, error) {
		if calls.Add(1) == 1 {
			return Summary{}, errors.New("database is down")
		}
		return Summary{Expired: 1}, nil
	}))

	report, err := s.TriggerNow()
	assert.ErrorContains(t, err, "database is down")
	assert.Equal(t, "database is down", report.Error)

	report, err = s.TriggerNow()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.Expired)
	assert.Empty(t, report.Error)
}

func TestPanickingPassIsRecovered(t *testing.T) {
	var calls atomic.Int32
	s := newTestScheduler(t, "", runnerFunc(func(ctx context.Context, now time.Time) (Summary, error) {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return Summary{}, nil
	}))

	_, err := s.TriggerNow()
	assert.ErrorContains(t, err, "panic: nil map")
	assert.False(t, s.Running())

	_, err = s.TriggerNow()
	assert.NoError(t, err)
}

func TestStopWaitsForInflightPass(t *testing.T) {
	var finished atomic.Bool
	s := newTestScheduler(t, "", runnerFunc(func(ctx context.Context, now time.Time) (Summary, error) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return Summary{Deferred: 3}, nil
	}))

	done := make(chan RunReport, 1)
	go func() {
		r, _ := s.TriggerNow()
		done <- r
	}()
	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, finished.Load(), "Stop returned before the pass finished")
	assert.Equal(t, 3, (<-done).Summary.Deferred)

	_, err := s.TriggerNow()
	assert.ErrorIs(t, err, ErrSchedulerStopped)
}

func TestCronTickRunsPass(t *testing.T) {
	s := newTestScheduler(t, "@every 1s", runnerFunc(func(ctx context.Context, now time.Time) (Summary, error) {
		return Summary{Expired: 1}, nil
	}))
	s.Start()

	require.Eventually(t, func() bool {
		r, ok := s.LastReport()
		return ok && r.Trigger == TriggerCron
	}, 3*time.Second, 20*time.Millisecond)
}
