package worker

import (
	"context"
	"memorial-orders/internal/clock"
	"memorial-orders/internal/domain"
	"memorial-orders/internal/infrastructure/release"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ReleaseQueue interface {
	LockBatch(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.ReleaseTask, error)
	MarkReleased(ctx context.Context, orderID uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, orderID uuid.UUID, cause string, nextAttemptAt time.Time, dead bool) error
}

type RelayConfig struct {
	Interval    time.Duration
	BatchSize   int
	Lease       time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Hour
	}
	return c
}

// ReleaseRelay redelivers release-hook calls that failed during a pass. It is
// the durable half of the at-least-once release guarantee.
type ReleaseRelay struct {
	log   *zap.Logger
	queue ReleaseQueue
	hook  release.Hook
	clock clock.Clock
	cfg   RelayConfig
}

func NewReleaseRelay(log *zap.Logger, queue ReleaseQueue, hook release.Hook, clk clock.Clock, cfg RelayConfig) *ReleaseRelay {
	return &ReleaseRelay{
		log:   log.Named("release-relay"),
		queue: queue,
		hook:  hook,
		clock: clk,
		cfg:   cfg.withDefaults(),
	}
}

func (r *ReleaseRelay) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()

	r.log.Info("release relay started", zap.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("release relay stopping")
			return nil
		case <-t.C:
			if _, _, err := r.Flush(ctx); err != nil {
				r.log.Error("release relay lock batch error", zap.Error(err))
			}
		}
	}
}

// Flush redelivers one batch of due releases.
func (r *ReleaseRelay) Flush(ctx context.Context) (released, failed int, err error) {
	now := r.clock.Now()
	tasks, err := r.queue.LockBatch(ctx, now, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return 0, 0, err
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			// Leased tasks become claimable again once the lease runs out.
			break
		}
		if r.deliver(ctx, task, now) {
			released++
		} else {
			failed++
		}
	}
	if len(tasks) > 0 {
		r.log.Info("release relay flushed", zap.Int("released", released), zap.Int("failed", failed))
	}
	return released, failed, nil
}

func (r *ReleaseRelay) deliver(ctx context.Context, task domain.ReleaseTask, now time.Time) bool {
	id := task.OrderID.String()
	unit, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Lease)
	defer cancel()

	hookErr := callHook(unit, r.hook, task.OrderID)

	// A hook that timed out leaves unit expired; the bookkeeping write gets its own deadline.
	store, cancelStore := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Lease)
	defer cancelStore()

	if hookErr == nil {
		if err := r.queue.MarkReleased(store, task.OrderID, now); err != nil {
			// The release went out; a later redelivery is tolerated by the receiver.
			r.log.Warn("mark released failed", zap.String("order_id", id), zap.Error(err))
		}
		return true
	}

	attempts := task.Attempts + 1
	dead := attempts >= r.cfg.MaxAttempts
	next := now.Add(r.backoff(attempts))
	if err := r.queue.MarkFailed(store, task.OrderID, hookErr.Error(), next, dead); err != nil {
		r.log.Error("mark release failed", zap.String("order_id", id), zap.Error(err))
	}
	if dead {
		r.log.Error("release abandoned", zap.String("order_id", id), zap.Int("attempts", attempts), zap.Error(hookErr))
	} else {
		r.log.Warn("release retry failed", zap.String("order_id", id), zap.Int("attempts", attempts), zap.Time("next_attempt_at", next), zap.Error(hookErr))
	}
	return false
}

// backoff doubles per attempt from BaseDelay, capped at MaxDelay.
func (r *ReleaseRelay) backoff(attempts int) time.Duration {
	d := r.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.MaxDelay {
			return r.cfg.MaxDelay
		}
	}
	return d
}
