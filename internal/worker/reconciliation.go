package worker

import (
	"context"
	"fmt"
	"memorial-orders/internal/domain"
	"memorial-orders/internal/infrastructure/release"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OrderStore is the part of the order repository the engine needs.
type OrderStore interface {
	FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]domain.PaymentOrder, error)
	TryTransition(ctx context.Context, id uuid.UUID, expected domain.OrderState, expectedVersion int64, next domain.OrderState, at time.Time) (domain.TransitionResult, error)
}

// ReleaseRecorder keeps failed release-hook calls for out-of-band redelivery.
type ReleaseRecorder interface {
	RecordFailure(ctx context.Context, orderID uuid.UUID, cause string, nextAttemptAt time.Time) error
}

// RunObserver receives every completed pass, e.g. to export metrics.
type RunObserver interface {
	ObserveRun(ctx context.Context, s Summary) error
}

const observeTimeout = 5 * time.Second

const (
	StageTransition = "transition"
	StageRelease    = "release"
)

type OrderFailure struct {
	OrderID uuid.UUID `json:"order_id"`
	Stage   string    `json:"stage"`
	Error   string    `json:"error"`
}

// Summary is the result of one reconciliation pass.
type Summary struct {
	Now        time.Time      `json:"now"`
	Duration   time.Duration  `json:"duration"`
	Candidates int            `json:"candidates"`
	Expired    int            `json:"expired"`
	Conflicts  int            `json:"conflicts"`
	Failed     int            `json:"failed"`
	HookFailed int            `json:"hook_failed"`
	Ineligible int            `json:"ineligible"`
	Deferred   int            `json:"deferred"`
	Failures   []OrderFailure `json:"failures,omitempty"`
}

type outcome int

const (
	outcomeExpired outcome = iota + 1
	outcomeConflict
	outcomeFailed
	outcomeIneligible
	outcomeDeferred
)

type orderResult struct {
	outcome     outcome
	hookFailed  bool
	failure     *OrderFailure
	hookFailure *OrderFailure
}

type EngineConfig struct {
	BatchLimit  int
	Concurrency int
	// OrderTimeout bounds one order's transition plus release call.
	OrderTimeout time.Duration
	// ReleaseRetryDelay is how long a failed release waits before the relay retries it.
	ReleaseRetryDelay time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 10 * time.Second
	}
	if c.ReleaseRetryDelay <= 0 {
		c.ReleaseRetryDelay = 30 * time.Second
	}
	return c
}

type ReconciliationEngine struct {
	store     OrderStore
	hook      release.Hook
	releases  ReleaseRecorder
	cfg       EngineConfig
	log       *zap.Logger
	tracer    trace.Tracer
	observers []RunObserver
}

func NewReconciliationEngine(
	store OrderStore,
	hook release.Hook,
	releases ReleaseRecorder,
	cfg EngineConfig,
	log *zap.Logger,
	observers ...RunObserver,
) *ReconciliationEngine {
	return &ReconciliationEngine{
		store:     store,
		hook:      hook,
		releases:  releases,
		cfg:       cfg.withDefaults(),
		log:       log.Named("reconciler"),
		tracer:    otel.Tracer("memorial-orders/reconciler"),
		observers: observers,
	}
}

// RunOnce performs one pass at now. Per-order problems land in the summary;
// only a failed candidate query is returned as an error.
//
// Cancelling ctx stops new orders from being started. An order already in
// flight finishes on a detached context so a transition is never cut in half.
func (e *ReconciliationEngine) RunOnce(ctx context.Context, now time.Time) (Summary, error) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "reconcile.run", trace.WithAttributes(
		attribute.Int("batch_limit", e.cfg.BatchLimit),
	))
	defer span.End()

	summary := Summary{Now: now}

	candidates, err := e.store.FindExpiredCandidates(ctx, now, e.cfg.BatchLimit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "candidate query failed")
		return summary, fmt.Errorf("find expired candidates: %w", err)
	}
	summary.Candidates = len(candidates)

	results := make([]orderResult, len(candidates))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, order := range candidates {
		if ctx.Err() != nil {
			results[i] = orderResult{outcome: outcomeDeferred}
			continue
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("order reconcile panicked", zap.String("order_id", order.ID.String()), zap.Any("panic", r), zap.Stack("stack"))
					results[i] = orderResult{
						outcome: outcomeFailed,
						failure: &OrderFailure{OrderID: order.ID, Stage: StageTransition, Error: fmt.Sprintf("panic: %v", r)},
					}
				}
			}()
			if ctx.Err() != nil {
				results[i] = orderResult{outcome: outcomeDeferred}
				return nil
			}
			results[i] = e.reconcileOrder(ctx, order, now)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch r.outcome {
		case outcomeExpired:
			summary.Expired++
		case outcomeConflict:
			summary.Conflicts++
		case outcomeFailed:
			summary.Failed++
		case outcomeIneligible:
			summary.Ineligible++
		case outcomeDeferred:
			summary.Deferred++
		}
		if r.hookFailed {
			summary.HookFailed++
		}
		if r.failure != nil {
			summary.Failures = append(summary.Failures, *r.failure)
		}
		if r.hookFailure != nil {
			summary.Failures = append(summary.Failures, *r.hookFailure)
		}
	}
	summary.Duration = time.Since(started)

	span.SetAttributes(
		attribute.Int("candidates", summary.Candidates),
		attribute.Int("expired", summary.Expired),
		attribute.Int("conflicts", summary.Conflicts),
		attribute.Int("failed", summary.Failed),
		attribute.Int("hook_failed", summary.HookFailed),
	)
	e.logSummary(summary)

	if len(e.observers) > 0 {
		// The last pass before shutdown still gets reported.
		obsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), observeTimeout)
		for _, o := range e.observers {
			if err := o.ObserveRun(obsCtx, summary); err != nil {
				e.log.Warn("run observer failed", zap.Error(err))
			}
		}
		cancel()
	}
	return summary, nil
}

func (e *ReconciliationEngine) reconcileOrder(ctx context.Context, order domain.PaymentOrder, now time.Time) orderResult {
	id := order.ID.String()

	// The store filters already; this guards against a store that returns extra rows.
	if !domain.IsExpired(order, now) {
		e.log.Debug("candidate not eligible", zap.String("order_id", id), zap.String("state", string(order.State)))
		return orderResult{outcome: outcomeIneligible}
	}

	unit, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.OrderTimeout)
	defer cancel()

	res, err := e.store.TryTransition(unit, order.ID, domain.OrderPending, order.Version, domain.OrderExpired, now)
	if err != nil {
		e.log.Warn("expire order failed", zap.String("order_id", id), zap.Error(err))
		return orderResult{
			outcome: outcomeFailed,
			failure: &OrderFailure{OrderID: order.ID, Stage: StageTransition, Error: err.Error()},
		}
	}
	if res == domain.TransitionConflict {
		e.log.Debug("order already resolved", zap.String("order_id", id))
		return orderResult{outcome: outcomeConflict}
	}

	e.log.Info("order expired",
		zap.String("order_id", id),
		zap.Time("expires_at", order.ExpiresAt),
		zap.Duration("overdue", now.Sub(order.ExpiresAt)),
	)

	if err := callHook(unit, e.hook, order.ID); err != nil {
		e.log.Warn("release hook failed", zap.String("order_id", id), zap.Error(err))
		// The hook may have used up unit's deadline.
		rec, cancelRec := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.OrderTimeout)
		defer cancelRec()
		if recErr := e.releases.RecordFailure(rec, order.ID, err.Error(), now.Add(e.cfg.ReleaseRetryDelay)); recErr != nil {
			e.log.Error("release not queued for retry", zap.String("order_id", id), zap.Error(recErr))
		}
		return orderResult{
			outcome:     outcomeExpired,
			hookFailed:  true,
			hookFailure: &OrderFailure{OrderID: order.ID, Stage: StageRelease, Error: err.Error()},
		}
	}
	return orderResult{outcome: outcomeExpired}
}

// callHook turns a panicking hook into an ordinary release failure.
func callHook(ctx context.Context, hook release.Hook, orderID uuid.UUID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("release hook panicked: %v", r)
		}
	}()
	return hook.OnOrderExpired(ctx, orderID)
}

func (e *ReconciliationEngine) logSummary(s Summary) {
	fields := []zap.Field{
		zap.Time("now", s.Now),
		zap.Duration("duration", s.Duration),
		zap.Int("candidates", s.Candidates),
		zap.Int("expired", s.Expired),
		zap.Int("conflicts", s.Conflicts),
		zap.Int("failed", s.Failed),
		zap.Int("hook_failed", s.HookFailed),
		zap.Int("deferred", s.Deferred),
	}
	if len(s.Failures) > 0 {
		fields = append(fields, zap.Any("failures", s.Failures))
	}
	if s.Candidates == 0 {
		e.log.Debug("reconciliation pass finished", fields...)
		return
	}
	e.log.Info("reconciliation pass finished", fields...)
}
