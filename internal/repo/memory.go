package repo

import (
	"context"
	"fmt"
	"memorial-orders/internal/domain"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryOrderRepo keeps orders in process memory. The mutex makes TryTransition
// atomic in the same way the conditional UPDATE is for postgres.
type MemoryOrderRepo struct {
	mu     sync.Mutex
	orders map[uuid.UUID]domain.PaymentOrder
}

func NewMemoryOrderRepo() *MemoryOrderRepo {
	return &MemoryOrderRepo{orders: make(map[uuid.UUID]domain.PaymentOrder)}
}

func (r *MemoryOrderRepo) CreateOrder(ctx context.Context, order *domain.PaymentOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return fmt.Errorf("insert order %s: duplicate id", order.ID)
	}
	r.orders[order.ID] = *order
	return nil
}

func (r *MemoryOrderRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &order, nil
}

func (r *MemoryOrderRepo) FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]domain.PaymentOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []domain.PaymentOrder
	for _, o := range r.orders {
		if o.State == domain.OrderPending && !o.ExpiresAt.After(now) {
			candidates = append(candidates, o)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ExpiresAt.Equal(candidates[j].ExpiresAt) {
			return candidates[i].ID.String() < candidates[j].ID.String()
		}
		return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
	})
	if limit >= 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (r *MemoryOrderRepo) TryTransition(ctx context.Context, id uuid.UUID, expected domain.OrderState, expectedVersion int64, next domain.OrderState, at time.Time) (domain.TransitionResult, error) {
	if !domain.CanTransition(expected, next) {
		return 0, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, next)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[id]
	if !ok || order.State != expected || order.Version != expectedVersion {
		return domain.TransitionConflict, nil
	}
	order.State = next
	order.Version++
	order.UpdatedAt = at
	r.orders[id] = order
	return domain.TransitionApplied, nil
}

// MemoryReleaseRepo is the in-process counterpart of the release_retries table.
// Like the table, rows are stamped with the wall clock at write time.
type MemoryReleaseRepo struct {
	mu          sync.Mutex
	tasks       map[uuid.UUID]domain.ReleaseTask
	lockedUntil map[uuid.UUID]time.Time
	now         func() time.Time
}

func NewMemoryReleaseRepo() *MemoryReleaseRepo {
	return &MemoryReleaseRepo{
		tasks:       make(map[uuid.UUID]domain.ReleaseTask),
		lockedUntil: make(map[uuid.UUID]time.Time),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryReleaseRepo) RecordFailure(ctx context.Context, orderID uuid.UUID, cause string, nextAttemptAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[orderID]
	if ok && task.Status == domain.ReleaseDone {
		return nil
	}
	now := r.now()
	if !ok {
		task = domain.ReleaseTask{OrderID: orderID, CreatedAt: now}
	}
	task.Status = domain.ReleasePending
	task.Attempts++
	task.LastError = cause
	task.NextAttemptAt = nextAttemptAt
	task.UpdatedAt = now
	r.tasks[orderID] = task
	delete(r.lockedUntil, orderID)
	return nil
}

func (r *MemoryReleaseRepo) LockBatch(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.ReleaseTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []domain.ReleaseTask
	for id, t := range r.tasks {
		switch t.Status {
		case domain.ReleasePending:
			if !t.NextAttemptAt.After(now) {
				due = append(due, t)
			}
		case domain.ReleaseInProgress:
			if r.lockedUntil[id].Before(now) {
				due = append(due, t)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = domain.ReleaseInProgress
		due[i].UpdatedAt = now
		r.tasks[due[i].OrderID] = due[i]
		r.lockedUntil[due[i].OrderID] = now.Add(lease)
	}
	return due, nil
}

func (r *MemoryReleaseRepo) MarkReleased(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[orderID]
	if !ok {
		return nil
	}
	task.Status = domain.ReleaseDone
	task.UpdatedAt = at
	r.tasks[orderID] = task
	delete(r.lockedUntil, orderID)
	return nil
}

func (r *MemoryReleaseRepo) MarkFailed(ctx context.Context, orderID uuid.UUID, cause string, nextAttemptAt time.Time, dead bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[orderID]
	if !ok {
		return nil
	}
	task.Status = domain.ReleasePending
	if dead {
		task.Status = domain.ReleaseDead
	}
	task.Attempts++
	task.LastError = cause
	task.NextAttemptAt = nextAttemptAt
	task.UpdatedAt = r.now()
	r.tasks[orderID] = task
	delete(r.lockedUntil, orderID)
	return nil
}

// Task returns a copy of the task for orderID.
func (r *MemoryReleaseRepo) Task(orderID uuid.UUID) (domain.ReleaseTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[orderID]
	return t, ok
}
