package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"memorial-orders/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newPendingOrder(t *testing.T, created time.Time, grace time.Duration) *domain.PaymentOrder {
	t.Helper()
	o, err := domain.NewPaymentOrder(created, grace, uuid.New(), uuid.New(), domain.ServicePremium, 1000)
	require.NoError(t, err)
	return o
}

func TestMemoryCandidatesOldestFirstAndCapped(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryOrderRepo()

	o3 := newPendingOrder(t, t0.Add(2*time.Minute), 30*time.Minute)
	o1 := newPendingOrder(t, t0, 30*time.Minute)
	o2 := newPendingOrder(t, t0.Add(time.Minute), 30*time.Minute)
	notYet := newPendingOrder(t, t0.Add(10*time.Minute), 30*time.Minute)
	for _, o := range []*domain.PaymentOrder{o3, o1, o2, notYet} {
		require.NoError(t, r.CreateOrder(ctx, o))
	}

	got, err := r.FindExpiredCandidates(ctx, t0.Add(35*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, o1.ID, got[0].ID)
	assert.Equal(t, o2.ID, got[1].ID)

	all, err := r.FindExpiredCandidates(ctx, t0.Add(35*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryCandidatesSkipNonPending(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryOrderRepo()

	o := newPendingOrder(t, t0, 30*time.Minute)
	require.NoError(t, r.CreateOrder(ctx, o))
	res, err := r.TryTransition(ctx, o.ID, domain.OrderPending, 1, domain.OrderPaid, t0.Add(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, domain.TransitionApplied, res)

	got, err := r.FindExpiredCandidates(ctx, t0.Add(31*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryTryTransitionStaleVersion(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryOrderRepo()

	o := newPendingOrder(t, t0, 30*time.Minute)
	require.NoError(t, r.CreateOrder(ctx, o))

	res, err := r.TryTransition(ctx, o.ID, domain.OrderPending, 0, domain.OrderExpired, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.TransitionConflict, res)

	res, err = r.TryTransition(ctx, uuid.New(), domain.OrderPending, 1, domain.OrderExpired, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.TransitionConflict, res)

	stored, err := r.FindById(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, stored.State)
	assert.Equal(t, int64(1), stored.Version)
}

func TestMemoryConcurrentPayAndExpire(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		r := NewMemoryOrderRepo()
		o := newPendingOrder(t, t0, 30*time.Minute)
		require.NoError(t, r.CreateOrder(ctx, o))

		var wg sync.WaitGroup
		results := make([]domain.TransitionResult, 2)
		for j, next := range []domain.OrderState{domain.OrderPaid, domain.OrderExpired} {
			wg.Add(1)
			go func(j int, next domain.OrderState) {
				defer wg.Done()
				res, err := r.TryTransition(ctx, o.ID, domain.OrderPending, o.Version, next, t0.Add(31*time.Minute))
				assert.NoError(t, err)
				results[j] = res
			}(j, next)
		}
		wg.Wait()

		assert.ElementsMatch(t, []domain.TransitionResult{domain.TransitionApplied, domain.TransitionConflict}, results)
		stored, err := r.FindById(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), stored.Version)
		assert.True(t, stored.State == domain.OrderPaid || stored.State == domain.OrderExpired)
	}
}

func TestMemoryReleaseLifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryReleaseRepo()
	id := uuid.New()

	require.NoError(t, r.RecordFailure(ctx, id, "boom", t0))

	tasks, err := r.LockBatch(ctx, t0.Add(time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	again, err := r.LockBatch(ctx, t0.Add(2*time.Second), 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased task must not be claimed twice")

	reclaimed, err := r.LockBatch(ctx, t0.Add(2*time.Minute), 10, time.Minute)
	require.NoError(t, err)
	assert.Len(t, reclaimed, 1, "expired lease makes the task claimable")

	require.NoError(t, r.MarkReleased(ctx, id, t0.Add(3*time.Minute)))
	task, ok := r.Task(id)
	require.True(t, ok)
	assert.Equal(t, domain.ReleaseDone, task.Status)

	require.NoError(t, r.RecordFailure(ctx, id, "late duplicate", t0.Add(4*time.Minute)))
	task, _ = r.Task(id)
	assert.Equal(t, domain.ReleaseDone, task.Status)
}

func TestMemoryReleaseStampsWriteTime(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryReleaseRepo()
	r.now = func() time.Time { return t0 }
	id := uuid.New()

	require.NoError(t, r.RecordFailure(ctx, id, "timeout", t0.Add(time.Minute)))
	task, ok := r.Task(id)
	require.True(t, ok)
	assert.Equal(t, t0, task.CreatedAt)
	assert.Equal(t, t0, task.UpdatedAt)
	assert.Equal(t, t0.Add(time.Minute), task.NextAttemptAt)

	r.now = func() time.Time { return t0.Add(2 * time.Minute) }
	require.NoError(t, r.MarkFailed(ctx, id, "timeout", t0.Add(5*time.Minute), false))
	task, _ = r.Task(id)
	assert.Equal(t, t0, task.CreatedAt)
	assert.Equal(t, t0.Add(2*time.Minute), task.UpdatedAt)
}
