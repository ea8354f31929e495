package repo

import (
	"context"
	"database/sql"
	"fmt"
	"memorial-orders/internal/domain"
	"time"

	"github.com/google/uuid"
)

// ReleaseRepo is the durable outbox of release-hook calls that still have to be delivered.
type ReleaseRepo interface {
	// RecordFailure enqueues (or re-arms) a release for orderID, due at nextAttemptAt.
	RecordFailure(ctx context.Context, orderID uuid.UUID, cause string, nextAttemptAt time.Time) error
	// LockBatch claims due tasks for lease; tasks whose lease ran out are claimable again.
	LockBatch(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.ReleaseTask, error)
	MarkReleased(ctx context.Context, orderID uuid.UUID, at time.Time) error
	// MarkFailed records a failed redelivery; dead tasks are never claimed again.
	MarkFailed(ctx context.Context, orderID uuid.UUID, cause string, nextAttemptAt time.Time, dead bool) error
}

type releaseRepo struct {
	db *sql.DB
}

func NewReleaseRepo(db *sql.DB) ReleaseRepo {
	return &releaseRepo{db: db}
}

func (r *releaseRepo) RecordFailure(ctx context.Context, orderID uuid.UUID, cause string, nextAttemptAt time.Time) error {
	query := `
		INSERT INTO release_retries (order_id, status, attempts, last_error, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $4, now(), now())
		ON CONFLICT (order_id) DO UPDATE
		SET status = $2,
		    attempts = release_retries.attempts + 1,
		    last_error = $3,
		    next_attempt_at = $4,
		    locked_until = NULL,
		    updated_at = now()
		WHERE release_retries.status <> $5
	`
	_, err := r.db.ExecContext(ctx, query, orderID, domain.ReleasePending, cause, nextAttemptAt, domain.ReleaseDone)
	if err != nil {
		return fmt.Errorf("record release failure %s: %w", orderID, err)
	}
	return nil
}

func (r *releaseRepo) LockBatch(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.ReleaseTask, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lock batch: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT order_id, status, attempts, last_error, next_attempt_at, created_at, updated_at
		FROM release_retries
		WHERE (status = $1 AND next_attempt_at <= $3)
		OR (status = $2 AND locked_until < $3)
		ORDER BY next_attempt_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, domain.ReleasePending, domain.ReleaseInProgress, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due releases: %w", err)
	}

	var tasks []domain.ReleaseTask
	for rows.Next() {
		var t domain.ReleaseTask
		var lastError sql.NullString
		if err := rows.Scan(&t.OrderID, &t.Status, &t.Attempts, &lastError, &t.NextAttemptAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan release: %w", err)
		}
		t.LastError = lastError.String
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate releases: %w", err)
	}

	if len(tasks) == 0 {
		return nil, tx.Commit()
	}

	lockedUntil := now.Add(lease)
	for i := range tasks {
		_, err := tx.ExecContext(ctx,
			`UPDATE release_retries SET status = $2, locked_until = $3, updated_at = $4 WHERE order_id = $1`,
			tasks[i].OrderID, domain.ReleaseInProgress, lockedUntil, now,
		)
		if err != nil {
			return nil, fmt.Errorf("lease release %s: %w", tasks[i].OrderID, err)
		}
		tasks[i].Status = domain.ReleaseInProgress
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lock batch: %w", err)
	}
	return tasks, nil
}

func (r *releaseRepo) MarkReleased(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE release_retries SET status = $2, locked_until = NULL, updated_at = $3 WHERE order_id = $1`,
		orderID, domain.ReleaseDone, at,
	)
	if err != nil {
		return fmt.Errorf("mark released %s: %w", orderID, err)
	}
	return nil
}

func (r *releaseRepo) MarkFailed(ctx context.Context, orderID uuid.UUID, cause string, nextAttemptAt time.Time, dead bool) error {
	status := domain.ReleasePending
	if dead {
		status = domain.ReleaseDead
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE release_retries
		SET status = $2,
		    attempts = attempts + 1,
		    last_error = $3,
		    next_attempt_at = $4,
		    locked_until = NULL,
		    updated_at = now()
		WHERE order_id = $1
	`, orderID, status, cause, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("mark release failed %s: %w", orderID, err)
	}
	return nil
}
