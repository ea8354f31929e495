package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"memorial-orders/internal/domain"
	"time"

	"github.com/google/uuid"
)

type OrderRepo interface {
	CreateOrder(ctx context.Context, order *domain.PaymentOrder) error
	// FindById returns domain.ErrOrderNotFound when no order has the id.
	FindById(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error)
	// FindExpiredCandidates returns PENDING orders with expires_at <= now,
	// oldest deadline first, at most limit of them.
	FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]domain.PaymentOrder, error)
	// TryTransition moves the order to next only if it is still in expected at
	// expectedVersion. A failed precondition is TransitionConflict, not an error.
	TryTransition(ctx context.Context, id uuid.UUID, expected domain.OrderState, expectedVersion int64, next domain.OrderState, at time.Time) (domain.TransitionResult, error)
}

const orderColumns = `id, user_id, memorial_id, service, amount_cents, state, created_at, expires_at, updated_at, version`

type orderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) OrderRepo {
	return &orderRepo{db: db}
}

func (r *orderRepo) CreateOrder(ctx context.Context, order *domain.PaymentOrder) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO payment_orders (`+orderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		order.ID, order.UserID, order.MemorialID, order.Service, order.AmountCents,
		order.State, order.CreatedAt, order.ExpiresAt, order.UpdatedAt, order.Version,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", order.ID, err)
	}
	return nil
}

func (r *orderRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM payment_orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order %s: %w", id, err)
	}
	return &order, nil
}

func (r *orderRepo) FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]domain.PaymentOrder, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM payment_orders
		WHERE state = $1
		AND expires_at <= $2
		ORDER BY expires_at ASC, id ASC
		LIMIT $3
	`, domain.OrderPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired candidates: %w", err)
	}
	defer rows.Close()

	var orders []domain.PaymentOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return orders, nil
}

func (r *orderRepo) TryTransition(ctx context.Context, id uuid.UUID, expected domain.OrderState, expectedVersion int64, next domain.OrderState, at time.Time) (domain.TransitionResult, error) {
	if !domain.CanTransition(expected, next) {
		return 0, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, expected, next)
	}

	// Single conditional write; the WHERE clause is the compare half of the CAS.
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_orders
		SET state = $4,
		    version = version + 1,
		    updated_at = $5
		WHERE id = $1
		AND state = $2
		AND version = $3
	`, id, expected, expectedVersion, next, at)
	if err != nil {
		return 0, fmt.Errorf("transition order %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("transition order %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return domain.TransitionConflict, nil
	}
	return domain.TransitionApplied, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.PaymentOrder, error) {
	var o domain.PaymentOrder
	err := row.Scan(
		&o.ID,
		&o.UserID,
		&o.MemorialID,
		&o.Service,
		&o.AmountCents,
		&o.State,
		&o.CreatedAt,
		&o.ExpiresAt,
		&o.UpdatedAt,
		&o.Version,
	)
	if err != nil {
		return domain.PaymentOrder{}, err
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.ExpiresAt = o.ExpiresAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}
