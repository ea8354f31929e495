package service

import (
	"context"
	"fmt"
	"memorial-orders/internal/clock"
	"memorial-orders/internal/domain"
	"memorial-orders/internal/repo"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type CreateOrderInput struct {
	UserID      uuid.UUID
	MemorialID  uuid.UUID
	Service     domain.ServiceKind
	AmountCents int64
}

type OrderService interface {
	CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.PaymentOrder, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error)
	// CompletePayment handles the payment provider's success callback.
	CompletePayment(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error)
	CancelOrder(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error)
}

type orderService struct {
	orderRepo repo.OrderRepo
	clock     clock.Clock
	grace     time.Duration
	log       *zap.Logger
}

func NewOrderService(
	orderRepo repo.OrderRepo,
	clk clock.Clock,
	grace time.Duration,
	log *zap.Logger,
) OrderService {
	return &orderService{
		orderRepo: orderRepo,
		clock:     clk,
		grace:     grace,
		log:       log.Named("orders"),
	}
}

func (s *orderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.PaymentOrder, error) {
	order, err := domain.NewPaymentOrder(s.clock.Now(), s.grace, in.UserID, in.MemorialID, in.Service, in.AmountCents)
	if err != nil {
		return nil, err
	}

	if err := s.orderRepo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	s.log.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("service", string(order.Service)),
		zap.Time("expires_at", order.ExpiresAt),
	)
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error) {
	return s.orderRepo.FindById(ctx, id)
}

// CompletePayment refuses payments at or after expires_at even while the order
// is still PENDING; the reconciler will expire it on its next pass.
func (s *orderService) CompletePayment(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error) {
	order, err := s.orderRepo.FindById(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if order.State != domain.OrderPending {
		return order, fmt.Errorf("order %s is %s: %w", id, order.State, domain.ErrOrderNotPending)
	}
	if !now.Before(order.ExpiresAt) {
		s.log.Warn("payment arrived after expiry",
			zap.String("order_id", id.String()),
			zap.Time("expires_at", order.ExpiresAt),
		)
		return order, fmt.Errorf("order %s: %w", id, domain.ErrOrderExpired)
	}

	return s.transition(ctx, order, domain.OrderPaid, now)
}

func (s *orderService) CancelOrder(ctx context.Context, id uuid.UUID) (*domain.PaymentOrder, error) {
	order, err := s.orderRepo.FindById(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.State != domain.OrderPending {
		return order, fmt.Errorf("order %s is %s: %w", id, order.State, domain.ErrOrderNotPending)
	}
	return s.transition(ctx, order, domain.OrderCancelled, s.clock.Now())
}

func (s *orderService) transition(ctx context.Context, order *domain.PaymentOrder, next domain.OrderState, now time.Time) (*domain.PaymentOrder, error) {
	res, err := s.orderRepo.TryTransition(ctx, order.ID, domain.OrderPending, order.Version, next, now)
	if err != nil {
		return nil, err
	}

	if res == domain.TransitionConflict {
		// Lost the race, most likely to the reconciler.
		current, err := s.orderRepo.FindById(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		s.log.Info("order resolved concurrently",
			zap.String("order_id", order.ID.String()),
			zap.String("wanted", string(next)),
			zap.String("state", string(current.State)),
		)
		return current, fmt.Errorf("order %s is %s: %w", order.ID, current.State, domain.ErrOrderNotPending)
	}

	order.State = next
	order.Version++
	order.UpdatedAt = now
	s.log.Info("order updated", zap.String("order_id", order.ID.String()), zap.String("state", string(next)))
	return order, nil
}
