package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hook frees whatever an expired order was holding. Receivers must tolerate
// repeated calls for the same order: delivery is at-least-once.
type Hook interface {
	OnOrderExpired(ctx context.Context, orderID uuid.UUID) error
}

type HookFunc func(ctx context.Context, orderID uuid.UUID) error

func (f HookFunc) OnOrderExpired(ctx context.Context, orderID uuid.UUID) error {
	return f(ctx, orderID)
}

// Multi fans a release out to every hook. All hooks are called even when an
// earlier one fails; the joined error marks the release for redelivery.
type Multi []Hook

func (m Multi) OnOrderExpired(ctx context.Context, orderID uuid.UUID) error {
	var errs []error
	for _, h := range m {
		if err := h.OnOrderExpired(ctx, orderID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const EventOrderExpired = "OrderExpired"

// Event is the payload published to brokers on release.
type Event struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"order_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func newEvent(orderID uuid.UUID, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(Event{
		Type:       EventOrderExpired,
		OrderID:    orderID.String(),
		OccurredAt: now.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal release event: %w", err)
	}
	return payload, nil
}

type logHook struct {
	log *zap.Logger
}

// NewLogHook only records the release. Useful when no reservation system is attached.
func NewLogHook(log *zap.Logger) Hook {
	return &logHook{log: log}
}

func (h *logHook) OnOrderExpired(ctx context.Context, orderID uuid.UUID) error {
	h.log.Info("reservation released", zap.String("order_id", orderID.String()))
	return nil
}
