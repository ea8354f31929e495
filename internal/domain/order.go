package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type OrderState string

const (
	OrderPending   OrderState = "PENDING"
	OrderPaid      OrderState = "PAID"
	OrderExpired   OrderState = "EXPIRED"
	OrderCancelled OrderState = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s OrderState) Terminal() bool {
	return s == OrderPaid || s == OrderExpired || s == OrderCancelled
}

func (s OrderState) Valid() bool {
	return s == OrderPending || s.Terminal()
}

// CanTransition reports whether from -> to is one of the allowed moves.
func CanTransition(from, to OrderState) bool {
	return from == OrderPending && to.Terminal()
}

// ServiceKind is the paid memorial service an order was placed for.
type ServiceKind string

const (
	ServicePublish             ServiceKind = "PUBLISH"
	ServicePremium             ServiceKind = "PREMIUM"
	ServiceAnniversaryReminder ServiceKind = "ANNIVERSARY_REMINDER"
)

func (k ServiceKind) Valid() bool {
	switch k {
	case ServicePublish, ServicePremium, ServiceAnniversaryReminder:
		return true
	}
	return false
}

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPending = errors.New("order is not in pending state")
	ErrOrderExpired    = errors.New("order payment window has expired")
	ErrInvalidOrder    = errors.New("invalid order")

	// ErrInvalidTransition is returned for a requested move outside PENDING -> terminal.
	ErrInvalidTransition = errors.New("invalid state transition")
)

type PaymentOrder struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	MemorialID  uuid.UUID
	Service     ServiceKind
	AmountCents int64
	State       OrderState
	CreatedAt   time.Time
	// ExpiresAt is frozen at creation; later grace-period changes never touch it.
	ExpiresAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// NewPaymentOrder builds a PENDING order whose settlement window is now+grace.
func NewPaymentOrder(now time.Time, grace time.Duration, userID, memorialID uuid.UUID, service ServiceKind, amountCents int64) (*PaymentOrder, error) {
	if !service.Valid() {
		return nil, errors.Join(ErrInvalidOrder, errors.New("unknown service kind"))
	}
	if amountCents <= 0 {
		return nil, errors.Join(ErrInvalidOrder, errors.New("amount must be positive"))
	}
	if grace <= 0 {
		return nil, errors.Join(ErrInvalidOrder, errors.New("grace period must be positive"))
	}

	now = now.UTC()
	return &PaymentOrder{
		ID:          uuid.New(),
		UserID:      userID,
		MemorialID:  memorialID,
		Service:     service,
		AmountCents: amountCents,
		State:       OrderPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(grace),
		UpdatedAt:   now,
		Version:     1,
	}, nil
}

// TransitionResult is the outcome of a conditional state update.
type TransitionResult int

const (
	TransitionApplied TransitionResult = iota + 1
	TransitionConflict
)

func (r TransitionResult) String() string {
	switch r {
	case TransitionApplied:
		return "applied"
	case TransitionConflict:
		return "conflict"
	}
	return "unknown"
}
