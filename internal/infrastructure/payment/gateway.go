package payment

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	// OutcomePaid: the provider calls back inside the payment window.
	OutcomePaid Outcome = "PAID"
	// OutcomeDeclined: the card is refused and no callback is sent.
	OutcomeDeclined Outcome = "DECLINED"
	// OutcomeAbandoned: the user leaves checkout.
	OutcomeAbandoned Outcome = "ABANDONED"
	// OutcomeLate: the charge succeeds but the callback lands after the window closed.
	OutcomeLate Outcome = "LATE"
)

// Attempt is what the simulated provider decided for one order. After is the
// callback delay measured from order creation; it is zero when no callback is sent.
type Attempt struct {
	OrderID uuid.UUID
	Outcome Outcome
	After   time.Duration
}

func (a Attempt) Callback() bool {
	return a.Outcome == OutcomePaid || a.Outcome == OutcomeLate
}

type Gateway interface {
	Charge(ctx context.Context, orderID uuid.UUID, window time.Duration) Attempt
	CheckStatus(ctx context.Context, orderID uuid.UUID) (Attempt, bool)
}

type mockGateway struct {
	mu       sync.RWMutex
	rnd      *rand.Rand
	attempts map[uuid.UUID]Attempt
}

// NewMockGateway simulates a provider. The same seed yields the same outcomes.
func NewMockGateway(seed uint64) Gateway {
	return &mockGateway{
		rnd:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		attempts: make(map[uuid.UUID]Attempt),
	}
}

func (g *mockGateway) Charge(ctx context.Context, orderID uuid.UUID, window time.Duration) Attempt {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Charging twice is idempotent per order.
	if a, ok := g.attempts[orderID]; ok {
		return a
	}

	a := Attempt{OrderID: orderID}
	chance := g.rnd.IntN(100)
	switch {
	case chance < 60:
		a.Outcome = OutcomePaid
		a.After = time.Duration(g.rnd.Int64N(int64(window)))
	case chance < 75:
		a.Outcome = OutcomeDeclined
	case chance < 90:
		a.Outcome = OutcomeAbandoned
	default:
		a.Outcome = OutcomeLate
		a.After = window + time.Duration(g.rnd.Int64N(int64(window/2)+1))
	}
	g.attempts[orderID] = a
	return a
}

func (g *mockGateway) CheckStatus(ctx context.Context, orderID uuid.UUID) (Attempt, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	a, ok := g.attempts[orderID]
	return a, ok
}
