package payment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChargeIsIdempotent(t *testing.T) {
	g := NewMockGateway(7)
	id := uuid.New()

	first := g.Charge(context.Background(), id, 30*time.Minute)
	second := g.Charge(context.Background(), id, 30*time.Minute)
	assert.Equal(t, first, second)

	got, ok := g.CheckStatus(context.Background(), id)
	require.True(t, ok)
	assert.Equal(t, first, got)

	_, ok = g.CheckStatus(context.Background(), uuid.New())
	assert.False(t, ok)
}

func TestChargeTimingMatchesOutcome(t *testing.T) {
	g := NewMockGateway(42)
	window := 30 * time.Minute
	seen := map[Outcome]int{}

	for i := 0; i < 500; i++ {
		a := g.Charge(context.Background(), uuid.New(), window)
		seen[a.Outcome]++
		switch a.Outcome {
		case OutcomePaid:
			assert.True(t, a.Callback())
			assert.Less(t, a.After, window)
		case OutcomeLate:
			assert.True(t, a.Callback())
			assert.GreaterOrEqual(t, a.After, window)
		default:
			assert.False(t, a.Callback())
			assert.Zero(t, a.After)
		}
	}
	for _, o := range []Outcome{OutcomePaid, OutcomeDeclined, OutcomeAbandoned, OutcomeLate} {
		assert.Positive(t, seen[o], "outcome %s never drawn", o)
	}
}
