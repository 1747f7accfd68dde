package rail

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind(" upi ")
	require.NoError(t, err)
	assert.Equal(t, UPI, k)

	k, err = ParseKind("card")
	require.NoError(t, err)
	assert.Equal(t, Card, k)

	_, err = ParseKind("wire")
	assert.Error(t, err)
}

func TestStaticGateway(t *testing.T) {
	d, err := StaticGateway{Approve: true}.Authorize(context.Background(), Request{Kind: UPI})
	require.NoError(t, err)
	assert.True(t, d.Approved)

	d, err = StaticGateway{}.Authorize(context.Background(), Request{Kind: UPI})
	require.NoError(t, err)
	assert.False(t, d.Approved)
}

func TestSimulatedGatewayRates(t *testing.T) {
	g := NewSimulatedGateway(SimulatedConfig{
		SuccessRate: map[Kind]float64{UPI: 1, Card: 0},
	}, rand.New(rand.NewPCG(7, 7)))

	for i := 0; i < 20; i++ {
		d, err := g.Authorize(context.Background(), Request{Kind: UPI, Amount: decimal.NewFromInt(1)})
		require.NoError(t, err)
		assert.True(t, d.Approved)

		d, err = g.Authorize(context.Background(), Request{Kind: Card, Amount: decimal.NewFromInt(1)})
		require.NoError(t, err)
		assert.False(t, d.Approved)
	}
}

func TestSimulatedGatewayHonoursDeadline(t *testing.T) {
	g := NewSimulatedGateway(SimulatedConfig{
		SuccessRate: map[Kind]float64{UPI: 1},
		MinLatency:  time.Second,
		MaxLatency:  2 * time.Second,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := g.Authorize(ctx, Request{Kind: UPI})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}
