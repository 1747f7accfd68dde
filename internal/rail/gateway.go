package rail

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind is the payment channel.
type Kind string

const (
	UPI  Kind = "UPI"
	Card Kind = "CARD"
	P2P  Kind = "P2P"
)

// ParseKind maps a client-supplied rail name to a Kind.
func ParseKind(v string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(v))); k {
	case UPI, Card, P2P:
		return k, nil
	default:
		return "", fmt.Errorf("unknown rail %q", v)
	}
}

// Request is the authorization sent to the rail. Reference lets the rail
// deduplicate retries.
type Request struct {
	Reference string
	Amount    decimal.Decimal
	Kind      Kind
}

// Decision captures the rail response.
type Decision struct {
	Approved     bool
	RailRef      string
	DeclineCause string
}

// Gateway represents a connector to an external payment rail.
type Gateway interface {
	Authorize(ctx context.Context, req Request) (Decision, error)
}

// StaticGateway answers every request with a fixed decision.
type StaticGateway struct {
	Approve bool
}

// Authorize returns the configured decision with a synthetic reference.
func (g StaticGateway) Authorize(ctx context.Context, _ Request) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if !g.Approve {
		return Decision{RailRef: uuid.NewString(), DeclineCause: "declined"}, nil
	}
	return Decision{Approved: true, RailRef: uuid.NewString()}, nil
}

// SimulatedConfig tunes the simulated rail.
type SimulatedConfig struct {
	SuccessRate map[Kind]float64
	MinLatency  time.Duration
	MaxLatency  time.Duration
}

// SimulatedGateway approves with a per-rail probability after a random delay.
// The random source is owned by the gateway and guarded for concurrent use.
type SimulatedGateway struct {
	cfg SimulatedConfig
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewSimulatedGateway builds a simulated rail. A nil rnd gets a random seed.
func NewSimulatedGateway(cfg SimulatedConfig, rnd *rand.Rand) *SimulatedGateway {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &SimulatedGateway{cfg: cfg, rnd: rnd}
}

// Authorize waits for the simulated latency, honouring ctx, then rolls the outcome.
func (g *SimulatedGateway) Authorize(ctx context.Context, req Request) (Decision, error) {
	g.mu.Lock()
	delay := g.cfg.MinLatency
	if spread := g.cfg.MaxLatency - g.cfg.MinLatency; spread > 0 {
		delay += time.Duration(g.rnd.Int64N(int64(spread)))
	}
	roll := g.rnd.Float64()
	g.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	rate, ok := g.cfg.SuccessRate[req.Kind]
	if !ok {
		rate = 1
	}
	ref := fmt.Sprintf("%s-%s", req.Kind, uuid.NewString())
	if roll >= rate {
		return Decision{RailRef: ref, DeclineCause: "issuer declined"}, nil
	}
	return Decision{Approved: true, RailRef: ref}, nil
}
