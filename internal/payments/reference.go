package payments

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/fluxpay/fluxpay/internal/rail"
)

// ReferenceGenerator produces candidate transaction references. Uniqueness is
// enforced by the journal; the engine regenerates on collision.
type ReferenceGenerator interface {
	Next(kind rail.Kind) string
}

// TimeReferences builds references of the form TXN<unix-ms><3 digits> for
// merchant payments and UPI<unix-ms><3 digits> for transfers.
type TimeReferences struct {
	mu  sync.Mutex
	now func() time.Time
	rnd *rand.Rand
}

// NewTimeReferences constructs a generator. Nil arguments fall back to wall
// time and a randomly seeded source.
func NewTimeReferences(now func() time.Time, rnd *rand.Rand) *TimeReferences {
	if now == nil {
		now = time.Now
	}
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &TimeReferences{now: now, rnd: rnd}
}

// Next implements ReferenceGenerator.
func (g *TimeReferences) Next(kind rail.Kind) string {
	prefix := "TXN"
	if kind == rail.P2P {
		prefix = "UPI"
	}
	g.mu.Lock()
	suffix := g.rnd.IntN(1000)
	g.mu.Unlock()
	return fmt.Sprintf("%s%d%03d", prefix, g.now().UnixMilli(), suffix)
}
