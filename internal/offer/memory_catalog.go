package offer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryCatalog struct {
	mu     sync.RWMutex
	offers map[string]Offer
}

// NewMemoryCatalog constructs an in-memory catalog seeded with offers.
func NewMemoryCatalog(seed ...Offer) Catalog {
	c := &memoryCatalog{offers: make(map[string]Offer)}
	for _, o := range seed {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		c.offers[o.RedeemCode] = o
	}
	return c
}

func (c *memoryCatalog) FindActiveByCode(_ context.Context, code string, at time.Time) (Offer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.offers[code]
	if !ok || !o.ValidAt(at) {
		return Offer{}, ErrNotFound
	}
	return o, nil
}

func (c *memoryCatalog) ListActive(_ context.Context, at time.Time) ([]Offer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Offer
	for _, o := range c.offers {
		if o.Active && !at.After(o.ValidTo) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RedeemCode < out[j].RedeemCode })
	return out, nil
}

func (c *memoryCatalog) Rotate(_ context.Context, offers []Offer) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for code, o := range c.offers {
		o.Active = false
		c.offers[code] = o
	}
	for _, o := range offers {
		if existing, ok := c.offers[o.RedeemCode]; ok {
			o.ID = existing.ID
		} else if o.ID == "" {
			o.ID = uuid.NewString()
		}
		o.Active = true
		c.offers[o.RedeemCode] = o
	}
	return len(offers), nil
}
