package offer

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when no active, unexpired offer carries the code.
var ErrNotFound = errors.New("offer not found")

// Offer is a redeemable discount bound to a merchant token.
type Offer struct {
	ID            string
	Title         string
	RedeemCode    string
	MerchantToken string
	Category      string
	RewardPercent decimal.Decimal
	Active        bool
	ValidFrom     time.Time
	ValidTo       time.Time
}

// ValidAt reports whether the offer is active and inside its validity window.
func (o Offer) ValidAt(at time.Time) bool {
	return o.Active && !at.Before(o.ValidFrom) && !at.After(o.ValidTo)
}

// Catalog stores offers.
type Catalog interface {
	FindActiveByCode(ctx context.Context, code string, at time.Time) (Offer, error)
	ListActive(ctx context.Context, at time.Time) ([]Offer, error)
	// Rotate deactivates every offer and activates the given set, inserting
	// or refreshing by redeem code. It returns the number activated.
	Rotate(ctx context.Context, offers []Offer) (int, error)
}
