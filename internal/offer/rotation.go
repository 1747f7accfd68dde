package offer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Template is a brand offer the rotation job can activate.
type Template struct {
	Title         string
	Category      string
	RewardPercent decimal.Decimal
}

// Code derives the redeem code: the upper-cased first word of the title
// followed by the whole percent, e.g. SWIGGY25.
func (t Template) Code() string {
	percent := t.RewardPercent.Mul(decimal.NewFromInt(100)).Round(0)
	return strings.ToUpper(firstWord(t.Title)) + percent.String()
}

// MerchantToken is the lower-cased first word of the title.
func (t Template) MerchantToken() string {
	return strings.ToLower(firstWord(t.Title))
}

// DefaultTemplates is the brand pool used when none is configured.
func DefaultTemplates() []Template {
	pct := decimal.RequireFromString
	return []Template{
		{Title: "Amazon Sale - 20% Cashback", Category: "ecommerce", RewardPercent: pct("0.20")},
		{Title: "Flipkart Big Billion Days", Category: "ecommerce", RewardPercent: pct("0.15")},
		{Title: "Swiggy Food Fest - 25% Off", Category: "food", RewardPercent: pct("0.25")},
		{Title: "Zomato Gold Offer", Category: "food", RewardPercent: pct("0.25")},
		{Title: "Nike Store - Flat 20% Back", Category: "retail", RewardPercent: pct("0.20")},
		{Title: "Myntra Fashion Sale", Category: "fashion", RewardPercent: pct("0.20")},
		{Title: "BookMyShow Movie Bonanza", Category: "entertainment", RewardPercent: pct("0.25")},
		{Title: "Uber Rides Discount", Category: "transport", RewardPercent: pct("0.15")},
		{Title: "Big Bazaar Grocery Deals", Category: "grocery", RewardPercent: pct("0.10")},
		{Title: "Reliance Digital Electronics", Category: "electronics", RewardPercent: pct("0.10")},
		{Title: "Decathlon Sports Sale", Category: "sports", RewardPercent: pct("0.20")},
		{Title: "Nykaa Beauty Bonanza", Category: "beauty", RewardPercent: pct("0.25")},
	}
}

// Rotator periodically replaces the active offer set with a random draw from
// the template pool.
type Rotator struct {
	catalog   Catalog
	templates []Template
	count     int
	validity  time.Duration
	rnd       *rand.Rand
	now       func() time.Time
	logger    *slog.Logger
}

// RotatorConfig configures a Rotator.
type RotatorConfig struct {
	Templates []Template
	Count     int
	Validity  time.Duration
	Rand      *rand.Rand
	Now       func() time.Time
}

// NewRotator builds a rotation job.
func NewRotator(catalog Catalog, cfg RotatorConfig, logger *slog.Logger) *Rotator {
	if len(cfg.Templates) == 0 {
		cfg.Templates = DefaultTemplates()
	}
	if cfg.Count <= 0 {
		cfg.Count = 5
	}
	if cfg.Validity <= 0 {
		cfg.Validity = 24 * time.Hour
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Rotator{
		catalog:   catalog,
		templates: cfg.Templates,
		count:     cfg.Count,
		validity:  cfg.Validity,
		rnd:       cfg.Rand,
		now:       cfg.Now,
		logger:    logger,
	}
}

// Rotate activates a fresh random selection valid from now for the configured window.
func (r *Rotator) Rotate(ctx context.Context) (int, error) {
	pool := append([]Template(nil), r.templates...)
	r.rnd.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > r.count {
		pool = pool[:r.count]
	}

	now := r.now()
	selected := make([]Offer, 0, len(pool))
	for _, t := range pool {
		selected = append(selected, Offer{
			Title:         t.Title,
			RedeemCode:    t.Code(),
			MerchantToken: t.MerchantToken(),
			Category:      t.Category,
			RewardPercent: t.RewardPercent,
			Active:        true,
			ValidFrom:     now,
			ValidTo:       now.Add(r.validity),
		})
	}

	n, err := r.catalog.Rotate(ctx, selected)
	if err != nil {
		return 0, fmt.Errorf("rotate offers: %w", err)
	}
	r.logger.Info("offers rotated", slog.Int("activated", n))
	return n, nil
}
