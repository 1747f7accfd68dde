package offer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MatchRule decides whether an offer's merchant token covers a merchant name.
type MatchRule string

const (
	// MatchSubstring accepts the token anywhere in the merchant name.
	MatchSubstring MatchRule = "substring"
	// MatchFirstWord requires the token to equal the first word of the merchant name.
	MatchFirstWord MatchRule = "first_word"
	// MatchExact requires the whole merchant name to equal the token.
	MatchExact MatchRule = "exact"
)

// ParseMatchRule maps a configuration value to a rule.
func ParseMatchRule(v string) (MatchRule, error) {
	switch MatchRule(strings.ToLower(strings.TrimSpace(v))) {
	case "", MatchSubstring:
		return MatchSubstring, nil
	case MatchFirstWord:
		return MatchFirstWord, nil
	case MatchExact:
		return MatchExact, nil
	default:
		return "", fmt.Errorf("unknown coupon match rule %q", v)
	}
}

// Matches applies the rule case-insensitively.
func (r MatchRule) Matches(token, merchant string) bool {
	token = strings.ToLower(strings.TrimSpace(token))
	merchant = strings.ToLower(strings.TrimSpace(merchant))
	if token == "" {
		return false
	}
	switch r {
	case MatchFirstWord:
		return firstWord(merchant) == token
	case MatchExact:
		return merchant == token
	default:
		return strings.Contains(merchant, token)
	}
}

// CouponStatus is the outcome of resolving a redeem code.
type CouponStatus int

const (
	CouponNone CouponStatus = iota
	CouponApplied
	CouponRejected
)

// Rejection reasons.
const (
	ReasonInvalidCoupon       = "invalid_coupon"
	ReasonMerchantNotEligible = "merchant_not_eligible"
)

// Coupon is the resolved discount. Final is the amount to authorize.
type Coupon struct {
	Status   CouponStatus
	Code     string
	Offer    *Offer
	Discount decimal.Decimal
	Final    decimal.Decimal
	Reason   string
}

// Resolver turns a redeem code into a discount.
type Resolver struct {
	catalog Catalog
	rule    MatchRule
	now     func() time.Time
}

// NewResolver builds a resolver. A nil clock uses wall time.
func NewResolver(catalog Catalog, rule MatchRule, now func() time.Time) *Resolver {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if rule == "" {
		rule = MatchSubstring
	}
	return &Resolver{catalog: catalog, rule: rule, now: now}
}

// Resolve applies the offer behind code to amount. Rejections are returned
// as a Coupon with a reason, not as an error.
func (r *Resolver) Resolve(ctx context.Context, merchant, code string, amount decimal.Decimal) (Coupon, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Coupon{Status: CouponNone, Discount: decimal.Zero, Final: amount}, nil
	}

	o, err := r.catalog.FindActiveByCode(ctx, code, r.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return rejected(code, amount, ReasonInvalidCoupon), nil
		}
		return Coupon{}, fmt.Errorf("find offer %s: %w", code, err)
	}
	if !r.rule.Matches(o.MerchantToken, merchant) {
		return rejected(code, amount, ReasonMerchantNotEligible), nil
	}

	discount := amount.Mul(o.RewardPercent)
	final := amount.Sub(discount)
	if !final.IsPositive() {
		return rejected(code, amount, ReasonInvalidCoupon), nil
	}
	return Coupon{
		Status:   CouponApplied,
		Code:     code,
		Offer:    &o,
		Discount: discount,
		Final:    final,
	}, nil
}

func rejected(code string, amount decimal.Decimal, reason string) Coupon {
	return Coupon{Status: CouponRejected, Code: code, Discount: decimal.Zero, Final: amount, Reason: reason}
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
