package payments

import (
	"fmt"
	"time"
)

// Reason identifies why an authorization was rejected before any money moved.
type Reason string

const (
	ReasonInvalidRequest      Reason = "invalid_request"
	ReasonInvalidAmount       Reason = "invalid_amount"
	ReasonInvalidPIN          Reason = "invalid_pin_format"
	ReasonPinNotConfigured    Reason = "pin_not_configured"
	ReasonPinDenied           Reason = "pin_denied"
	ReasonPinLocked           Reason = "pin_locked"
	ReasonInvalidCoupon       Reason = "invalid_coupon"
	ReasonMerchantNotEligible Reason = "merchant_not_eligible"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonRecipientNotFound   Reason = "recipient_not_found"
	ReasonInvalidRecipient    Reason = "invalid_recipient"
	ReasonIdempotencyConflict Reason = "idempotency_conflict"
)

// Rejection is returned for every pre-authorization failure. Callers branch
// with errors.Is against the sentinel values below, or errors.As to read
// AttemptsLeft and RetryAfter. Reference is set only when the rejection
// happened after a transaction was recorded.
type Rejection struct {
	Reason       Reason
	Message      string
	AttemptsLeft int
	RetryAfter   time.Time
	Reference    string
}

func (r *Rejection) Error() string {
	if r.Message != "" {
		return fmt.Sprintf("%s: %s", r.Reason, r.Message)
	}
	return string(r.Reason)
}

// Is matches any Rejection with the same reason.
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

var (
	ErrInvalidRequest      = &Rejection{Reason: ReasonInvalidRequest}
	ErrInvalidAmount       = &Rejection{Reason: ReasonInvalidAmount}
	ErrInvalidPIN          = &Rejection{Reason: ReasonInvalidPIN}
	ErrPinNotConfigured    = &Rejection{Reason: ReasonPinNotConfigured}
	ErrPinDenied           = &Rejection{Reason: ReasonPinDenied}
	ErrPinLocked           = &Rejection{Reason: ReasonPinLocked}
	ErrInvalidCoupon       = &Rejection{Reason: ReasonInvalidCoupon}
	ErrMerchantNotEligible = &Rejection{Reason: ReasonMerchantNotEligible}
	ErrInsufficientBalance = &Rejection{Reason: ReasonInsufficientBalance}
	ErrRecipientNotFound   = &Rejection{Reason: ReasonRecipientNotFound}
	ErrInvalidRecipient    = &Rejection{Reason: ReasonInvalidRecipient}
	ErrIdempotencyConflict = &Rejection{Reason: ReasonIdempotencyConflict}
)

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
