package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fluxpay/fluxpay/internal/ledger"
	"github.com/fluxpay/fluxpay/internal/notification"
	"github.com/fluxpay/fluxpay/internal/offer"
	"github.com/fluxpay/fluxpay/internal/pin"
	"github.com/fluxpay/fluxpay/internal/rail"
)

// PINVerifier checks a submitted PIN.
type PINVerifier interface {
	Verify(ctx context.Context, userID, submitted string) (pin.Verdict, error)
}

// CouponResolver applies a redeem code to an amount.
type CouponResolver interface {
	Resolve(ctx context.Context, merchant, code string, amount decimal.Decimal) (offer.Coupon, error)
}

// Config holds engine policy.
type Config struct {
	MaxAmount              decimal.Decimal
	RewardPercent          map[rail.Kind]decimal.Decimal
	RailTimeout            time.Duration
	NotifyTimeout          time.Duration
	MaxReferenceAttempts   int
	MaxAmountDecimalPlaces int32
}

// DefaultConfig returns 5% UPI, 2% card and 1% P2P cashback.
func DefaultConfig() Config {
	return Config{
		MaxAmount: decimal.NewFromInt(100_000),
		RewardPercent: map[rail.Kind]decimal.Decimal{
			rail.UPI:  decimal.RequireFromString("0.05"),
			rail.Card: decimal.RequireFromString("0.02"),
			rail.P2P:  decimal.RequireFromString("0.01"),
		},
		RailTimeout:            5 * time.Second,
		NotifyTimeout:          2 * time.Second,
		MaxReferenceAttempts:   5,
		MaxAmountDecimalPlaces: 2,
	}
}

// Deps are the collaborators of the engine.
type Deps struct {
	Ledger     ledger.Ledger
	PINs       PINVerifier
	Coupons    CouponResolver
	Gateway    rail.Gateway
	Recipients RecipientResolver
	Notifier   notification.Notifier
	References ReferenceGenerator
	Clock      func() time.Time
	Logger     *slog.Logger
}

// Service authorizes merchant payments and P2P transfers.
type Service struct {
	ledger     ledger.Ledger
	pins       PINVerifier
	coupons    CouponResolver
	gateway    rail.Gateway
	recipients RecipientResolver
	notifier   notification.Notifier
	refs       ReferenceGenerator
	now        func() time.Time
	logger     *slog.Logger
	cfg        Config
}

// NewService constructs a payment service.
func NewService(d Deps, cfg Config) *Service {
	defaults := DefaultConfig()
	if cfg.MaxAmount.IsZero() {
		cfg.MaxAmount = defaults.MaxAmount
	}
	if cfg.RewardPercent == nil {
		cfg.RewardPercent = defaults.RewardPercent
	}
	if cfg.RailTimeout <= 0 {
		cfg.RailTimeout = defaults.RailTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaults.NotifyTimeout
	}
	if cfg.MaxReferenceAttempts <= 0 {
		cfg.MaxReferenceAttempts = defaults.MaxReferenceAttempts
	}
	if cfg.MaxAmountDecimalPlaces <= 0 {
		cfg.MaxAmountDecimalPlaces = defaults.MaxAmountDecimalPlaces
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = func() time.Time { return time.Now().UTC() }
	}
	if d.References == nil {
		d.References = NewTimeReferences(d.Clock, nil)
	}
	if d.Recipients == nil {
		d.Recipients = NewAccountDirectory(d.Ledger)
	}
	return &Service{
		ledger:     d.Ledger,
		pins:       d.PINs,
		coupons:    d.Coupons,
		gateway:    d.Gateway,
		recipients: d.Recipients,
		notifier:   d.Notifier,
		refs:       d.References,
		now:        d.Clock,
		logger:     d.Logger,
		cfg:        cfg,
	}
}

// MerchantPaymentInput captures a payment to a merchant over UPI or card.
type MerchantPaymentInput struct {
	PayerID        string
	Merchant       string
	Amount         decimal.Decimal
	Rail           rail.Kind
	PIN            string
	RedeemCode     string
	IdempotencyKey string
}

// P2PTransferInput captures a transfer between two accounts.
type P2PTransferInput struct {
	PayerID        string
	Recipient      string
	Amount         decimal.Decimal
	PIN            string
	Note           string
	IdempotencyKey string
}

// RewardSummary describes discount and cashback for a recorded transaction.
type RewardSummary struct {
	CouponApplied  bool
	CouponCode     string
	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
	Cashback       decimal.Decimal
	Points         int64
}

// PaymentResult is the outcome of an authorization that reached the journal.
// A rail decline is a result with Success false, not an error.
type PaymentResult struct {
	Success       bool
	Transaction   ledger.Transaction
	Reward        *RewardSummary
	FailureReason string
	Replayed      bool
}

// AuthorizeMerchantPayment runs the merchant payment flow: validate, verify
// PIN, resolve coupon, check balance, reserve, call the rail, settle.
func (s *Service) AuthorizeMerchantPayment(ctx context.Context, in MerchantPaymentInput) (PaymentResult, error) {
	in.Merchant = strings.TrimSpace(in.Merchant)
	if in.Merchant == "" {
		return PaymentResult{}, reject(ReasonInvalidRequest, "merchant is required")
	}
	if in.Rail != rail.UPI && in.Rail != rail.Card {
		return PaymentResult{}, reject(ReasonInvalidRequest, "unsupported rail %q", in.Rail)
	}
	if err := s.validateAmount(in.Amount); err != nil {
		return PaymentResult{}, err
	}
	if err := s.verifyPIN(ctx, in.PayerID, in.PIN); err != nil {
		return PaymentResult{}, err
	}

	intent := ledger.Transaction{
		IdempotencyKey: in.IdempotencyKey,
		PayerID:        in.PayerID,
		Merchant:       in.Merchant,
		OriginalAmount: in.Amount,
		DiscountAmount: decimal.Zero,
		Amount:         in.Amount,
		CouponCode:     strings.TrimSpace(in.RedeemCode),
		Rail:           string(in.Rail),
	}
	if res, found, err := s.replay(ctx, intent); found || err != nil {
		return res, err
	}

	coupon, err := s.coupons.Resolve(ctx, in.Merchant, in.RedeemCode, in.Amount)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("resolve coupon: %w", err)
	}
	switch coupon.Status {
	case offer.CouponRejected:
		if coupon.Reason == offer.ReasonMerchantNotEligible {
			return PaymentResult{}, reject(ReasonMerchantNotEligible, "coupon %s is not valid for %s", coupon.Code, in.Merchant)
		}
		return PaymentResult{}, reject(ReasonInvalidCoupon, "coupon %s is invalid or expired", coupon.Code)
	case offer.CouponApplied:
		intent.CouponCode = coupon.Code
		intent.DiscountAmount = coupon.Discount
		intent.Amount = coupon.Final
	}

	return s.execute(ctx, intent)
}

// AuthorizeP2PTransfer moves funds between two accounts. The recipient is
// resolved before the PIN is checked.
func (s *Service) AuthorizeP2PTransfer(ctx context.Context, in P2PTransferInput) (PaymentResult, error) {
	if err := s.validateAmount(in.Amount); err != nil {
		return PaymentResult{}, err
	}
	recipientID, err := s.recipients.ResolveRecipient(ctx, in.Recipient)
	if err != nil {
		if errors.Is(err, ErrRecipientNotFound) {
			return PaymentResult{}, reject(ReasonRecipientNotFound, "recipient %q not found", in.Recipient)
		}
		return PaymentResult{}, fmt.Errorf("resolve recipient: %w", err)
	}
	if recipientID == in.PayerID {
		return PaymentResult{}, reject(ReasonInvalidRecipient, "cannot transfer to own account")
	}
	if err := s.verifyPIN(ctx, in.PayerID, in.PIN); err != nil {
		return PaymentResult{}, err
	}

	intent := ledger.Transaction{
		IdempotencyKey: in.IdempotencyKey,
		PayerID:        in.PayerID,
		RecipientID:    recipientID,
		OriginalAmount: in.Amount,
		DiscountAmount: decimal.Zero,
		Amount:         in.Amount,
		Rail:           string(rail.P2P),
		Note:           strings.TrimSpace(in.Note),
	}
	if res, found, err := s.replay(ctx, intent); found || err != nil {
		return res, err
	}
	return s.execute(ctx, intent)
}

func (s *Service) validateAmount(amount decimal.Decimal) error {
	switch {
	case !amount.IsPositive():
		return reject(ReasonInvalidAmount, "amount must be positive")
	case amount.GreaterThan(s.cfg.MaxAmount):
		return reject(ReasonInvalidAmount, "amount exceeds limit of %s", s.cfg.MaxAmount)
	case !amount.Equal(amount.Truncate(s.cfg.MaxAmountDecimalPlaces)):
		return reject(ReasonInvalidAmount, "amount has more than %d decimal places", s.cfg.MaxAmountDecimalPlaces)
	}
	return nil
}

func (s *Service) verifyPIN(ctx context.Context, payerID, submitted string) error {
	verdict, err := s.pins.Verify(ctx, payerID, submitted)
	switch {
	case errors.Is(err, pin.ErrNotConfigured):
		return reject(ReasonPinNotConfigured, "set a PIN before making payments")
	case errors.Is(err, pin.ErrMalformed):
		return reject(ReasonInvalidPIN, "%v", err)
	case err != nil:
		return fmt.Errorf("verify pin: %w", err)
	}
	switch verdict.Status {
	case pin.Approved:
		return nil
	case pin.Locked:
		return &Rejection{Reason: ReasonPinLocked, Message: "too many incorrect attempts", RetryAfter: verdict.RetryAfter}
	default:
		return &Rejection{Reason: ReasonPinDenied, Message: "incorrect PIN", AttemptsLeft: verdict.AttemptsLeft}
	}
}

// replay returns the stored result for a reused idempotency key. A key still
// pending is resumed so the reservation reaches a terminal state.
func (s *Service) replay(ctx context.Context, intent ledger.Transaction) (PaymentResult, bool, error) {
	if intent.IdempotencyKey == "" {
		return PaymentResult{}, false, nil
	}
	existing, err := s.ledger.FindByIdempotencyKey(ctx, intent.PayerID, intent.IdempotencyKey)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return PaymentResult{}, false, nil
	}
	if err != nil {
		return PaymentResult{}, true, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if !sameIntent(existing.Transaction, intent) {
		return PaymentResult{}, true, reject(ReasonIdempotencyConflict, "idempotency key was used for a different payment")
	}
	if !existing.Transaction.Terminal() {
		res, err := s.settle(ctx, existing.Transaction)
		res.Replayed = true
		return res, true, err
	}
	res, err := outcomeResult(existing)
	res.Replayed = true
	return res, true, err
}

func (s *Service) execute(ctx context.Context, intent ledger.Transaction) (PaymentResult, error) {
	acc, err := s.ledger.GetAccount(ctx, intent.PayerID)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("load payer: %w", err)
	}
	if acc.Balance.LessThan(intent.Amount) {
		return PaymentResult{}, reject(ReasonInsufficientBalance, "balance %s is below %s", acc.Balance, intent.Amount)
	}

	reserved, err := s.reserve(ctx, intent)
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		// a concurrent request with the same key won the reservation
		if !sameIntent(reserved, intent) {
			return PaymentResult{}, reject(ReasonIdempotencyConflict, "idempotency key was used for a different payment")
		}
		if reserved.Terminal() {
			outcome, err := s.ledger.FindByReference(ctx, reserved.Reference)
			if err != nil {
				return PaymentResult{}, fmt.Errorf("load %s: %w", reserved.Reference, err)
			}
			res, err := outcomeResult(outcome)
			res.Replayed = true
			return res, err
		}
		res, err := s.settle(ctx, reserved)
		res.Replayed = true
		return res, err
	}
	if err != nil {
		return PaymentResult{}, err
	}
	return s.settle(ctx, reserved)
}

func (s *Service) reserve(ctx context.Context, intent ledger.Transaction) (ledger.Transaction, error) {
	kind := rail.Kind(intent.Rail)
	for attempt := 0; attempt < s.cfg.MaxReferenceAttempts; attempt++ {
		intent.Reference = s.refs.Next(kind)
		intent.CreatedAt = s.now()
		reserved, err := s.ledger.Reserve(ctx, intent)
		if errors.Is(err, ledger.ErrDuplicateReference) {
			s.logger.Warn("reference collision", slog.String("reference", intent.Reference))
			continue
		}
		if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
			return ledger.Transaction{}, fmt.Errorf("reserve transaction: %w", err)
		}
		return reserved, err
	}
	return ledger.Transaction{}, fmt.Errorf("reserve transaction: %w after %d attempts", ledger.ErrDuplicateReference, s.cfg.MaxReferenceAttempts)
}

// settle calls the rail without holding any balance lock and records the
// terminal state. The rail call is bounded by RailTimeout; errors and
// timeouts count as a decline.
func (s *Service) settle(ctx context.Context, txn ledger.Transaction) (PaymentResult, error) {
	kind := rail.Kind(txn.Rail)

	railCtx, cancel := context.WithTimeout(ctx, s.cfg.RailTimeout)
	decision, err := s.gateway.Authorize(railCtx, rail.Request{Reference: txn.Reference, Amount: txn.Amount, Kind: kind})
	cancel()

	settlement := ledger.Settlement{Reference: txn.Reference, At: s.now()}
	switch {
	case err != nil:
		s.logger.Warn("rail authorization failed",
			slog.String("reference", txn.Reference),
			slog.String("rail", txn.Rail),
			slog.Any("error", err),
		)
		settlement.FailureReason = ledger.ReasonRailDeclined
	case !decision.Approved:
		settlement.FailureReason = ledger.ReasonRailDeclined
	default:
		settlement.Approved = true
		settlement.Cashback, settlement.Points = s.reward(kind, txn.Amount)
	}

	// the reservation must not be abandoned because the caller went away
	detached := context.WithoutCancel(ctx)
	outcome, err := s.ledger.Finalize(detached, settlement)
	if errors.Is(err, ledger.ErrAlreadyFinalized) {
		res, err := outcomeResult(outcome)
		res.Replayed = true
		return res, err
	}
	if err != nil {
		return PaymentResult{}, fmt.Errorf("finalize %s: %w", txn.Reference, err)
	}

	s.logger.Info("payment settled",
		slog.String("reference", txn.Reference),
		slog.String("payer_id", txn.PayerID),
		slog.String("rail", txn.Rail),
		slog.String("amount", txn.Amount.String()),
		slog.String("status", string(outcome.Transaction.Status)),
		slog.String("failure_reason", outcome.Transaction.FailureReason),
	)
	s.notify(detached, outcome)
	return outcomeResult(outcome)
}

// reward computes cashback on the final amount at the rail percent, rounded
// to the minor unit, and points as the rounded cashback.
func (s *Service) reward(kind rail.Kind, amount decimal.Decimal) (decimal.Decimal, int64) {
	percent, ok := s.cfg.RewardPercent[kind]
	if !ok {
		return decimal.Zero, 0
	}
	cashback := amount.Mul(percent).Round(2)
	return cashback, cashback.Round(0).IntPart()
}

func (s *Service) notify(ctx context.Context, outcome ledger.Outcome) {
	if s.notifier == nil {
		return
	}
	txn := outcome.Transaction
	msg := notification.Message{
		Destination: txn.PayerID,
		Reference:   txn.Reference,
		Amount:      txn.Amount.String(),
		OccurredAt:  txn.UpdatedAt,
	}
	switch {
	case txn.Status == ledger.StatusFailed:
		msg.Kind = notification.KindPaymentFailed
		msg.Body = fmt.Sprintf("Payment %s of %s failed: %s", txn.Reference, txn.Amount, txn.FailureReason)
	case txn.RecipientID != "":
		msg.Kind = notification.KindP2PTransfer
		msg.Destination = txn.RecipientID
		msg.Body = fmt.Sprintf("You received %s from %s", txn.Amount, txn.PayerID)
	default:
		msg.Kind = notification.KindMerchantPayment
		msg.Body = fmt.Sprintf("Paid %s to %s", txn.Amount, txn.Merchant)
	}
	if outcome.Reward != nil {
		msg.Points = outcome.Reward.Points
	}
	// the ledger already committed; a slow broker must not hold the response
	ctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
	defer cancel()
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", slog.String("reference", txn.Reference), slog.Any("error", err))
	}
}

func resultFrom(outcome ledger.Outcome) PaymentResult {
	txn := outcome.Transaction
	summary := &RewardSummary{
		CouponApplied:  txn.CouponCode != "",
		CouponCode:     txn.CouponCode,
		OriginalAmount: txn.OriginalAmount,
		DiscountAmount: txn.DiscountAmount,
		FinalAmount:    txn.Amount,
		Cashback:       decimal.Zero,
	}
	if outcome.Reward != nil {
		summary.Cashback = outcome.Reward.Cashback
		summary.Points = outcome.Reward.Points
	}
	return PaymentResult{
		Success:       txn.Status == ledger.StatusSuccess,
		Transaction:   txn,
		Reward:        summary,
		FailureReason: txn.FailureReason,
	}
}

// outcomeResult converts a recorded outcome. A transaction that failed the
// balance re-check inside Finalize is also surfaced as InsufficientBalance,
// carrying its reference.
func outcomeResult(outcome ledger.Outcome) (PaymentResult, error) {
	res := resultFrom(outcome)
	txn := outcome.Transaction
	if txn.Status == ledger.StatusFailed && txn.FailureReason == ledger.ReasonInsufficientBalance {
		rej := reject(ReasonInsufficientBalance, "balance fell below %s before settlement", txn.Amount)
		rej.Reference = txn.Reference
		return res, rej
	}
	return res, nil
}

func sameIntent(stored, intent ledger.Transaction) bool {
	return stored.OriginalAmount.Equal(intent.OriginalAmount) &&
		stored.Merchant == intent.Merchant &&
		stored.RecipientID == intent.RecipientID &&
		stored.Rail == intent.Rail &&
		strings.EqualFold(stored.CouponCode, intent.CouponCode)
}
