package payments

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/fluxpay/fluxpay/internal/ledger"
	"github.com/fluxpay/fluxpay/internal/middleware"
	"github.com/fluxpay/fluxpay/internal/rail"
)

// Handler exposes payment endpoints.
type Handler struct {
	service *Service
	journal ledger.Journal
}

// NewHandler constructs a payment handler.
func NewHandler(service *Service, journal ledger.Journal) *Handler {
	return &Handler{service: service, journal: journal}
}

type merchantPaymentRequest struct {
	Merchant   string          `json:"merchant" validate:"required,max=128"`
	Amount     decimal.Decimal `json:"amount"`
	Rail       string          `json:"rail" validate:"required,oneof=UPI CARD upi card"`
	PIN        string          `json:"pin" validate:"required"`
	RedeemCode string          `json:"redeem_code" validate:"max=64"`
}

type p2pTransferRequest struct {
	Recipient string          `json:"recipient" validate:"required,max=128"`
	Amount    decimal.Decimal `json:"amount"`
	PIN       string          `json:"pin" validate:"required"`
	Note      string          `json:"note" validate:"max=140"`
}

// Merchant authorizes a payment to a merchant.
func (h *Handler) Merchant(c *fiber.Ctx) error {
	var req merchantPaymentRequest
	if err := middleware.BindJSON(c, &req); err != nil {
		return err
	}
	kind, err := rail.ParseKind(req.Rail)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	res, err := h.service.AuthorizeMerchantPayment(c.UserContext(), MerchantPaymentInput{
		PayerID:        middleware.CallerID(c),
		Merchant:       req.Merchant,
		Amount:         req.Amount,
		Rail:           kind,
		PIN:            req.PIN,
		RedeemCode:     req.RedeemCode,
		IdempotencyKey: c.Get(middleware.IdempotencyKeyHeader),
	})
	if err != nil {
		return err
	}
	return c.Status(statusForResult(res)).JSON(resultView(res))
}

// P2P transfers funds to another account.
func (h *Handler) P2P(c *fiber.Ctx) error {
	var req p2pTransferRequest
	if err := middleware.BindJSON(c, &req); err != nil {
		return err
	}
	res, err := h.service.AuthorizeP2PTransfer(c.UserContext(), P2PTransferInput{
		PayerID:        middleware.CallerID(c),
		Recipient:      req.Recipient,
		Amount:         req.Amount,
		PIN:            req.PIN,
		Note:           req.Note,
		IdempotencyKey: c.Get(middleware.IdempotencyKeyHeader),
	})
	if err != nil {
		return err
	}
	return c.Status(statusForResult(res)).JSON(resultView(res))
}

// Transaction returns a transaction the caller took part in.
func (h *Handler) Transaction(c *fiber.Ctx) error {
	outcome, err := h.journal.FindByReference(c.UserContext(), c.Params("reference"))
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return fiber.NewError(http.StatusNotFound, "transaction not found")
	}
	if err != nil {
		return err
	}
	caller := middleware.CallerID(c)
	if outcome.Transaction.PayerID != caller && outcome.Transaction.RecipientID != caller {
		return fiber.NewError(http.StatusNotFound, "transaction not found")
	}
	return c.JSON(resultView(resultFrom(outcome)))
}

// HTTPStatus maps a rejection reason to the response status.
func HTTPStatus(r *Rejection) int {
	switch r.Reason {
	case ReasonPinDenied:
		return http.StatusUnauthorized
	case ReasonPinNotConfigured:
		return http.StatusPreconditionFailed
	case ReasonPinLocked:
		return http.StatusLocked
	case ReasonInsufficientBalance:
		return http.StatusPaymentRequired
	case ReasonRecipientNotFound:
		return http.StatusNotFound
	case ReasonIdempotencyConflict:
		return http.StatusConflict
	case ReasonInvalidCoupon, ReasonMerchantNotEligible:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// RenderRejection writes a rejection as JSON, setting Retry-After for lockouts.
func RenderRejection(c *fiber.Ctx, r *Rejection) error {
	body := fiber.Map{"error": string(r.Reason), "message": r.Message}
	if r.Reference != "" {
		body["reference"] = r.Reference
	}
	switch r.Reason {
	case ReasonPinDenied:
		body["attempts_left"] = r.AttemptsLeft
	case ReasonPinLocked:
		body["retry_after"] = r.RetryAfter.UTC().Format(time.RFC3339)
		if wait := time.Until(r.RetryAfter); wait > 0 {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(wait.Seconds())+1))
		}
	}
	return c.Status(HTTPStatus(r)).JSON(body)
}

func statusForResult(res PaymentResult) int {
	if res.Replayed || !res.Success {
		return http.StatusOK
	}
	return http.StatusCreated
}

func resultView(res PaymentResult) fiber.Map {
	txn := res.Transaction
	view := fiber.Map{
		"success":     res.Success,
		"reference":   txn.Reference,
		"transaction": transactionView(txn),
		"replayed":    res.Replayed,
	}
	if res.FailureReason != "" {
		view["failure_reason"] = res.FailureReason
	}
	if r := res.Reward; r != nil {
		view["reward"] = fiber.Map{
			"coupon_applied":  r.CouponApplied,
			"coupon_code":     r.CouponCode,
			"original_amount": r.OriginalAmount.StringFixed(2),
			"discount_amount": r.DiscountAmount.StringFixed(2),
			"final_amount":    r.FinalAmount.StringFixed(2),
			"cashback":        r.Cashback.StringFixed(2),
			"points":          r.Points,
		}
	}
	return view
}

func transactionView(txn ledger.Transaction) fiber.Map {
	return fiber.Map{
		"id":              txn.ID,
		"reference":       txn.Reference,
		"payer_id":        txn.PayerID,
		"recipient_id":    txn.RecipientID,
		"merchant":        txn.Merchant,
		"rail":            txn.Rail,
		"original_amount": txn.OriginalAmount.StringFixed(2),
		"discount_amount": txn.DiscountAmount.StringFixed(2),
		"amount":          txn.Amount.StringFixed(2),
		"coupon_code":     txn.CouponCode,
		"status":          txn.Status,
		"failure_reason":  txn.FailureReason,
		"reward_amount":   txn.RewardAmount.StringFixed(2),
		"note":            txn.Note,
		"created_at":      txn.CreatedAt,
		"updated_at":      txn.UpdatedAt,
	}
}
