package wallet

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/fluxpay/fluxpay/internal/ledger"
	"github.com/fluxpay/fluxpay/internal/middleware"
)

// Handler exposes account HTTP endpoints for the authenticated caller.
type Handler struct {
	service *Service
}

// NewHandler builds an account HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type topUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type transactionResponse struct {
	Reference     string `json:"reference"`
	Direction     string `json:"direction"`
	Counterparty  string `json:"counterparty"`
	Rail          string `json:"rail"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	CouponCode    string `json:"coupon_code,omitempty"`
	RewardAmount  string `json:"reward_amount"`
	Note          string `json:"note,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Open creates the caller's account.
func (h *Handler) Open(c *fiber.Ctx) error {
	acc, err := h.service.Open(c.UserContext(), middleware.CallerID(c))
	switch {
	case errors.Is(err, ledger.ErrAccountExists):
		return fiber.NewError(http.StatusConflict, "account already exists")
	case errors.Is(err, ErrInvalidUserID):
		return fiber.NewError(http.StatusUnauthorized, err.Error())
	case err != nil:
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"user_id":        acc.UserID,
		"balance":        acc.Balance.StringFixed(2),
		"pin_configured": acc.PIN.Configured(),
		"created_at":     acc.CreatedAt,
	})
}

// Balance returns the caller's balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	bal, err := h.service.Balance(c.UserContext(), middleware.CallerID(c))
	if err != nil {
		return accountError(err)
	}
	return c.JSON(fiber.Map{
		"user_id":   bal.UserID,
		"balance":   bal.Amount.StringFixed(2),
		"timestamp": bal.AsOf,
	})
}

// TopUp credits the caller's account.
func (h *Handler) TopUp(c *fiber.Ctx) error {
	var req topUpRequest
	if err := middleware.BindJSON(c, &req); err != nil {
		return err
	}
	bal, err := h.service.TopUp(c.UserContext(), middleware.CallerID(c), req.Amount)
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrLimitExceeded):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case err != nil:
		return accountError(err)
	}
	return c.JSON(fiber.Map{
		"user_id":   bal.UserID,
		"balance":   bal.Amount.StringFixed(2),
		"timestamp": bal.AsOf,
	})
}

// Transactions lists the caller's recent transactions.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	caller := middleware.CallerID(c)
	txns, err := h.service.History(c.UserContext(), caller, c.QueryInt("limit", defaultHistoryLimit))
	if err != nil {
		return accountError(err)
	}
	out := make([]transactionResponse, 0, len(txns))
	for _, txn := range txns {
		out = append(out, toTransactionResponse(caller, txn))
	}
	return c.JSON(fiber.Map{"transactions": out})
}

// Rewards returns the caller's cashback totals.
func (h *Handler) Rewards(c *fiber.Ctx) error {
	r, err := h.service.Rewards(c.UserContext(), middleware.CallerID(c))
	if err != nil {
		return accountError(err)
	}
	return c.JSON(fiber.Map{
		"user_id":        r.UserID,
		"total_cashback": r.TotalCashback.StringFixed(2),
		"total_points":   r.TotalPoints,
		"entries":        r.Entries,
	})
}

func toTransactionResponse(caller string, txn ledger.Transaction) transactionResponse {
	resp := transactionResponse{
		Reference:     txn.Reference,
		Direction:     "debit",
		Counterparty:  txn.Merchant,
		Rail:          txn.Rail,
		Amount:        txn.Amount.StringFixed(2),
		Status:        string(txn.Status),
		FailureReason: txn.FailureReason,
		CouponCode:    txn.CouponCode,
		RewardAmount:  txn.RewardAmount.StringFixed(2),
		Note:          txn.Note,
		CreatedAt:     txn.CreatedAt.UTC().Format(time.RFC3339),
	}
	if txn.RecipientID != "" {
		resp.Counterparty = txn.RecipientID
		if txn.RecipientID == caller {
			resp.Direction = "credit"
			resp.Counterparty = txn.PayerID
			resp.RewardAmount = "0.00"
		}
	}
	return resp
}

func accountError(err error) error {
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return fiber.NewError(http.StatusNotFound, "account not found")
	}
	return err
}
