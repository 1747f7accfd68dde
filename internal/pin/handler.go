package pin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/fluxpay/fluxpay/internal/ledger"
	"github.com/fluxpay/fluxpay/internal/middleware"
)

// Handler exposes PIN management endpoints.
type Handler struct {
	guard *Guard
}

// NewHandler constructs a PIN handler.
func NewHandler(guard *Guard) *Handler {
	return &Handler{guard: guard}
}

type setRequest struct {
	PIN string `json:"pin" validate:"required"`
}

type resetRequest struct {
	CurrentPIN string `json:"current_pin" validate:"required"`
	NewPIN     string `json:"new_pin" validate:"required"`
}

// Set stores the caller's first PIN.
func (h *Handler) Set(c *fiber.Ctx) error {
	var req setRequest
	if err := middleware.BindJSON(c, &req); err != nil {
		return err
	}
	if err := h.guard.SetPIN(c.UserContext(), middleware.CallerID(c), req.PIN); err != nil {
		return pinError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// Verify checks a PIN without making a payment.
func (h *Handler) Verify(c *fiber.Ctx) error {
	var req setRequest
	if err := middleware.BindJSON(c, &req); err != nil {
		return err
	}
	verdict, err := h.guard.Verify(c.UserContext(), middleware.CallerID(c), req.PIN)
	if err != nil {
		return pinError(err)
	}
	return renderVerdict(c, verdict, http.StatusOK)
}

// Reset replaces the caller's PIN after checking the current one.
func (h *Handler) Reset(c *fiber.Ctx) error {
	var req resetRequest
	if err := middleware.BindJSON(c, &req); err != nil {
		return err
	}
	verdict, err := h.guard.ResetPIN(c.UserContext(), middleware.CallerID(c), req.CurrentPIN, req.NewPIN)
	if err != nil {
		return pinError(err)
	}
	return renderVerdict(c, verdict, http.StatusOK)
}

// AdminReset overwrites the PIN of the account in the path and clears any lock.
func (h *Handler) AdminReset(c *fiber.Ctx) error {
	var req setRequest
	if err := middleware.BindJSON(c, &req); err != nil {
		return err
	}
	if err := h.guard.AdminResetPIN(c.UserContext(), c.Params("userId"), req.PIN); err != nil {
		return pinError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func renderVerdict(c *fiber.Ctx, v Verdict, okStatus int) error {
	body := fiber.Map{"status": v.Status.String()}
	switch v.Status {
	case Approved:
		return c.Status(okStatus).JSON(body)
	case Locked:
		body["retry_after"] = v.RetryAfter.UTC().Format(time.RFC3339)
		if wait := time.Until(v.RetryAfter); wait > 0 {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(wait.Seconds())+1))
		}
		return c.Status(http.StatusLocked).JSON(body)
	default:
		body["attempts_left"] = v.AttemptsLeft
		return c.Status(http.StatusUnauthorized).JSON(body)
	}
}

func pinError(err error) error {
	switch {
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrSamePIN):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAlreadyConfigured):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotConfigured):
		return fiber.NewError(http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, ledger.ErrAccountNotFound):
		return fiber.NewError(http.StatusNotFound, "account not found")
	default:
		return err
	}
}
