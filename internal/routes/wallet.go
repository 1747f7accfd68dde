package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fluxpay/fluxpay/internal/wallet"
)

// RegisterAccountRoutes wires account endpoints for the authenticated caller.
func RegisterAccountRoutes(r fiber.Router, h *wallet.Handler) {
	r.Post("/accounts", h.Open)
	me := r.Group("/accounts/me")
	me.Get("/balance", h.Balance)
	me.Post("/topup", h.TopUp)
	me.Get("/transactions", h.Transactions)
	me.Get("/rewards", h.Rewards)
}
