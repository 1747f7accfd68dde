package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fluxpay/fluxpay/internal/payments"
)

// RegisterPaymentRoutes wires payment endpoints. guards run before the
// payment handlers (rate limit, idempotency).
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler, guards ...fiber.Handler) {
	group := r.Group("/payments", guards...)
	group.Post("/merchant", h.Merchant)
	group.Post("/p2p", h.P2P)
	r.Get("/transactions/:reference", h.Transaction)
}
