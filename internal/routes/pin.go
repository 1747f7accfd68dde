package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fluxpay/fluxpay/internal/middleware"
	"github.com/fluxpay/fluxpay/internal/pin"
)

// RegisterPINRoutes wires PIN management, including the admin reset.
func RegisterPINRoutes(r fiber.Router, h *pin.Handler) {
	r.Post("/pin", h.Set)
	r.Post("/pin/verify", h.Verify)
	r.Post("/pin/reset", h.Reset)
	r.Post("/admin/accounts/:userId/pin/reset", middleware.RequireAdmin(), h.AdminReset)
}
