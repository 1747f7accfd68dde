package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fluxpay/fluxpay/internal/offer"
)

// RegisterOfferRoutes exposes the active offer listing.
func RegisterOfferRoutes(r fiber.Router, h *offer.Handler) {
	r.Get("/offers", h.List)
}
