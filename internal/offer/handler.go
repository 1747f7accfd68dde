package offer

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// Handler serves the active offer listing.
type Handler struct {
	catalog Catalog
	now     func() time.Time
}

// NewHandler constructs an offer handler.
func NewHandler(catalog Catalog, now func() time.Time) *Handler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{catalog: catalog, now: now}
}

type offerResponse struct {
	Title         string    `json:"title"`
	RedeemCode    string    `json:"redeem_code"`
	Merchant      string    `json:"merchant"`
	Category      string    `json:"category,omitempty"`
	RewardPercent string    `json:"reward_percent"`
	ValidTo       time.Time `json:"valid_to"`
}

// List returns the offers redeemable now.
func (h *Handler) List(c *fiber.Ctx) error {
	offers, err := h.catalog.ListActive(c.UserContext(), h.now())
	if err != nil {
		return err
	}
	out := make([]offerResponse, 0, len(offers))
	for _, o := range offers {
		out = append(out, offerResponse{
			Title:         o.Title,
			RedeemCode:    o.RedeemCode,
			Merchant:      o.MerchantToken,
			Category:      o.Category,
			RewardPercent: o.RewardPercent.String(),
			ValidTo:       o.ValidTo,
		})
	}
	return c.JSON(fiber.Map{"offers": out})
}
