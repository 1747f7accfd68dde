package notification

import (
	"context"
	"log/slog"
	"time"
)

const (
	// KindP2PTransfer is sent to the recipient of a successful transfer.
	KindP2PTransfer = "p2p_transfer"
	// KindMerchantPayment is sent to the payer of a successful merchant payment.
	KindMerchantPayment = "merchant_payment"
	// KindPaymentFailed is sent to the payer when a reserved payment fails.
	KindPaymentFailed = "payment_failed"
)

// Message describes a notification payload.
type Message struct {
	Kind        string    `json:"kind"`
	Destination string    `json:"destination"`
	Body        string    `json:"body"`
	Reference   string    `json:"reference,omitempty"`
	Amount      string    `json:"amount,omitempty"`
	Points      int64     `json:"points,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger. It is the fallback when
// no broker is configured.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", message.Kind,
		"destination", message.Destination,
		"reference", message.Reference,
		"body", message.Body,
	)
	return nil
}
