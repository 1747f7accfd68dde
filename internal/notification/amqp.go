package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DefaultExchange receives payment events, routed by "payments.<kind>".
const DefaultExchange = "payment_events"

// AMQPNotifier publishes notifications as JSON to a durable topic exchange.
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *slog.Logger
}

// NewAMQPNotifier dials the broker and declares the exchange.
func NewAMQPNotifier(rawURL, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	cleanURL, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

// Send publishes the message. A failed publish reopens the channel and retries once.
func (n *AMQPNotifier) Send(ctx context.Context, message Message) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    message.Reference,
		Body:         body,
	}
	routingKey := RoutingKey(message.Kind)

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.PublishWithContext(ctx, n.exchange, routingKey, false, false, publishing)
	if err == nil {
		return nil
	}
	n.logger.Warn("publish failed; reopening channel",
		slog.String("exchange", n.exchange),
		slog.String("routing_key", routingKey),
		slog.Any("error", err),
	)
	ch, chErr := n.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	n.channel = ch
	return n.channel.PublishWithContext(ctx, n.exchange, routingKey, false, false, publishing)
}

// Close releases the channel and connection.
func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error
	if n.channel != nil {
		errs = append(errs, n.channel.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}

// RoutingKey maps a message kind to its topic routing key.
func RoutingKey(kind string) string {
	return "payments." + strings.ReplaceAll(kind, "_", ".")
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// FanOut sends to every notifier and joins the errors.
type FanOut []Notifier

// Send implements Notifier.
func (f FanOut) Send(ctx context.Context, message Message) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
