package notification

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned by Async.Send when the buffer has no room.
	ErrQueueFull   = errors.New("notification queue full")
	ErrQueueClosed = errors.New("notification queue closed")
)

// Async hands messages to a background worker so a slow downstream never
// holds the caller. Each delivery gets its own timeout.
type Async struct {
	next    Notifier
	queue   chan Message
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the worker. buffer and timeout fall back to 256 and 5s.
func NewAsync(next Notifier, buffer int, timeout time.Duration, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		next:    next,
		queue:   make(chan Message, buffer),
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Send enqueues the message without blocking.
func (a *Async) Send(_ context.Context, message Message) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrQueueClosed
	}
	select {
	case a.queue <- message:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for message := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Send(ctx, message); err != nil {
			a.logger.Warn("deliver notification",
				slog.String("reference", message.Reference),
				slog.String("kind", message.Kind),
				slog.Any("error", err),
			)
		}
		cancel()
	}
}

// Close stops accepting messages and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
