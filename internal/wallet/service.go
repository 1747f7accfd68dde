package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fluxpay/fluxpay/internal/ledger"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

var (
	ErrInvalidUserID = errors.New("user id is required")
	ErrInvalidAmount = errors.New("top-up amount must be positive with at most 2 decimal places")
	ErrLimitExceeded = errors.New("top-up amount exceeds limit")
)

// Service exposes account operations backed by the ledger.
type Service struct {
	ledger   ledger.Ledger
	maxTopUp decimal.Decimal
	now      func() time.Time
	logger   *slog.Logger
}

// NewService builds a wallet service. A zero maxTopUp disables the limit.
func NewService(l ledger.Ledger, maxTopUp decimal.Decimal, logger *slog.Logger) *Service {
	return &Service{
		ledger:   l,
		maxTopUp: maxTopUp,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// Open creates an account with a zero balance and no PIN.
func (s *Service) Open(ctx context.Context, userID string) (ledger.Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ledger.Account{}, ErrInvalidUserID
	}
	acc, err := s.ledger.CreateAccount(ctx, userID)
	if err != nil {
		return ledger.Account{}, err
	}
	s.logger.Info("account opened", slog.String("user_id", userID))
	return acc, nil
}

// Balance returns the ledger balance for the account.
func (s *Service) Balance(ctx context.Context, userID string) (Balance, error) {
	acc, err := s.ledger.GetAccount(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{UserID: acc.UserID, Amount: acc.Balance, AsOf: s.now()}, nil
}

// TopUp credits the account directly, outside the payment flow.
func (s *Service) TopUp(ctx context.Context, userID string, amount decimal.Decimal) (Balance, error) {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(2)) {
		return Balance{}, ErrInvalidAmount
	}
	if s.maxTopUp.IsPositive() && amount.GreaterThan(s.maxTopUp) {
		return Balance{}, ErrLimitExceeded
	}
	updated, err := s.ledger.AdjustBalance(ctx, userID, amount, decimal.Zero)
	if err != nil {
		return Balance{}, fmt.Errorf("top up %s: %w", userID, err)
	}
	s.logger.Info("account topped up",
		slog.String("user_id", userID),
		slog.String("amount", amount.String()),
	)
	return Balance{UserID: userID, Amount: updated, AsOf: s.now()}, nil
}

// History lists the transactions the account took part in, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if _, err := s.ledger.GetAccount(ctx, userID); err != nil {
		return nil, err
	}
	return s.ledger.ListByAccount(ctx, userID, limit)
}

// Rewards totals the cashback earned by the account.
func (s *Service) Rewards(ctx context.Context, userID string) (Rewards, error) {
	if _, err := s.ledger.GetAccount(ctx, userID); err != nil {
		return Rewards{}, err
	}
	totals, err := s.ledger.RewardTotals(ctx, userID)
	if err != nil {
		return Rewards{}, err
	}
	return Rewards{
		UserID:        userID,
		TotalCashback: totals.Cashback,
		TotalPoints:   totals.Points,
		Entries:       totals.Entries,
	}, nil
}
