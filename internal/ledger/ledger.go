package ledger

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds occurs when an account lacks the balance to cover a
	// requested debit or would fall under the expected minimum.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransaction indicates the payer already used the idempotency key.
	// The existing transaction is returned alongside it.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrDuplicateReference indicates a transaction reference collision.
	ErrDuplicateReference = errors.New("duplicate reference")

	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAlreadyFinalized is returned by Finalize when the transaction has
	// already left the pending state. The stored outcome is returned with it.
	ErrAlreadyFinalized = errors.New("transaction already finalized")
)

// Status is the lifecycle state of a journal transaction.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Failure reasons recorded on failed transactions.
const (
	ReasonRailDeclined        = "rail_declined"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonExpired             = "expired"
)

// Account is the stored-value account of a single user.
type Account struct {
	UserID    string
	Balance   decimal.Decimal
	PIN       PINState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PINState is the security state guarding payment authorization.
type PINState struct {
	Hash           []byte
	FailedAttempts int
	LockedUntil    *time.Time
}

// Configured reports whether a PIN hash has been set.
func (s PINState) Configured() bool {
	return len(s.Hash) > 0
}

// Transaction is a journal row. It moves from pending to success or failed exactly once.
type Transaction struct {
	ID             string
	Reference      string
	IdempotencyKey string
	PayerID        string
	RecipientID    string
	Merchant       string
	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	Amount         decimal.Decimal
	CouponCode     string
	Rail           string
	Status         Status
	FailureReason  string
	RewardAmount   decimal.Decimal
	Note           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the transaction reached success or failed.
func (t Transaction) Terminal() bool {
	return t.Status == StatusSuccess || t.Status == StatusFailed
}

// RewardEntry is an append-only cashback record tied to a successful transaction.
type RewardEntry struct {
	ID            string
	TransactionID string
	UserID        string
	Cashback      decimal.Decimal
	Points        int64
	CreatedAt     time.Time
}

// Outcome pairs a transaction with its reward entry, if any.
type Outcome struct {
	Transaction Transaction
	Reward      *RewardEntry
}

// Settlement carries the rail decision and computed reward into Finalize.
type Settlement struct {
	Reference     string
	Approved      bool
	FailureReason string
	Cashback      decimal.Decimal
	Points        int64
	At            time.Time
}

// RewardTotals aggregates the reward entries of one user.
type RewardTotals struct {
	UserID   string
	Cashback decimal.Decimal
	Points   int64
	Entries  int
}

// Accounts is the account store contract.
type Accounts interface {
	CreateAccount(ctx context.Context, userID string) (Account, error)
	GetAccount(ctx context.Context, userID string) (Account, error)
	// AdjustBalance adds delta to the balance if the result stays >= expectedMin.
	AdjustBalance(ctx context.Context, userID string, delta, expectedMin decimal.Decimal) (decimal.Decimal, error)
	// UpdatePINState runs fn against the PIN state under a per-account lock and
	// persists the mutation unless fn returns an error.
	UpdatePINState(ctx context.Context, userID string, fn func(*PINState) error) (PINState, error)
}

// Journal is the transaction journal contract.
type Journal interface {
	// Reserve appends a pending transaction. References are unique and
	// (payer, idempotency key) pairs are unique.
	Reserve(ctx context.Context, txn Transaction) (Transaction, error)
	// Finalize atomically moves a pending transaction to its terminal state,
	// applying balance changes and the reward entry on success.
	Finalize(ctx context.Context, s Settlement) (Outcome, error)
	FindByReference(ctx context.Context, reference string) (Outcome, error)
	FindByIdempotencyKey(ctx context.Context, payerID, key string) (Outcome, error)
	ListByAccount(ctx context.Context, userID string, limit int) ([]Transaction, error)
	RewardTotals(ctx context.Context, userID string) (RewardTotals, error)
	// ExpirePending fails pending transactions created before the cutoff.
	ExpirePending(ctx context.Context, before time.Time) (int, error)
}

// Ledger defines the contract implemented by ledger backends (e.g. Postgres).
type Ledger interface {
	Accounts
	Journal
}

// lockOrder returns the distinct account ids in ascending order.
func lockOrder(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
