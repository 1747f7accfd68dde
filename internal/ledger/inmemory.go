package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// accountRecord keeps balance and PIN state behind separate locks so PIN
// verification never waits on a payment in flight.
type accountRecord struct {
	balanceMu sync.Mutex
	pinMu     sync.Mutex

	userID    string
	balance   decimal.Decimal
	pin       PINState
	createdAt time.Time
	updatedAt time.Time
}

// inMemoryLedger guards its maps with mu. Account locks are always taken
// before mu, never while holding it.
type inMemoryLedger struct {
	mu           sync.RWMutex
	accounts     map[string]*accountRecord
	transactions map[string]*Transaction
	idempotency  map[string]string
	rewards      map[string]RewardEntry
	order        []string
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests
// and local development.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		accounts:     make(map[string]*accountRecord),
		transactions: make(map[string]*Transaction),
		idempotency:  make(map[string]string),
		rewards:      make(map[string]RewardEntry),
	}
}

func (l *inMemoryLedger) account(userID string) (*accountRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return rec, nil
}

func (l *inMemoryLedger) CreateAccount(_ context.Context, userID string) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.accounts[userID]; exists {
		return Account{}, ErrAccountExists
	}
	now := time.Now().UTC()
	rec := &accountRecord{userID: userID, balance: decimal.Zero, createdAt: now, updatedAt: now}
	l.accounts[userID] = rec
	return Account{UserID: userID, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}, nil
}

func (l *inMemoryLedger) GetAccount(_ context.Context, userID string) (Account, error) {
	rec, err := l.account(userID)
	if err != nil {
		return Account{}, err
	}
	rec.balanceMu.Lock()
	defer rec.balanceMu.Unlock()
	rec.pinMu.Lock()
	defer rec.pinMu.Unlock()
	return Account{
		UserID:    rec.userID,
		Balance:   rec.balance,
		PIN:       clonePIN(rec.pin),
		CreatedAt: rec.createdAt,
		UpdatedAt: rec.updatedAt,
	}, nil
}

func (l *inMemoryLedger) AdjustBalance(_ context.Context, userID string, delta, expectedMin decimal.Decimal) (decimal.Decimal, error) {
	rec, err := l.account(userID)
	if err != nil {
		return decimal.Zero, err
	}
	rec.balanceMu.Lock()
	defer rec.balanceMu.Unlock()

	next := rec.balance.Add(delta)
	if next.LessThan(expectedMin) || next.IsNegative() {
		return rec.balance, ErrInsufficientFunds
	}
	rec.balance = next
	rec.updatedAt = time.Now().UTC()
	return next, nil
}

func (l *inMemoryLedger) UpdatePINState(_ context.Context, userID string, fn func(*PINState) error) (PINState, error) {
	rec, err := l.account(userID)
	if err != nil {
		return PINState{}, err
	}
	rec.pinMu.Lock()
	defer rec.pinMu.Unlock()

	state := clonePIN(rec.pin)
	if err := fn(&state); err != nil {
		return clonePIN(rec.pin), err
	}
	rec.pin = clonePIN(state)
	return state, nil
}

func (l *inMemoryLedger) Reserve(_ context.Context, txn Transaction) (Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.accounts[txn.PayerID]; !ok {
		return Transaction{}, ErrAccountNotFound
	}
	if txn.RecipientID != "" {
		if _, ok := l.accounts[txn.RecipientID]; !ok {
			return Transaction{}, ErrAccountNotFound
		}
	}
	if txn.IdempotencyKey != "" {
		if ref, exists := l.idempotency[idempotencyIndex(txn.PayerID, txn.IdempotencyKey)]; exists {
			return *l.transactions[ref], ErrDuplicateTransaction
		}
	}
	if _, exists := l.transactions[txn.Reference]; exists {
		return Transaction{}, ErrDuplicateReference
	}

	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	txn.UpdatedAt = txn.CreatedAt
	txn.Status = StatusPending

	stored := txn
	l.transactions[txn.Reference] = &stored
	l.order = append(l.order, txn.Reference)
	if txn.IdempotencyKey != "" {
		l.idempotency[idempotencyIndex(txn.PayerID, txn.IdempotencyKey)] = txn.Reference
	}
	return txn, nil
}

func (l *inMemoryLedger) Finalize(_ context.Context, s Settlement) (Outcome, error) {
	l.mu.RLock()
	pending, ok := l.transactions[s.Reference]
	var payerID, recipientID string
	if ok {
		payerID, recipientID = pending.PayerID, pending.RecipientID
	}
	l.mu.RUnlock()
	if !ok {
		return Outcome{}, ErrTransactionNotFound
	}

	var records map[string]*accountRecord
	if s.Approved {
		records = make(map[string]*accountRecord, 2)
		for _, id := range lockOrder(payerID, recipientID) {
			rec, err := l.account(id)
			if err != nil {
				return Outcome{}, err
			}
			rec.balanceMu.Lock()
			defer rec.balanceMu.Unlock()
			records[id] = rec
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	txn := l.transactions[s.Reference]
	if txn.Terminal() {
		return l.outcomeLocked(txn), ErrAlreadyFinalized
	}

	at := s.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	txn.UpdatedAt = at

	if !s.Approved {
		txn.Status = StatusFailed
		txn.FailureReason = s.FailureReason
		if txn.FailureReason == "" {
			txn.FailureReason = ReasonRailDeclined
		}
		return l.outcomeLocked(txn), nil
	}

	payer := records[payerID]
	if payer.balance.LessThan(txn.Amount) {
		txn.Status = StatusFailed
		txn.FailureReason = ReasonInsufficientBalance
		return l.outcomeLocked(txn), nil
	}

	payer.balance = payer.balance.Sub(txn.Amount)
	payer.updatedAt = at
	if recipientID != "" && recipientID != payerID {
		recipient := records[recipientID]
		recipient.balance = recipient.balance.Add(txn.Amount)
		recipient.updatedAt = at
	}

	txn.Status = StatusSuccess
	txn.RewardAmount = s.Cashback
	l.rewards[txn.ID] = RewardEntry{
		ID:            uuid.NewString(),
		TransactionID: txn.ID,
		UserID:        payerID,
		Cashback:      s.Cashback,
		Points:        s.Points,
		CreatedAt:     at,
	}
	return l.outcomeLocked(txn), nil
}

func (l *inMemoryLedger) FindByReference(_ context.Context, reference string) (Outcome, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	txn, ok := l.transactions[reference]
	if !ok {
		return Outcome{}, ErrTransactionNotFound
	}
	return l.outcomeLocked(txn), nil
}

func (l *inMemoryLedger) FindByIdempotencyKey(_ context.Context, payerID, key string) (Outcome, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ref, ok := l.idempotency[idempotencyIndex(payerID, key)]
	if !ok {
		return Outcome{}, ErrTransactionNotFound
	}
	return l.outcomeLocked(l.transactions[ref]), nil
}

func (l *inMemoryLedger) ListByAccount(_ context.Context, userID string, limit int) ([]Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Transaction
	for i := len(l.order) - 1; i >= 0; i-- {
		txn := l.transactions[l.order[i]]
		if txn.PayerID != userID && txn.RecipientID != userID {
			continue
		}
		out = append(out, *txn)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *inMemoryLedger) RewardTotals(_ context.Context, userID string) (RewardTotals, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	totals := RewardTotals{UserID: userID, Cashback: decimal.Zero}
	for _, entry := range l.rewards {
		if entry.UserID != userID {
			continue
		}
		totals.Cashback = totals.Cashback.Add(entry.Cashback)
		totals.Points += entry.Points
		totals.Entries++
	}
	return totals, nil
}

func (l *inMemoryLedger) ExpirePending(_ context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	expired := 0
	now := time.Now().UTC()
	for _, txn := range l.transactions {
		if txn.Status != StatusPending || !txn.CreatedAt.Before(before) {
			continue
		}
		txn.Status = StatusFailed
		txn.FailureReason = ReasonExpired
		txn.UpdatedAt = now
		expired++
	}
	return expired, nil
}

func (l *inMemoryLedger) outcomeLocked(txn *Transaction) Outcome {
	out := Outcome{Transaction: *txn}
	if reward, ok := l.rewards[txn.ID]; ok {
		out.Reward = &reward
	}
	return out
}

func idempotencyIndex(payerID, key string) string {
	return payerID + "|" + key
}

func clonePIN(s PINState) PINState {
	out := PINState{FailedAttempts: s.FailedAttempts}
	if s.Hash != nil {
		out.Hash = append([]byte(nil), s.Hash...)
	}
	if s.LockedUntil != nil {
		until := *s.LockedUntil
		out.LockedUntil = &until
	}
	return out
}
