package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// SeedBalance is a test helper that sets the balance for an account when using
// the in-memory ledger, creating the account if needed.
func SeedBalance(l Ledger, userID string, amount decimal.Decimal) {
	mem, ok := l.(*inMemoryLedger)
	if !ok {
		return
	}
	mem.mu.Lock()
	rec, exists := mem.accounts[userID]
	if !exists {
		now := time.Now().UTC()
		rec = &accountRecord{userID: userID, createdAt: now, updatedAt: now}
		mem.accounts[userID] = rec
	}
	mem.mu.Unlock()

	rec.balanceMu.Lock()
	defer rec.balanceMu.Unlock()
	rec.balance = amount
}
