package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is a point-in-time view of an account balance.
type Balance struct {
	UserID string
	Amount decimal.Decimal
	AsOf   time.Time
}

// Rewards summarises the cashback earned by an account.
type Rewards struct {
	UserID        string
	TotalCashback decimal.Decimal
	TotalPoints   int64
	Entries       int
}
