package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/fluxpay/fluxpay/internal/ledger"
)

// RecipientResolver maps a client-supplied recipient identifier to an account id.
type RecipientResolver interface {
	ResolveRecipient(ctx context.Context, identifier string) (string, error)
}

// AccountDirectory resolves recipients against the account store. A payment
// address such as "alice@fluxpay" resolves to the account "alice".
type AccountDirectory struct {
	accounts ledger.Accounts
}

// NewAccountDirectory builds a resolver backed by accounts.
func NewAccountDirectory(accounts ledger.Accounts) *AccountDirectory {
	return &AccountDirectory{accounts: accounts}
}

// ResolveRecipient implements RecipientResolver.
func (d *AccountDirectory) ResolveRecipient(ctx context.Context, identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if handle, _, ok := strings.Cut(id, "@"); ok {
		id = handle
	}
	if id == "" {
		return "", ErrRecipientNotFound
	}
	acc, err := d.accounts.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return "", ErrRecipientNotFound
		}
		return "", err
	}
	return acc.UserID, nil
}
