package pin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fluxpay/fluxpay/internal/ledger"
)

var (
	// ErrNotConfigured is returned when the account has no PIN set. It is
	// distinct from a denied verification.
	ErrNotConfigured     = errors.New("pin not configured")
	ErrAlreadyConfigured = errors.New("pin already configured")
	ErrMalformed         = errors.New("pin has invalid format")
	ErrSamePIN           = errors.New("new pin must differ from the current pin")
)

// Status is the outcome of a PIN verification.
type Status int

const (
	Approved Status = iota
	Denied
	Locked
)

func (s Status) String() string {
	switch s {
	case Approved:
		return "approved"
	case Denied:
		return "denied"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

// Verdict is returned by Verify. AttemptsLeft is set for Denied and
// RetryAfter for Locked.
type Verdict struct {
	Status       Status
	AttemptsLeft int
	RetryAfter   time.Time
}

// Policy configures lockout and hashing.
type Policy struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	Length          int
	BcryptCost      int
}

// DefaultPolicy locks the account for three hours after three consecutive
// mismatches.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		LockoutDuration: 3 * time.Hour,
		Length:          4,
		BcryptCost:      bcrypt.DefaultCost,
	}
}

// StateStore serializes PIN state mutations per account.
type StateStore interface {
	UpdatePINState(ctx context.Context, userID string, fn func(*ledger.PINState) error) (ledger.PINState, error)
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock overrides the time source used for lock expiry.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		g.now = now
	}
}

// Guard verifies PINs and maintains the attempt counter and lockout.
type Guard struct {
	store  StateStore
	policy Policy
	now    func() time.Time
	logger *slog.Logger
}

// NewGuard constructs a PIN guard.
func NewGuard(store StateStore, policy Policy, logger *slog.Logger, opts ...Option) *Guard {
	defaults := DefaultPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	if policy.LockoutDuration <= 0 {
		policy.LockoutDuration = defaults.LockoutDuration
	}
	if policy.Length <= 0 {
		policy.Length = defaults.Length
	}
	if policy.BcryptCost == 0 {
		policy.BcryptCost = defaults.BcryptCost
	}
	g := &Guard{
		store:  store,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the active policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

// Verify checks the submitted PIN. The attempt counter and lock are committed
// regardless of what the caller does next.
func (g *Guard) Verify(ctx context.Context, userID, submitted string) (Verdict, error) {
	if err := g.validate(submitted); err != nil {
		return Verdict{}, err
	}

	var verdict Verdict
	_, err := g.store.UpdatePINState(ctx, userID, func(state *ledger.PINState) error {
		v, err := g.evaluate(state, submitted)
		verdict = v
		return err
	})
	if err != nil {
		return Verdict{}, err
	}

	switch verdict.Status {
	case Locked:
		g.logger.Warn("pin locked",
			slog.String("user_id", userID),
			slog.Time("retry_after", verdict.RetryAfter),
		)
	case Denied:
		g.logger.Info("pin denied",
			slog.String("user_id", userID),
			slog.Int("attempts_left", verdict.AttemptsLeft),
		)
	}
	return verdict, nil
}

func (g *Guard) evaluate(state *ledger.PINState, submitted string) (Verdict, error) {
	if !state.Configured() {
		return Verdict{}, ErrNotConfigured
	}

	now := g.now()
	if state.LockedUntil != nil {
		if now.Before(*state.LockedUntil) {
			return Verdict{Status: Locked, RetryAfter: *state.LockedUntil}, nil
		}
		// lock expired
		state.LockedUntil = nil
		state.FailedAttempts = 0
	}

	err := bcrypt.CompareHashAndPassword(state.Hash, []byte(submitted))
	switch {
	case err == nil:
		state.FailedAttempts = 0
		state.LockedUntil = nil
		return Verdict{Status: Approved}, nil
	case !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return Verdict{}, fmt.Errorf("compare pin hash: %w", err)
	}

	state.FailedAttempts++
	if state.FailedAttempts >= g.policy.MaxAttempts {
		state.FailedAttempts = g.policy.MaxAttempts
		until := now.Add(g.policy.LockoutDuration)
		state.LockedUntil = &until
		return Verdict{Status: Locked, RetryAfter: until}, nil
	}
	return Verdict{Status: Denied, AttemptsLeft: g.policy.MaxAttempts - state.FailedAttempts}, nil
}

// SetPIN stores the initial PIN for an account.
func (g *Guard) SetPIN(ctx context.Context, userID, pin string) error {
	hash, err := g.hash(pin)
	if err != nil {
		return err
	}
	_, err = g.store.UpdatePINState(ctx, userID, func(state *ledger.PINState) error {
		if state.Configured() {
			return ErrAlreadyConfigured
		}
		setHash(state, hash)
		return nil
	})
	return err
}

// ResetPIN replaces the PIN after verifying the current one. Verification
// is subject to the usual lockout; a non-approved verdict leaves the PIN as is.
func (g *Guard) ResetPIN(ctx context.Context, userID, current, next string) (Verdict, error) {
	if err := g.validate(next); err != nil {
		return Verdict{}, err
	}
	if current == next {
		return Verdict{}, ErrSamePIN
	}

	verdict, err := g.Verify(ctx, userID, current)
	if err != nil || verdict.Status != Approved {
		return verdict, err
	}

	hash, err := g.hash(next)
	if err != nil {
		return Verdict{}, err
	}
	if _, err := g.store.UpdatePINState(ctx, userID, func(state *ledger.PINState) error {
		setHash(state, hash)
		return nil
	}); err != nil {
		return Verdict{}, err
	}
	g.logger.Info("pin reset", slog.String("user_id", userID))
	return verdict, nil
}

// AdminResetPIN overwrites the PIN and clears attempts and any lock.
func (g *Guard) AdminResetPIN(ctx context.Context, userID, next string) error {
	hash, err := g.hash(next)
	if err != nil {
		return err
	}
	_, err = g.store.UpdatePINState(ctx, userID, func(state *ledger.PINState) error {
		setHash(state, hash)
		return nil
	})
	if err == nil {
		g.logger.Info("pin reset by administrator", slog.String("user_id", userID))
	}
	return err
}

func (g *Guard) hash(pin string) ([]byte, error) {
	if err := g.validate(pin); err != nil {
		return nil, err
	}
	return bcrypt.GenerateFromPassword([]byte(pin), g.policy.BcryptCost)
}

func (g *Guard) validate(pin string) error {
	malformed := fmt.Errorf("%w: PIN must be %d digits", ErrMalformed, g.policy.Length)
	if len(pin) != g.policy.Length {
		return malformed
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return malformed
		}
	}
	return nil
}

func setHash(state *ledger.PINState, hash []byte) {
	state.Hash = hash
	state.FailedAttempts = 0
	state.LockedUntil = nil
}
