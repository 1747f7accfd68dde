package pin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fluxpay/fluxpay/internal/ledger"
	"github.com/fluxpay/fluxpay/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newGuard(t *testing.T) (*Guard, ledger.Ledger, *fakeClock) {
	t.Helper()
	led := ledger.NewInMemory()
	_, err := led.CreateAccount(context.Background(), "user-1")
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	policy := DefaultPolicy()
	policy.BcryptCost = bcrypt.MinCost
	return NewGuard(led, policy, logging.Discard(), WithClock(clock.Now)), led, clock
}

func TestVerifyNotConfigured(t *testing.T) {
	g, _, _ := newGuard(t)

	_, err := g.Verify(context.Background(), "user-1", "1234")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestVerifyUnknownAccount(t *testing.T) {
	g, _, _ := newGuard(t)

	_, err := g.Verify(context.Background(), "nobody", "1234")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestVerifyMalformed(t *testing.T) {
	g, led, _ := newGuard(t)
	ctx := context.Background()
	require.NoError(t, g.SetPIN(ctx, "user-1", "1234"))

	for _, bad := range []string{"", "123", "12345", "12a4", "١٢٣٤"} {
		_, err := g.Verify(ctx, "user-1", bad)
		assert.ErrorIs(t, err, ErrMalformed, bad)
	}
	acc, _ := led.GetAccount(ctx, "user-1")
	assert.Zero(t, acc.PIN.FailedAttempts)
}

func TestLockoutAfterThreeMismatches(t *testing.T) {
	g, led, clock := newGuard(t)
	ctx := context.Background()
	require.NoError(t, g.SetPIN(ctx, "user-1", "1234"))

	v, err := g.Verify(ctx, "user-1", "0000")
	require.NoError(t, err)
	assert.Equal(t, Denied, v.Status)
	assert.Equal(t, 2, v.AttemptsLeft)

	v, err = g.Verify(ctx, "user-1", "0000")
	require.NoError(t, err)
	assert.Equal(t, Denied, v.Status)
	assert.Equal(t, 1, v.AttemptsLeft)

	v, err = g.Verify(ctx, "user-1", "0000")
	require.NoError(t, err)
	assert.Equal(t, Locked, v.Status)
	assert.Equal(t, clock.Now().Add(3*time.Hour), v.RetryAfter)

	// correct PIN while locked stays locked and does not extend the lock
	clock.Advance(time.Hour)
	v, err = g.Verify(ctx, "user-1", "1234")
	require.NoError(t, err)
	assert.Equal(t, Locked, v.Status)
	assert.Equal(t, clock.Now().Add(2*time.Hour), v.RetryAfter)

	acc, _ := led.GetAccount(ctx, "user-1")
	assert.Equal(t, 3, acc.PIN.FailedAttempts)
}

func TestLockExpires(t *testing.T) {
	g, led, clock := newGuard(t)
	ctx := context.Background()
	require.NoError(t, g.SetPIN(ctx, "user-1", "1234"))

	for i := 0; i < 3; i++ {
		_, err := g.Verify(ctx, "user-1", "9999")
		require.NoError(t, err)
	}

	clock.Advance(3 * time.Hour)
	v, err := g.Verify(ctx, "user-1", "9999")
	require.NoError(t, err)
	assert.Equal(t, Denied, v.Status, "expired lock starts over from zero attempts")
	assert.Equal(t, 2, v.AttemptsLeft)

	v, err = g.Verify(ctx, "user-1", "1234")
	require.NoError(t, err)
	assert.Equal(t, Approved, v.Status)

	acc, _ := led.GetAccount(ctx, "user-1")
	assert.Zero(t, acc.PIN.FailedAttempts)
	assert.Nil(t, acc.PIN.LockedUntil)
}

func TestMatchResetsCounter(t *testing.T) {
	g, led, _ := newGuard(t)
	ctx := context.Background()
	require.NoError(t, g.SetPIN(ctx, "user-1", "1234"))

	_, _ = g.Verify(ctx, "user-1", "1111")
	_, _ = g.Verify(ctx, "user-1", "1111")
	v, err := g.Verify(ctx, "user-1", "1234")
	require.NoError(t, err)
	assert.Equal(t, Approved, v.Status)

	acc, _ := led.GetAccount(ctx, "user-1")
	assert.Zero(t, acc.PIN.FailedAttempts)

	v, err = g.Verify(ctx, "user-1", "1111")
	require.NoError(t, err)
	assert.Equal(t, 2, v.AttemptsLeft)
}

func TestConcurrentMismatchesCountEveryAttempt(t *testing.T) {
	g, led, _ := newGuard(t)
	ctx := context.Background()
	require.NoError(t, g.SetPIN(ctx, "user-1", "1234"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	locked := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := g.Verify(ctx, "user-1", "0000")
			if err != nil {
				t.Errorf("verify: %v", err)
				return
			}
			if v.Status == Locked {
				mu.Lock()
				locked++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, locked, "only the first two attempts may be denied")
	acc, _ := led.GetAccount(ctx, "user-1")
	assert.Equal(t, 3, acc.PIN.FailedAttempts)
}

func TestSetPINTwice(t *testing.T) {
	g, _, _ := newGuard(t)
	ctx := context.Background()
	require.NoError(t, g.SetPIN(ctx, "user-1", "1234"))
	assert.ErrorIs(t, g.SetPIN(ctx, "user-1", "5678"), ErrAlreadyConfigured)
}

func TestResetPIN(t *testing.T) {
	g, _, _ := newGuard(t)
	ctx := context.Background()
	require.NoError(t, g.SetPIN(ctx, "user-1", "1234"))

	_, err := g.ResetPIN(ctx, "user-1", "1234", "1234")
	assert.ErrorIs(t, err, ErrSamePIN)

	v, err := g.ResetPIN(ctx, "user-1", "0000", "5678")
	require.NoError(t, err)
	assert.Equal(t, Denied, v.Status)

	v, err = g.ResetPIN(ctx, "user-1", "1234", "5678")
	require.NoError(t, err)
	assert.Equal(t, Approved, v.Status)

	v, err = g.Verify(ctx, "user-1", "5678")
	require.NoError(t, err)
	assert.Equal(t, Approved, v.Status)
}

func TestAdminResetClearsLock(t *testing.T) {
	g, led, _ := newGuard(t)
	ctx := context.Background()
	require.NoError(t, g.SetPIN(ctx, "user-1", "1234"))
	for i := 0; i < 3; i++ {
		_, _ = g.Verify(ctx, "user-1", "0000")
	}

	require.NoError(t, g.AdminResetPIN(ctx, "user-1", "4321"))

	acc, _ := led.GetAccount(ctx, "user-1")
	assert.Zero(t, acc.PIN.FailedAttempts)
	assert.Nil(t, acc.PIN.LockedUntil)

	v, err := g.Verify(ctx, "user-1", "4321")
	require.NoError(t, err)
	assert.Equal(t, Approved, v.Status)
}
