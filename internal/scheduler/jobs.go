package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// OfferRotator replaces the active offer set.
type OfferRotator interface {
	Rotate(ctx context.Context) (int, error)
}

// PendingExpirer fails reservations that never reached a terminal state.
type PendingExpirer interface {
	ExpirePending(ctx context.Context, before time.Time) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	rotator        OfferRotator
	expirer        PendingExpirer
	pendingTimeout time.Duration
	jobTimeout     time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// NewJobs creates a job runner. pendingTimeout must exceed the rail timeout so
// the sweeper never races an authorization still waiting on the rail.
func NewJobs(rotator OfferRotator, expirer PendingExpirer, pendingTimeout time.Duration, logger *slog.Logger) *Jobs {
	return &Jobs{
		rotator:        rotator,
		expirer:        expirer,
		pendingTimeout: pendingTimeout,
		jobTimeout:     time.Minute,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         logger,
	}
}

// RotateOffers activates a fresh random selection of offers.
func (j *Jobs) RotateOffers() {
	ctx, cancel := context.WithTimeout(context.Background(), j.jobTimeout)
	defer cancel()

	n, err := j.rotator.Rotate(ctx)
	if err != nil {
		j.logger.Error("offer rotation failed", "error", err)
		return
	}
	j.logger.Info("offer rotation finished", "activated", n)
}

// SweepPending fails pending transactions older than the pending timeout.
func (j *Jobs) SweepPending() {
	ctx, cancel := context.WithTimeout(context.Background(), j.jobTimeout)
	defer cancel()

	cutoff := j.now().Add(-j.pendingTimeout)
	n, err := j.expirer.ExpirePending(ctx, cutoff)
	if err != nil {
		j.logger.Error("pending sweep failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Warn("expired stale pending transactions", "count", n, "cutoff", cutoff)
	}
}
