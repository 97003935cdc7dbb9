package auth

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"

	"journal-auth/internal/observability"
)

const (
	// DefaultMaxFailedAttempts failures in a row lock the account.
	DefaultMaxFailedAttempts = 5

	// DefaultLockoutDuration is how long a triggered lock holds. Expiry is
	// lazy: the stored timestamp is compared to the clock at read time, so
	// any number of stateless instances evaluate it identically.
	DefaultLockoutDuration = 15 * time.Minute
)

// Store is the persistence the guard needs. Every call goes to the
// backing store; the guard keeps no lockout state in process, so it stays
// correct across restarts and across concurrent instances.
type Store interface {
	GetLockState(ctx context.Context, username string) (LockState, bool, error)
	RecordFailure(ctx context.Context, username string, threshold int, lockUntil, now time.Time) (LockState, bool, error)
	ResetAttempts(ctx context.Context, username string, now time.Time) error
}

// Guard enforces the failed-attempt lockout policy over the two persisted
// fields of an account. It owns every mutation of those fields.
type Guard struct {
	store       Store
	logger      *observability.Logger
	maxAttempts int
	lockFor     time.Duration
	now         func() time.Time
}

func NewGuard(store Store, logger *observability.Logger, maxAttempts int, lockFor time.Duration) *Guard {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxFailedAttempts
	}
	if lockFor <= 0 {
		lockFor = DefaultLockoutDuration
	}

	return &Guard{
		store:       store,
		logger:      logger,
		maxAttempts: maxAttempts,
		lockFor:     lockFor,
		now:         time.Now,
	}
}

// CheckStatus reports the lockout state of an account without mutating
// anything. Unknown usernames get the clean shape, identical to an
// account with zero failures, so responses cannot be used to enumerate
// registered usernames. Store errors on this read path are fail-open: the
// clean shape is returned and the anomaly is logged, so a store hiccup on
// the monitoring read cannot turn into a denial of service for everyone.
func (g *Guard) CheckStatus(ctx context.Context, username string) Status {
	state, found, err := g.store.GetLockState(ctx, username)
	if err != nil {
		g.logger.Error("lockout_status_read_failed", map[string]any{
			"error": err.Error(),
		})
		sentry.CaptureException(err)
		return Status{}
	}
	if !found {
		return Status{}
	}

	return g.statusOf(state)
}

// RecordAttempt applies one state transition for an authentication
// attempt and persists it. Failures increment atomically at the store and
// trigger the lock when the count reaches the threshold; the count is not
// reset by locking, so an expired lock re-locks on the very next failure.
// Successes reset the account to the clean state. Store errors propagate:
// this path is fail-closed, a login must not be granted if its lockout
// bookkeeping cannot be persisted.
//
// The returned status reflects the account after the transition.
func (g *Guard) RecordAttempt(ctx context.Context, username string, success bool) (Status, error) {
	now := g.now().UTC()

	if success {
		if err := g.store.ResetAttempts(ctx, username, now); err != nil {
			return Status{}, err
		}
		return Status{}, nil
	}

	state, found, err := g.store.RecordFailure(ctx, username, g.maxAttempts, now.Add(g.lockFor), now)
	if err != nil {
		return Status{}, err
	}
	if !found {
		// No account row to mutate, or the account was locked in the
		// window since the status check. Either way nothing was recorded
		// and the caller learns nothing it could not learn otherwise.
		return Status{}, nil
	}

	return g.statusOf(state), nil
}

// Unlock is the administrative reset to the clean state, regardless of
// the current one.
func (g *Guard) Unlock(ctx context.Context, username string) error {
	return g.store.ResetAttempts(ctx, username, g.now().UTC())
}

func (g *Guard) statusOf(state LockState) Status {
	status := Status{FailedAttempts: state.FailedAttempts}
	if state.LockedUntil == nil {
		return status
	}

	now := g.now().UTC()
	if !now.Before(*state.LockedUntil) {
		// Lazily expired; reads treat it as unlocked without writing.
		return status
	}

	until := state.LockedUntil.UTC()
	remaining := int64(until.Sub(now).Seconds())
	if remaining < 1 {
		remaining = 1
	}

	status.IsLockedOut = true
	status.LockoutUntil = &until
	status.RemainingTime = &remaining

	return status
}
