package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrStoreUnavailable wraps any backing-store failure crossing the
// repository boundary. The status read path recovers from it fail-open;
// the attempt record path propagates it fail-closed.
var ErrStoreUnavailable = errors.New("account store unavailable")

// errAccountNotFound never leaves this package; absence of an account is
// folded into the clean status shape before it reaches a caller.
var errAccountNotFound = errors.New("account not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func (r *Repository) GetByUsername(ctx context.Context, username string) (User, error) {
	var user User
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, failed_login_attempts, locked_until, created_at, updated_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.FailedLoginAttempts, &lockedUntil, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, errAccountNotFound
		}
		return User{}, storeErr("query user by username", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		user.LockedUntil = &value
	}

	return user, nil
}

// GetLockState reads the two lockout fields for one account. The found
// flag distinguishes a missing row; no mutation happens on a read.
func (r *Repository) GetLockState(ctx context.Context, username string) (LockState, bool, error) {
	var state LockState
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_login_attempts, locked_until
		FROM users
		WHERE username = $1
	`, username).Scan(&state.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LockState{}, false, nil
		}
		return LockState{}, false, storeErr("query lock state", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		state.LockedUntil = &value
	}

	return state, true, nil
}

// RecordFailure increments the failure counter and, when the incremented
// count reaches threshold, sets the lock expiry — all in one statement so
// concurrent failures cannot lose increments. Accounts that are actively
// locked (or that do not exist) match no row; the counter stays at or
// above threshold after a lock expires, so the next failure re-locks.
func (r *Repository) RecordFailure(ctx context.Context, username string, threshold int, lockUntil, now time.Time) (LockState, bool, error) {
	var state LockState
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
			locked_until = CASE
				WHEN failed_login_attempts + 1 >= $2 THEN $3
				ELSE locked_until
			END,
			updated_at = $4
		WHERE username = $1
		  AND (locked_until IS NULL OR locked_until <= $4)
		RETURNING failed_login_attempts, locked_until
	`, username, threshold, lockUntil.UTC(), now.UTC()).Scan(&state.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LockState{}, false, nil
		}
		return LockState{}, false, storeErr("record failed attempt", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		state.LockedUntil = &value
	}

	return state, true, nil
}

// ResetAttempts returns the account to the clean state: zero failures, no
// lock. Used on successful authentication and by administrative unlock.
func (r *Repository) ResetAttempts(ctx context.Context, username string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET failed_login_attempts = 0, locked_until = NULL, updated_at = $2
		WHERE username = $1
	`, username, now.UTC())
	if err != nil {
		return storeErr("reset failed attempts", err)
	}

	return nil
}

func (r *Repository) SetPasswordHash(ctx context.Context, username, passwordHash string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE username = $1
	`, username, passwordHash, now.UTC())
	if err != nil {
		return storeErr("update password hash", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("update password hash rows affected", err)
	}
	if affected == 0 {
		return errAccountNotFound
	}

	return nil
}

// UpsertBootstrapUser creates or replaces the single operator-provisioned
// account. The tail DELETE keeps the bootstrap account singular even if a
// previous deploy provisioned a different username.
func (r *Repository) UpsertBootstrapUser(ctx context.Context, username, passwordHash string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin bootstrap tx", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM users ORDER BY created_at ASC LIMIT 1`).Scan(&existingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			existingID = id.String()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO users (id, username, password_hash, failed_login_attempts, locked_until, created_at, updated_at)
				VALUES ($1, $2, $3, 0, NULL, $4, $4)
			`, existingID, username, passwordHash, now); err != nil {
				return storeErr("insert bootstrap user", err)
			}
		} else {
			return storeErr("select existing user", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users
			SET username = $2, password_hash = $3, failed_login_attempts = 0, locked_until = NULL, updated_at = $4
			WHERE id = $1
		`, existingID, username, passwordHash, now); err != nil {
			return storeErr("update bootstrap user", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id <> $1`, existingID); err != nil {
		return storeErr("cleanup extra users", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit bootstrap tx", err)
	}

	return nil
}

// AllowLoginIP maintains a fixed-window per-IP hit counter in a single
// upsert statement, so concurrent requests from one address serialize on
// the row the same way failed-attempt counting does.
func (r *Repository) AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := r.db.QueryRowContext(ctx, `
		WITH upsert AS (
			INSERT INTO auth_login_ip_limits (ip, window_started_at, hits, updated_at)
			VALUES ($1, $2, 1, $2)
			ON CONFLICT (ip) DO UPDATE
			SET
				hits = CASE
					WHEN auth_login_ip_limits.window_started_at <= $3 THEN 1
					ELSE auth_login_ip_limits.hits + 1
				END,
				window_started_at = CASE
					WHEN auth_login_ip_limits.window_started_at <= $3 THEN $2
					ELSE auth_login_ip_limits.window_started_at
				END,
				updated_at = $2
			RETURNING hits, window_started_at
		)
		SELECT hits, window_started_at FROM upsert
	`, ip, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, storeErr("upsert login ip window", err)
	}

	if hits <= maxHits {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}

type CleanupResult struct {
	ClearedExpiredLocks int64 `json:"cleared_expired_locks"`
	DeletedIPLimits     int64 `json:"deleted_ip_limits"`
}

// CleanupStaleAuthData is retention hygiene, not lock expiry: expiry is
// evaluated lazily at read time and never depends on this running.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, retention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	cutoff := time.Now().UTC().Add(-retention)

	clearedLocks, err := r.clearLongExpiredLocks(ctx, cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedIPLimits, err := r.deleteStaleIPLimits(ctx, cutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		ClearedExpiredLocks: clearedLocks,
		DeletedIPLimits:     deletedIPLimits,
	}, nil
}

func (r *Repository) clearLongExpiredLocks(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM users
			WHERE locked_until IS NOT NULL AND locked_until < $1
			ORDER BY locked_until ASC
			LIMIT $2
		)
		UPDATE users u
		SET locked_until = NULL
		FROM stale
		WHERE u.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, storeErr("clear long-expired locks", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("long-expired locks rows affected", err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleIPLimits(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT ip
			FROM auth_login_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_ip_limits t
		USING stale
		WHERE t.ip = stale.ip
	`, cutoff, batchSize)
	if err != nil {
		return 0, storeErr("delete stale login ip limits", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("stale login ip limits rows affected", err)
	}

	return affected, nil
}
