package auth

import "time"

type User struct {
	ID                  string
	Username            string
	PasswordHash        string
	FailedLoginAttempts int
	LockedUntil         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LockState is the pair of persisted lockout fields for one account.
type LockState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// Status is the externally visible lockout state. Unknown accounts produce
// the same shape as clean accounts; nothing in it reveals whether the
// username is registered.
type Status struct {
	IsLockedOut    bool       `json:"isLockedOut"`
	FailedAttempts int        `json:"failedAttempts"`
	LockoutUntil   *time.Time `json:"lockoutUntil,omitempty"`
	RemainingTime  *int64     `json:"remainingTime,omitempty"`
}

// Token is the "credentials were accepted" artifact handed to the session
// layer. Session lifetime management lives outside this service.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
