package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"journal-auth/internal/credential"
)

const defaultAccessTTL = 15 * time.Minute

var ErrInvalidCredentials = errors.New("invalid credentials")

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "account temporarily locked"
}

// Service runs the login flow: lockout status gate, credential
// verification, attempt bookkeeping, then token issuance. The guard is
// always consulted before the hasher and always told the outcome.
type Service struct {
	repo      *Repository
	guard     *Guard
	hasher    *credential.Hasher
	jwtSecret []byte
	accessTTL time.Duration

	// decoyHash is verified against on the unknown-user path so that path
	// pays the same key-derivation cost as a real account, keeping timing
	// from revealing which usernames exist.
	decoyHash string
}

func NewService(repo *Repository, guard *Guard, hasher *credential.Hasher, jwtSecret string) (*Service, error) {
	filler := make([]byte, 24)
	if _, err := rand.Read(filler); err != nil {
		return nil, fmt.Errorf("%w: %v", credential.ErrCryptoUnavailable, err)
	}
	decoy, err := hasher.Hash(hex.EncodeToString(filler))
	if err != nil {
		return nil, fmt.Errorf("build decoy hash: %w", err)
	}

	return &Service{
		repo:      repo,
		guard:     guard,
		hasher:    hasher,
		jwtSecret: []byte(jwtSecret),
		accessTTL: defaultAccessTTL,
		decoyHash: decoy,
	}, nil
}

func (s *Service) WithAccessTTL(ttl time.Duration) {
	if ttl > 0 {
		s.accessTTL = ttl
	}
}

func (s *Service) Guard() *Guard {
	return s.guard
}

func (s *Service) Login(ctx context.Context, username, password string) (Token, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)

	if username == "" || password == "" {
		return Token{}, ErrInvalidCredentials
	}

	user, err := s.verifyCredentials(ctx, username, password)
	if err != nil {
		return Token{}, err
	}

	return s.issueAccessToken(user.ID)
}

// ChangePassword replaces the stored hash after re-verifying the current
// password. The replacement always goes through Hash, so it always
// carries a fresh salt. Attempts here count against the lockout policy
// the same as logins.
func (s *Service) ChangePassword(ctx context.Context, username, currentPassword, newPassword string) error {
	username = strings.TrimSpace(username)
	currentPassword = strings.TrimSpace(currentPassword)
	newPassword = strings.TrimSpace(newPassword)

	if username == "" || currentPassword == "" || newPassword == "" {
		return ErrInvalidCredentials
	}

	if _, err := s.verifyCredentials(ctx, username, currentPassword); err != nil {
		return err
	}

	encoded, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}

	if err := s.repo.SetPasswordHash(ctx, username, encoded, time.Now().UTC()); err != nil {
		if errors.Is(err, errAccountNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}

	return nil
}

// verifyCredentials is the gated verification shared by login and
// password change: status check first (a locked account never reaches the
// hasher), then verification, then the attempt is recorded. Recording is
// fail-closed; a credential is not accepted when bookkeeping cannot be
// persisted.
func (s *Service) verifyCredentials(ctx context.Context, username, password string) (User, error) {
	status := s.guard.CheckStatus(ctx, username)
	if status.IsLockedOut {
		return User{}, ErrLoginLocked{Until: *status.LockoutUntil}
	}

	user, err := s.repo.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, errAccountNotFound) {
			// Same derivation cost as the known-user path. A malformed
			// stored hash also lands on a plain failed verification, so
			// neither branch is distinguishable from a wrong password.
			s.hasher.Verify(password, s.decoyHash)
			if _, recErr := s.guard.RecordAttempt(ctx, username, false); recErr != nil {
				return User{}, recErr
			}
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}

	ok := s.hasher.Verify(password, user.PasswordHash)

	after, err := s.guard.RecordAttempt(ctx, username, ok)
	if err != nil {
		return User{}, err
	}
	if !ok {
		if after.IsLockedOut {
			return User{}, ErrLoginLocked{Until: *after.LockoutUntil}
		}
		return User{}, ErrInvalidCredentials
	}

	return user, nil
}

func (s *Service) issueAccessToken(userID string) (Token, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(s.accessTTL).Unix(),
		"typ": "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return Token{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Token{
		AccessToken: encoded,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.accessTTL.Seconds()),
	}, nil
}

// BootstrapFromEnv provisions the operator account when both variables
// are set. This is the registration path: the plaintext is hashed here
// and only the encoded hash is persisted.
func (s *Service) BootstrapFromEnv(ctx context.Context, adminUsername, adminPassword string) error {
	adminUsername = strings.TrimSpace(adminUsername)
	adminPassword = strings.TrimSpace(adminPassword)

	if adminUsername == "" && adminPassword == "" {
		return nil
	}
	if adminUsername == "" || adminPassword == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	encoded, err := s.hasher.Hash(adminPassword)
	if err != nil {
		return err
	}

	return s.repo.UpsertBootstrapUser(ctx, adminUsername, encoded)
}
