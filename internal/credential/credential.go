// Package credential derives and verifies salted password hashes.
//
// Hashes are PBKDF2-HMAC-SHA256 and are encoded as a self-describing
// string, so the iteration count can be raised over time without
// invalidating previously stored hashes. The package keeps no state and
// never persists or logs plaintext.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations balances attacker cost against login latency.
	// Embedded in every encoded hash, so raising it only affects new hashes.
	DefaultIterations = 100000

	algorithmTag = "PBKDF2"
	saltLength   = 16
	keyLength    = 32
	delimiter    = ":"
)

// ErrCryptoUnavailable means the platform entropy source failed. There is
// no fallback; callers must surface it.
var ErrCryptoUnavailable = errors.New("secure random source unavailable")

// ErrMalformedHash means a stored hash does not parse. Verify folds it
// into a false result so a corrupted hash behaves like a wrong password.
var ErrMalformedHash = errors.New("malformed password hash")

type Hasher struct {
	iterations int
}

func NewHasher(iterations int) *Hasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Hasher{iterations: iterations}
}

// Hash derives a fresh salted digest for password and returns it encoded
// as PBKDF2:<iterations>:<base64 salt>:<base64 key>.
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	key := pbkdf2.Key([]byte(password), salt, h.iterations, keyLength, sha256.New)

	return strings.Join([]string{
		algorithmTag,
		strconv.Itoa(h.iterations),
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(key),
	}, delimiter), nil
}

// Verify re-derives the key for password using the parameters embedded in
// encoded and compares it in constant time. Any parse failure yields
// false, never an error: callers must not be able to distinguish a
// malformed stored hash from a wrong password.
func (h *Hasher) Verify(password, encoded string) bool {
	parsed, err := parse(encoded)
	if err != nil {
		return false
	}

	candidate := pbkdf2.Key([]byte(password), parsed.salt, parsed.iterations, len(parsed.key), sha256.New)

	return subtle.ConstantTimeCompare(candidate, parsed.key) == 1
}

type parsedHash struct {
	iterations int
	salt       []byte
	key        []byte
}

// parse is the single choke point for the encoded format. Strictness here
// is what lets Verify treat every parse failure identically.
func parse(encoded string) (parsedHash, error) {
	parts := strings.Split(encoded, delimiter)
	if len(parts) != 4 {
		return parsedHash{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformedHash, len(parts))
	}
	if parts[0] != algorithmTag {
		return parsedHash{}, fmt.Errorf("%w: unknown algorithm %q", ErrMalformedHash, parts[0])
	}

	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return parsedHash{}, fmt.Errorf("%w: invalid iteration count %q", ErrMalformedHash, parts[1])
	}

	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(salt) == 0 {
		return parsedHash{}, fmt.Errorf("%w: invalid salt encoding", ErrMalformedHash)
	}

	key, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil || len(key) == 0 {
		return parsedHash{}, fmt.Errorf("%w: invalid key encoding", ErrMalformedHash)
	}

	return parsedHash{iterations: iterations, salt: salt, key: key}, nil
}
