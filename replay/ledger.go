package replay

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrNotIssued indicates the token was never issued or was already consumed.
	ErrNotIssued = errors.New("token not issued or already consumed")

	// ErrExpired indicates the token was issued but its lifetime has passed.
	ErrExpired = errors.New("token expired")

	// ErrDuplicate indicates the token is already outstanding.
	ErrDuplicate = errors.New("token already issued")

	// ErrClosed indicates the ledger has been closed.
	ErrClosed = errors.New("ledger closed")
)

// Ledger tracks outstanding single-use tokens. Implementations are safe for
// concurrent use.
type Ledger interface {
	// Issue records token as outstanding until issuedAt+ttl. value is
	// returned by Consume and may be nil.
	Issue(token, value []byte, issuedAt time.Time, ttl time.Duration) error
	// Consume removes an outstanding token and returns its value. It fails
	// for unknown, expired and previously consumed tokens.
	Consume(token []byte, now time.Time) ([]byte, error)
	// Close releases resources held by the ledger.
	Close() error
}

// tokenKey is the ledger key for a token. Raw tokens are never stored.
type tokenKey [blake2b.Size256]byte

func keyOf(token []byte) (tokenKey, error) {
	if len(token) == 0 {
		return tokenKey{}, errors.New("empty token")
	}
	return tokenKey(blake2b.Sum256(token)), nil
}

func checkTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("invalid token lifetime %v", ttl)
	}
	return nil
}
