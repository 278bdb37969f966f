package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/wicrsclient/limits"
)

// SeedSize is the size of an Ed25519 private key seed in bytes.
const SeedSize = ed25519.SeedSize

// KeyPair is a long-term Ed25519 signing key pair.
// It is never mutated after creation and is safe for concurrent reads.
type KeyPair struct {
	Label     string
	Public    ed25519.PublicKey
	Private   ed25519.PrivateKey
	CreatedAt time.Time

	fingerprint Fingerprint
}

// GenerateKeyPair creates a new random key pair bound to label.
func GenerateKeyPair(label string) (*KeyPair, error) {
	return generateKeyPair(rand.Reader, label, defaultTimeProvider.Now())
}

func generateKeyPair(random io.Reader, label string, createdAt time.Time) (*KeyPair, error) {
	if err := limits.ValidateLabel(label); err != nil {
		return nil, fmt.Errorf("invalid identity label: %w", err)
	}

	seed := make([]byte, SeedSize)
	if _, err := io.ReadFull(random, seed); err != nil {
		return nil, fmt.Errorf("failed to read key seed: %w", err)
	}
	defer ZeroBytes(seed)

	return FromSeed(seed, label, createdAt)
}

// FromSeed recreates a key pair from a 32-byte Ed25519 seed.
// The public key is derived from the seed.
func FromSeed(seed []byte, label string, createdAt time.Time) (*KeyPair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("invalid seed size: got %d, want %d", len(seed), SeedSize)
	}
	if isZero(seed) {
		return nil, errors.New("invalid seed: all zeros")
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	return &KeyPair{
		Label:       label,
		Public:      pub,
		Private:     priv,
		CreatedAt:   createdAt.UTC().Truncate(time.Second),
		fingerprint: FingerprintOf(pub),
	}, nil
}

// Fingerprint returns the fingerprint of the public key.
func (kp *KeyPair) Fingerprint() Fingerprint {
	return kp.fingerprint
}

// Identity returns the public half of the key pair.
func (kp *KeyPair) Identity() PublicIdentity {
	return PublicIdentity{
		PublicKey:   append(ed25519.PublicKey(nil), kp.Public...),
		Fingerprint: kp.fingerprint,
		Label:       kp.Label,
	}
}

// Seed returns a copy of the private seed. Callers must wipe it after use.
func (kp *KeyPair) Seed() []byte {
	return append([]byte(nil), kp.Private.Seed()...)
}

// isZero checks if a key consists of all zeros.
func isZero(key []byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
