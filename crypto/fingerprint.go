package crypto

import (
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"
)

// FingerprintSize is the size of a public key fingerprint in bytes.
const FingerprintSize = blake2b.Size256

// FingerprintPrefix marks the text form of a fingerprint.
const FingerprintPrefix = "wicrs1"

// ErrInvalidFingerprint indicates a fingerprint string could not be parsed.
var ErrInvalidFingerprint = errors.New("invalid fingerprint")

// Fingerprint is the BLAKE2b-256 digest of an Ed25519 public key.
// It is the short, comparable identity label advertised on connect.
type Fingerprint [FingerprintSize]byte

// FingerprintOf computes the fingerprint of a public key.
func FingerprintOf(publicKey ed25519.PublicKey) Fingerprint {
	return Fingerprint(blake2b.Sum256(publicKey))
}

// String returns the prefixed base58 text form, e.g. "wicrs1…".
func (f Fingerprint) String() string {
	return FingerprintPrefix + base58.Encode(f[:])
}

// Short returns the first characters of the text form for log lines.
func (f Fingerprint) Short() string {
	s := f.String()
	if len(s) > len(FingerprintPrefix)+8 {
		return s[:len(FingerprintPrefix)+8]
	}
	return s
}

// Equal compares two fingerprints in constant time.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return subtle.ConstantTimeCompare(f[:], other[:]) == 1
}

// IsZero reports whether the fingerprint is unset.
func (f Fingerprint) IsZero() bool {
	var zero Fingerprint
	return f == zero
}

// Words renders the fingerprint as a 24-word BIP-39 phrase so two people can
// compare identities by reading them aloud.
func (f Fingerprint) Words() (string, error) {
	return bip39.NewMnemonic(f[:])
}

// ParseFingerprint parses the text form produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, FingerprintPrefix) {
		return f, fmt.Errorf("%w: missing %q prefix", ErrInvalidFingerprint, FingerprintPrefix)
	}
	raw, err := base58.Decode(s[len(FingerprintPrefix):])
	if err != nil {
		return f, fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	if len(raw) != FingerprintSize {
		return f, fmt.Errorf("%w: decoded %d bytes, want %d", ErrInvalidFingerprint, len(raw), FingerprintSize)
	}
	copy(f[:], raw)
	if f.String() != s {
		return Fingerprint{}, fmt.Errorf("%w: non-canonical encoding", ErrInvalidFingerprint)
	}
	return f, nil
}

// PublicIdentity is a public key together with its fingerprint.
// It describes both the client's own identity and a pinned server identity.
type PublicIdentity struct {
	PublicKey   ed25519.PublicKey
	Fingerprint Fingerprint
	Label       string
}

// NewPublicIdentity validates the key size and derives the fingerprint.
func NewPublicIdentity(publicKey []byte, label string) (PublicIdentity, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return PublicIdentity{}, fmt.Errorf("invalid public key size: got %d, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	pub := ed25519.PublicKey(append([]byte(nil), publicKey...))
	return PublicIdentity{
		PublicKey:   pub,
		Fingerprint: FingerprintOf(pub),
		Label:       label,
	}, nil
}

// IsZero reports whether the identity is unset.
func (id PublicIdentity) IsZero() bool {
	return len(id.PublicKey) == 0
}
