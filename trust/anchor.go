// Package trust holds the server identity a client is willing to talk to.
//
// The anchor is an armored public key obtained out of band, for example
// shipped next to the client or copied from the server operator's site.
// Every server-signed envelope is checked against it before its payload is
// used.
package trust

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wicrsclient/crypto"
	"github.com/opd-ai/wicrsclient/envelope"
	"github.com/opd-ai/wicrsclient/limits"
)

// ErrMalformed indicates the anchor text is not exactly one valid public key.
var ErrMalformed = errors.New("malformed trust anchor")

// AnchorError reports why anchor text was rejected. It matches ErrMalformed.
type AnchorError struct {
	Source string
	Err    error
}

func (e *AnchorError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("malformed trust anchor %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("malformed trust anchor: %v", e.Err)
}

func (e *AnchorError) Unwrap() error { return e.Err }

// Is reports whether target is ErrMalformed.
func (e *AnchorError) Is(target error) bool { return target == ErrMalformed }

// Anchor is a pinned server identity. It is immutable and safe for
// concurrent use.
type Anchor struct {
	identity crypto.PublicIdentity
}

// FromArmoredText parses a single "WICRS PUBLIC KEY" block. Anything but
// exactly one well-formed, self-signed key is rejected.
func FromArmoredText(text string) (*Anchor, error) {
	return parse(text, "")
}

// LoadFile reads an anchor from a file.
func LoadFile(path string) (*Anchor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust anchor: %w", err)
	}
	return parse(string(data), path)
}

// New creates an anchor for an identity known by other means.
func New(identity crypto.PublicIdentity) (*Anchor, error) {
	id, err := crypto.NewPublicIdentity(identity.PublicKey, identity.Label)
	if err != nil {
		return nil, &AnchorError{Err: err}
	}
	return &Anchor{identity: id}, nil
}

func parse(text, source string) (*Anchor, error) {
	if err := limits.ValidateKeyFile([]byte(text)); err != nil {
		return nil, &AnchorError{Source: source, Err: err}
	}
	id, err := crypto.ParsePublicKey(text)
	if err != nil {
		return nil, &AnchorError{Source: source, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "FromArmoredText",
		"package":     "trust",
		"source":      source,
		"label":       id.Label,
		"fingerprint": id.Fingerprint.Short(),
	}).Debug("Loaded trust anchor")

	return &Anchor{identity: id}, nil
}

// Identity returns the pinned identity.
func (a *Anchor) Identity() crypto.PublicIdentity { return a.identity }

// Fingerprint returns the pinned fingerprint.
func (a *Anchor) Fingerprint() crypto.Fingerprint { return a.identity.Fingerprint }

// MatchesFingerprint reports whether text is the anchor's fingerprint. It
// lets a user confirm an anchor against a fingerprint read to them.
func (a *Anchor) MatchesFingerprint(text string) bool {
	fp, err := crypto.ParseFingerprint(text)
	return err == nil && fp.Equal(a.identity.Fingerprint)
}

// Verify returns the payload of env only if it was signed by the anchor key.
func (a *Anchor) Verify(env *envelope.Envelope) (*envelope.Verified, error) {
	return Verify(env, a.identity)
}

// Verify checks env against a claimed identity and fails with
// envelope.ErrSignatureInvalid unless the signature validates.
func Verify(env *envelope.Envelope, claimed crypto.PublicIdentity) (*envelope.Verified, error) {
	return envelope.Verify(env, claimed.PublicKey)
}
