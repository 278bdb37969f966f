// Package envelope implements the signed envelope exchanged at every
// handshake step.
//
// An Envelope binds a payload and its kind to the signer's Ed25519 key. On
// the wire it is a single armored text block:
//
//	-----BEGIN WICRS SIGNED ENVELOPE-----
//
//	CAEQARog...
//	=Ab3x
//	-----END WICRS SIGNED ENVELOPE-----
//
// Decode accepts only the exact text Encode produces, so an envelope
// survives a round trip byte for byte and any single-character change is
// rejected by Decode or by Verify.
//
// The payload of a raw Envelope is not accessible. Callers must pass it
// through Verify, which returns a Verified value carrying the payload.
package envelope

import (
	"bytes"
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/opd-ai/wicrsclient/crypto"
	"github.com/opd-ai/wicrsclient/limits"
	"github.com/opd-ai/wicrsclient/wire"
)

// Version is the envelope format version.
const Version = 1

// Block is the armor type of an encoded envelope.
const Block = "WICRS SIGNED ENVELOPE"

// signingContext separates envelope signatures from every other use of the key.
var signingContext = []byte("wicrs-envelope-v1\x00")

var (
	// ErrMalformed indicates text is not a valid envelope encoding.
	ErrMalformed = errors.New("malformed envelope")

	// ErrSignatureInvalid indicates the signature does not verify against
	// the candidate key.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrUnexpectedKind indicates a verified envelope of the wrong kind.
	ErrUnexpectedKind = errors.New("unexpected envelope kind")
)

// ParseError describes why Decode rejected its input. It matches
// ErrMalformed with errors.Is.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed envelope: %s: %v", e.Reason, e.Err)
	}
	return "malformed envelope: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is reports whether target is ErrMalformed.
func (e *ParseError) Is(target error) bool { return target == ErrMalformed }

func malformed(reason string, err error) error {
	return &ParseError{Reason: reason, Err: err}
}

const (
	fieldVersion protowire.Number = iota + 1
	fieldKind
	fieldSigner
	fieldPayload
	fieldSignature
)

var schema = wire.Schema{
	Fields: map[protowire.Number]wire.Kind{
		fieldVersion:   wire.Uint,
		fieldKind:      wire.Uint,
		fieldSigner:    wire.Bytes,
		fieldPayload:   wire.Bytes,
		fieldSignature: wire.Bytes,
	},
	Required: []protowire.Number{fieldVersion, fieldKind, fieldSigner, fieldPayload, fieldSignature},
}

// Envelope is a signed payload whose signature has not been checked.
// It is immutable.
type Envelope struct {
	version   uint64
	kind      Kind
	signer    ed25519.PublicKey
	payload   []byte
	signature []byte
}

func signedFields(version uint64, kind Kind, signer ed25519.PublicKey, payload []byte) *wire.Encoder {
	return wire.NewEncoder(limits.EnvelopeOverhead+len(payload)).
		Uint(fieldVersion, version).
		Uint(fieldKind, uint64(kind)).
		Bytes(fieldSigner, signer).
		Bytes(fieldPayload, payload)
}

func signedMessage(version uint64, kind Kind, signer ed25519.PublicKey, payload []byte) []byte {
	body := signedFields(version, kind, signer, payload).Finish()
	return append(append(make([]byte, 0, len(signingContext)+len(body)), signingContext...), body...)
}

// Sign creates an envelope of the given kind over payload, signed with kp.
// Signing is deterministic.
func Sign(kind Kind, payload []byte, kp *crypto.KeyPair) (*Envelope, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("cannot sign envelope of unknown kind %d", kind)
	}
	if err := limits.ValidatePayload(payload); err != nil {
		return nil, fmt.Errorf("invalid envelope payload: %w", err)
	}
	if kp == nil {
		return nil, errors.New("signing key unavailable")
	}

	sig, err := crypto.Sign(signedMessage(Version, kind, kp.Public, payload), kp)
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}

	return &Envelope{
		version:   Version,
		kind:      kind,
		signer:    append(ed25519.PublicKey(nil), kp.Public...),
		payload:   append([]byte(nil), payload...),
		signature: sig,
	}, nil
}

// Kind returns the claimed kind. It is covered by the signature but is not
// trusted until Verify succeeds.
func (e *Envelope) Kind() Kind { return e.kind }

// SignerKey returns a copy of the public key the envelope claims to be signed with.
func (e *Envelope) SignerKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), e.signer...)
}

// SignerFingerprint returns the fingerprint of the claimed signer key.
func (e *Envelope) SignerFingerprint() crypto.Fingerprint {
	return crypto.FingerprintOf(e.signer)
}

// Equal reports whether two envelopes are identical.
func (e *Envelope) Equal(other *Envelope) bool {
	return e.version == other.version &&
		e.kind == other.kind &&
		bytes.Equal(e.signer, other.signer) &&
		bytes.Equal(e.payload, other.payload) &&
		bytes.Equal(e.signature, other.signature)
}

// Encode returns the armored wire text of the envelope.
func (e *Envelope) Encode() (string, error) {
	body := signedFields(e.version, e.kind, e.signer, e.payload).
		Bytes(fieldSignature, e.signature).
		Finish()
	return wire.Armor(Block, nil, body)
}

// Decode parses armored wire text. Any input other than the exact output
// of Encode for some envelope is rejected with a *ParseError.
func Decode(text string) (*Envelope, error) {
	if err := limits.ValidateWireText(text); err != nil {
		return nil, malformed("size", err)
	}

	header, body, err := wire.Unarmor(text, Block, limits.MaxEnvelopeBody)
	if err != nil {
		return nil, malformed("armor", err)
	}
	if len(header) != 0 {
		return nil, malformed("unexpected armor header", nil)
	}

	msg, err := wire.Parse(body, schema)
	if err != nil {
		return nil, malformed("body", err)
	}

	version, _ := msg.Uint(fieldVersion)
	if version != Version {
		return nil, malformed(fmt.Sprintf("unsupported version %d", version), nil)
	}
	kind, _ := msg.Uint(fieldKind)
	if kind > 255 || !Kind(kind).Valid() {
		return nil, malformed(fmt.Sprintf("unknown kind %d", kind), nil)
	}
	signer, _ := msg.Bytes(fieldSigner)
	if len(signer) != ed25519.PublicKeySize {
		return nil, malformed(fmt.Sprintf("signer key is %d bytes", len(signer)), nil)
	}
	payload, _ := msg.Bytes(fieldPayload)
	if err := limits.ValidatePayload(payload); err != nil {
		return nil, malformed("payload", err)
	}
	signature, _ := msg.Bytes(fieldSignature)
	if len(signature) != crypto.SignatureSize {
		return nil, malformed(fmt.Sprintf("signature is %d bytes", len(signature)), nil)
	}

	return &Envelope{
		version:   version,
		kind:      Kind(kind),
		signer:    signer,
		payload:   payload,
		signature: signature,
	}, nil
}

// Verify checks env against the candidate public key. The envelope must
// claim exactly that key as its signer and the signature must validate.
// On any mismatch it returns ErrSignatureInvalid and no payload.
func Verify(env *Envelope, publicKey ed25519.PublicKey) (*Verified, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: no envelope", ErrSignatureInvalid)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: candidate key is %d bytes", ErrSignatureInvalid, len(publicKey))
	}
	if subtle.ConstantTimeCompare(env.signer, publicKey) != 1 {
		return nil, fmt.Errorf("%w: signed by %s, expected %s", ErrSignatureInvalid,
			env.SignerFingerprint().Short(), crypto.FingerprintOf(publicKey).Short())
	}

	ok, err := crypto.Verify(signedMessage(env.version, env.kind, env.signer, env.payload), env.signature, publicKey)
	if err != nil || !ok {
		return nil, ErrSignatureInvalid
	}

	signer, err := crypto.NewPublicIdentity(publicKey, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return &Verified{
		kind:    env.kind,
		payload: append([]byte(nil), env.payload...),
		signer:  signer,
	}, nil
}

// VerifySelfSigned verifies env against the key it claims as signer. It
// proves possession of that key, not who holds it; callers bind the result
// to an identity by other means.
func VerifySelfSigned(env *Envelope) (*Verified, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: no envelope", ErrSignatureInvalid)
	}
	return Verify(env, env.signer)
}

// Verified is an envelope whose signature has been checked. It is the only
// way to read a payload.
type Verified struct {
	kind    Kind
	payload []byte
	signer  crypto.PublicIdentity
}

// Payload returns a copy of the verified payload.
func (v *Verified) Payload() []byte {
	return append([]byte(nil), v.payload...)
}

// Kind returns the verified kind.
func (v *Verified) Kind() Kind { return v.kind }

// Signer returns the identity the signature was verified against.
func (v *Verified) Signer() crypto.PublicIdentity { return v.signer }

// Expect returns ErrUnexpectedKind unless the envelope has the given kind.
func (v *Verified) Expect(kind Kind) error {
	if v.kind != kind {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedKind, v.kind, kind)
	}
	return nil
}
