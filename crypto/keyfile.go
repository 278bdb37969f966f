package crypto

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/opd-ai/wicrsclient/limits"
	"github.com/opd-ai/wicrsclient/wire"
)

const (
	// PublicKeyBlock is the armor type of a shareable public key.
	PublicKeyBlock = "WICRS PUBLIC KEY"
	// PrivateKeyBlock is the armor type of a private key file.
	PrivateKeyBlock = "WICRS PRIVATE KEY"

	// FingerprintHeader is the armor header advertising the key fingerprint.
	FingerprintHeader = "Fingerprint"

	keyFileVersion = 1
)

// Protection values of a private key file.
const (
	protectionNone   = 0
	protectionSealed = 1
)

var publicKeyContext = []byte("wicrs-public-key-v1\x00")

const (
	pubFieldVersion protowire.Number = iota + 1
	pubFieldKey
	pubFieldLabel
	pubFieldCreated
	pubFieldSignature
)

var publicKeySchema = wire.Schema{
	Fields: map[protowire.Number]wire.Kind{
		pubFieldVersion:   wire.Uint,
		pubFieldKey:       wire.Bytes,
		pubFieldLabel:     wire.Bytes,
		pubFieldCreated:   wire.Uint,
		pubFieldSignature: wire.Bytes,
	},
	Required: []protowire.Number{pubFieldVersion, pubFieldKey, pubFieldLabel, pubFieldCreated, pubFieldSignature},
}

const (
	privFieldVersion protowire.Number = iota + 1
	privFieldLabel
	privFieldCreated
	privFieldProtection
	privFieldSecret
)

var privateKeySchema = wire.Schema{
	Fields: map[protowire.Number]wire.Kind{
		privFieldVersion:    wire.Uint,
		privFieldLabel:      wire.Bytes,
		privFieldCreated:    wire.Uint,
		privFieldProtection: wire.Uint,
		privFieldSecret:     wire.Bytes,
	},
	Required: []protowire.Number{privFieldVersion, privFieldLabel, privFieldCreated, privFieldProtection, privFieldSecret},
}

func publicKeyFields(pub ed25519.PublicKey, label string, created time.Time) *wire.Encoder {
	return wire.NewEncoder(128+len(label)).
		Uint(pubFieldVersion, keyFileVersion).
		Bytes(pubFieldKey, pub).
		String(pubFieldLabel, label).
		Uint(pubFieldCreated, uint64(created.Unix()))
}

// MarshalPublicKey encodes the public half of kp as an armored block.
// The block is self-signed so that copy errors are detected when it is
// imported as a trust anchor.
func MarshalPublicKey(kp *KeyPair) (string, error) {
	signed := publicKeyFields(kp.Public, kp.Label, kp.CreatedAt).Finish()
	sig, err := Sign(append(append([]byte(nil), publicKeyContext...), signed...), kp)
	if err != nil {
		return "", fmt.Errorf("failed to self-sign public key: %w", err)
	}

	body := publicKeyFields(kp.Public, kp.Label, kp.CreatedAt).Bytes(pubFieldSignature, sig).Finish()
	return wire.Armor(PublicKeyBlock, map[string]string{FingerprintHeader: kp.Fingerprint().String()}, body)
}

// ParsePublicKey decodes an armored public key block, checks its
// self-signature and, when present, its fingerprint header.
// Surrounding whitespace is ignored; anything else outside the block is not.
func ParsePublicKey(text string) (PublicIdentity, error) {
	header, body, err := wire.Unarmor(strings.TrimSpace(text), PublicKeyBlock, limits.MaxKeyFile)
	if err != nil {
		return PublicIdentity{}, fmt.Errorf("%w: %v", ErrKeyFileMalformed, err)
	}
	msg, err := wire.Parse(body, publicKeySchema)
	if err != nil {
		return PublicIdentity{}, fmt.Errorf("%w: %v", ErrKeyFileMalformed, err)
	}

	version, _ := msg.Uint(pubFieldVersion)
	if version != keyFileVersion {
		return PublicIdentity{}, fmt.Errorf("%w: unsupported version %d", ErrKeyFileMalformed, version)
	}
	key, _ := msg.Bytes(pubFieldKey)
	label, _ := msg.String(pubFieldLabel)
	created, _ := msg.Uint(pubFieldCreated)
	sig, _ := msg.Bytes(pubFieldSignature)

	if err := limits.ValidateLabel(label); err != nil {
		return PublicIdentity{}, fmt.Errorf("%w: %v", ErrKeyFileMalformed, err)
	}
	id, err := NewPublicIdentity(key, label)
	if err != nil {
		return PublicIdentity{}, fmt.Errorf("%w: %v", ErrKeyFileMalformed, err)
	}

	signed := publicKeyFields(id.PublicKey, label, time.Unix(int64(created), 0)).Finish()
	ok, err := Verify(append(append([]byte(nil), publicKeyContext...), signed...), sig, id.PublicKey)
	if err != nil || !ok {
		return PublicIdentity{}, fmt.Errorf("%w: self-signature invalid", ErrKeyFileMalformed)
	}

	for name, value := range header {
		if name != FingerprintHeader {
			return PublicIdentity{}, fmt.Errorf("%w: unexpected header %q", ErrKeyFileMalformed, name)
		}
		fp, err := ParseFingerprint(value)
		if err != nil || !fp.Equal(id.Fingerprint) {
			return PublicIdentity{}, fmt.Errorf("%w: fingerprint header does not match key", ErrKeyFileMalformed)
		}
	}

	return id, nil
}

// MarshalPrivateKey encodes kp as an armored private key block. With a
// non-empty passphrase the seed is sealed with SealSecret.
func MarshalPrivateKey(kp *KeyPair, passphrase []byte) (string, error) {
	seed := kp.Seed()
	defer ZeroBytes(seed)

	protection := uint64(protectionNone)
	secret := seed
	if len(passphrase) > 0 {
		sealed, err := SealSecret(seed, passphrase)
		if err != nil {
			return "", fmt.Errorf("failed to seal private key: %w", err)
		}
		protection = protectionSealed
		secret = sealed
	}

	body := wire.NewEncoder(96+len(kp.Label)).
		Uint(privFieldVersion, keyFileVersion).
		String(privFieldLabel, kp.Label).
		Uint(privFieldCreated, uint64(kp.CreatedAt.Unix())).
		Uint(privFieldProtection, protection).
		Bytes(privFieldSecret, secret).
		Finish()
	defer ZeroBytes(body)

	return wire.Armor(PrivateKeyBlock, nil, body)
}

// ParsePrivateKey decodes an armored private key block. Sealed keys need the
// passphrase they were sealed with.
func ParsePrivateKey(text string, passphrase []byte) (*KeyPair, error) {
	_, body, err := wire.Unarmor(strings.TrimSpace(text), PrivateKeyBlock, limits.MaxKeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFileMalformed, err)
	}
	defer ZeroBytes(body)

	msg, err := wire.Parse(body, privateKeySchema)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFileMalformed, err)
	}

	version, _ := msg.Uint(privFieldVersion)
	if version != keyFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrKeyFileMalformed, version)
	}
	label, _ := msg.String(privFieldLabel)
	if err := limits.ValidateLabel(label); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFileMalformed, err)
	}
	created, _ := msg.Uint(privFieldCreated)
	protection, _ := msg.Uint(privFieldProtection)
	secret, _ := msg.Bytes(privFieldSecret)
	defer ZeroBytes(secret)

	var seed []byte
	switch protection {
	case protectionNone:
		seed = secret
	case protectionSealed:
		if seed, err = OpenSecret(secret, passphrase); err != nil {
			return nil, err
		}
		defer ZeroBytes(seed)
	default:
		return nil, fmt.Errorf("%w: unknown protection %d", ErrKeyFileMalformed, protection)
	}

	kp, err := FromSeed(seed, label, time.Unix(int64(created), 0))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFileMalformed, err)
	}
	return kp, nil
}
