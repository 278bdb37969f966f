package noise

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of an ephemeral X25519 public key.
const KeySize = 32

var sessionInfo = []byte("wicrs/session/v1")

var (
	// ErrInvalidKey indicates a peer ephemeral key that cannot be used.
	ErrInvalidKey = errors.New("invalid ephemeral key")

	// ErrDecrypt indicates a message failed authentication or arrived out of order.
	ErrDecrypt = errors.New("message authentication failed")

	// ErrNonceExhausted indicates a direction has sent its last message.
	ErrNonceExhausted = errors.New("session nonce exhausted")
)

// Role selects which directional key a side sends with.
type Role uint8

const (
	// Initiator is the side that opened the connection (the client).
	Initiator Role = iota
	// Responder is the side that accepted it (the server).
	Responder
)

// String returns the role name.
func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Ephemeral is a single-use X25519 key pair.
type Ephemeral struct {
	key noise.DHKey
}

// NewEphemeral generates a fresh ephemeral key pair.
func NewEphemeral() (*Ephemeral, error) {
	return newEphemeral(rand.Reader)
}

func newEphemeral(random io.Reader) (*Ephemeral, error) {
	key, err := noise.DH25519.GenerateKeypair(random)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	return &Ephemeral{key: key}, nil
}

// Public returns a copy of the public half.
func (e *Ephemeral) Public() []byte {
	return append([]byte(nil), e.key.Public...)
}

// Wipe zeroes the private half. Agree fails afterwards.
func (e *Ephemeral) Wipe() {
	for i := range e.key.Private {
		e.key.Private[i] = 0
	}
	e.key.Private = nil
}

// Keys holds the two directional session keys.
type Keys struct {
	InitiatorToResponder [32]byte
	ResponderToInitiator [32]byte
}

// Wipe zeroes both keys.
func (k *Keys) Wipe() {
	k.InitiatorToResponder = [32]byte{}
	k.ResponderToInitiator = [32]byte{}
}

// Agree computes the session keys from the peer's ephemeral public key.
// salt is the server-issued token; bind lists values both sides agree on,
// in the same order, such as the client and server fingerprints.
func (e *Ephemeral) Agree(peerPublic, salt []byte, bind ...[]byte) (Keys, error) {
	var keys Keys
	if e.key.Private == nil {
		return keys, errors.New("ephemeral key already wiped")
	}
	if len(peerPublic) != KeySize {
		return keys, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(peerPublic))
	}

	shared, err := noise.DH25519.DH(e.key.Private, peerPublic)
	if err != nil {
		return keys, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	defer zero(shared)

	info := append([]byte(nil), sessionInfo...)
	for _, b := range bind {
		info = append(info, byte(len(b)>>8), byte(len(b)))
		info = append(info, b...)
	}

	r := hkdf.New(sha256.New, shared, salt, info)
	if _, err := io.ReadFull(r, keys.InitiatorToResponder[:]); err != nil {
		return keys, fmt.Errorf("failed to derive session key: %w", err)
	}
	if _, err := io.ReadFull(r, keys.ResponderToInitiator[:]); err != nil {
		return keys, fmt.Errorf("failed to derive session key: %w", err)
	}
	return keys, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SessionCipher encrypts application messages on an authenticated
// connection. Nonces are implicit counters, so messages must be opened in
// the order they were sealed. It is safe for concurrent use, but callers
// that transmit sealed messages concurrently must keep transmission in
// seal order themselves.
type SessionCipher struct {
	mu     sync.Mutex
	send   noise.Cipher
	recv   noise.Cipher
	sendN  uint64
	recvN  uint64
	failed bool
}

// NewSessionCipher creates the cipher for one side of a session.
func NewSessionCipher(keys Keys, role Role) *SessionCipher {
	sendKey, recvKey := keys.InitiatorToResponder, keys.ResponderToInitiator
	if role == Responder {
		sendKey, recvKey = recvKey, sendKey
	}
	return &SessionCipher{
		send: noise.CipherChaChaPoly.Cipher(sendKey),
		recv: noise.CipherChaChaPoly.Cipher(recvKey),
	}
}

// Seal encrypts and authenticates plaintext with optional associated data.
func (c *SessionCipher) Seal(plaintext, ad []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sendN == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	out := c.send.Encrypt(nil, c.sendN, ad, plaintext)
	c.sendN++
	return out, nil
}

// Open authenticates and decrypts the next message from the peer. After a
// failure the receive direction stays failed, since the counters can no
// longer be trusted to agree.
func (c *SessionCipher) Open(ciphertext, ad []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed {
		return nil, ErrDecrypt
	}
	if c.recvN == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	out, err := c.recv.Decrypt(nil, c.recvN, ad, ciphertext)
	if err != nil {
		c.failed = true
		return nil, ErrDecrypt
	}
	c.recvN++
	return out, nil
}
