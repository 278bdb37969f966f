package handshake

import (
	"crypto/ed25519"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/wicrsclient/crypto"
	"github.com/opd-ai/wicrsclient/noise"
	"github.com/opd-ai/wicrsclient/wire"
	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// TokenSize is the size of a challenge token and of a one-time key.
	TokenSize = 32

	// NonceSize is the size of a key-request nonce.
	NonceSize = 16

	maxRejectionMessage = 256
)

// Payload schemas. Every field is required except the rejection message.
var (
	challengeSchema = wire.Schema{
		Fields:   map[protowire.Number]wire.Kind{1: wire.Bytes},
		Required: []protowire.Number{1},
	}
	responseSchema = wire.Schema{
		Fields:   map[protowire.Number]wire.Kind{1: wire.Bytes, 2: wire.Bytes, 3: wire.Bytes},
		Required: []protowire.Number{1, 2, 3},
	}
	confirmationSchema = wire.Schema{
		Fields:   map[protowire.Number]wire.Kind{1: wire.Bytes, 2: wire.Bytes, 3: wire.Bytes, 4: wire.Bytes},
		Required: []protowire.Number{1, 2, 3, 4},
	}
	rejectionSchema = wire.Schema{
		Fields:   map[protowire.Number]wire.Kind{1: wire.Uint, 2: wire.Bytes},
		Required: []protowire.Number{1},
	}
	keyRequestSchema = wire.Schema{
		Fields:   map[protowire.Number]wire.Kind{1: wire.Bytes, 2: wire.Bytes, 3: wire.Bytes, 4: wire.Bytes, 5: wire.Uint},
		Required: []protowire.Number{1, 2, 3, 4, 5},
	}
	oneTimeKeySchema = wire.Schema{
		Fields:   map[protowire.Number]wire.Kind{1: wire.Bytes, 2: wire.Bytes, 3: wire.Uint, 4: wire.Bytes},
		Required: []protowire.Number{1, 2, 3, 4},
	}
	grantSchema = wire.Schema{
		Fields:   map[protowire.Number]wire.Kind{1: wire.Bytes, 2: wire.Bytes},
		Required: []protowire.Number{1, 2},
	}
)

// challengeMsg opens an in-band handshake.
type challengeMsg struct {
	token []byte
}

func (m challengeMsg) marshal() []byte {
	return wire.NewEncoder(TokenSize + 4).Bytes(1, m.token).Finish()
}

func parseChallenge(payload []byte) (challengeMsg, error) {
	msg, err := wire.Parse(payload, challengeSchema)
	if err != nil {
		return challengeMsg{}, err
	}
	token, _ := msg.Bytes(1)
	if len(token) != TokenSize {
		return challengeMsg{}, sizeError("token", len(token), TokenSize)
	}
	return challengeMsg{token: token}, nil
}

// responseMsg answers a challenge. server names the intended recipient so a
// response cannot be forwarded to a different server.
type responseMsg struct {
	token     []byte
	ephemeral []byte
	server    crypto.Fingerprint
}

func (m responseMsg) marshal() []byte {
	return wire.NewEncoder(128).
		Bytes(1, m.token).
		Bytes(2, m.ephemeral).
		Bytes(3, m.server[:]).
		Finish()
}

func parseResponse(payload []byte) (responseMsg, error) {
	msg, err := wire.Parse(payload, responseSchema)
	if err != nil {
		return responseMsg{}, err
	}
	var m responseMsg
	m.token, _ = msg.Bytes(1)
	m.ephemeral, _ = msg.Bytes(2)
	server, _ := msg.Bytes(3)
	if len(m.token) != TokenSize {
		return responseMsg{}, sizeError("token", len(m.token), TokenSize)
	}
	if len(m.ephemeral) != noise.KeySize {
		return responseMsg{}, sizeError("ephemeral key", len(m.ephemeral), noise.KeySize)
	}
	if err := copyFingerprint(&m.server, server); err != nil {
		return responseMsg{}, err
	}
	return m, nil
}

// confirmationMsg completes a handshake. It echoes a digest of the token
// and the client fingerprint it authenticated.
type confirmationMsg struct {
	tokenDigest [blake2b.Size256]byte
	client      crypto.Fingerprint
	ephemeral   []byte
	sessionID   uuid.UUID
}

func (m confirmationMsg) marshal() []byte {
	return wire.NewEncoder(160).
		Bytes(1, m.tokenDigest[:]).
		Bytes(2, m.client[:]).
		Bytes(3, m.ephemeral).
		Bytes(4, m.sessionID[:]).
		Finish()
}

func parseConfirmation(payload []byte) (confirmationMsg, error) {
	msg, err := wire.Parse(payload, confirmationSchema)
	if err != nil {
		return confirmationMsg{}, err
	}
	var m confirmationMsg
	digest, _ := msg.Bytes(1)
	client, _ := msg.Bytes(2)
	m.ephemeral, _ = msg.Bytes(3)
	id, _ := msg.Bytes(4)

	if len(digest) != len(m.tokenDigest) {
		return confirmationMsg{}, sizeError("token digest", len(digest), len(m.tokenDigest))
	}
	copy(m.tokenDigest[:], digest)
	if err := copyFingerprint(&m.client, client); err != nil {
		return confirmationMsg{}, err
	}
	if len(m.ephemeral) != noise.KeySize {
		return confirmationMsg{}, sizeError("ephemeral key", len(m.ephemeral), noise.KeySize)
	}
	if m.sessionID, err = uuid.FromBytes(id); err != nil {
		return confirmationMsg{}, fmt.Errorf("%w: session id: %v", wire.ErrMalformed, err)
	}
	return m, nil
}

// rejectionMsg ends a handshake on the server's initiative.
type rejectionMsg struct {
	reason  Reason
	message string
}

func (m rejectionMsg) marshal() []byte {
	enc := wire.NewEncoder(32 + len(m.message)).Uint(1, uint64(m.reason))
	if m.message != "" {
		enc.String(2, m.message)
	}
	return enc.Finish()
}

func parseRejection(payload []byte) (rejectionMsg, error) {
	msg, err := wire.Parse(payload, rejectionSchema)
	if err != nil {
		return rejectionMsg{}, err
	}
	code, _ := msg.Uint(1)
	if code == 0 || code > 255 {
		return rejectionMsg{}, fmt.Errorf("%w: rejection reason %d", wire.ErrMalformed, code)
	}
	text, _ := msg.String(2)
	if len(text) > maxRejectionMessage {
		return rejectionMsg{}, fmt.Errorf("%w: rejection message is %d bytes", wire.ErrMalformed, len(text))
	}
	return rejectionMsg{reason: Reason(code), message: text}, nil
}

// keyRequestMsg asks the pre-flight endpoint for a one-time key. The nonce
// and timestamp make each request usable once within the skew window.
type keyRequestMsg struct {
	claim     crypto.Fingerprint
	ephemeral []byte
	server    crypto.Fingerprint
	nonce     []byte
	issuedAt  time.Time
}

func (m keyRequestMsg) marshal() []byte {
	return wire.NewEncoder(160).
		Bytes(1, m.claim[:]).
		Bytes(2, m.ephemeral).
		Bytes(3, m.server[:]).
		Bytes(4, m.nonce).
		Uint(5, uint64(m.issuedAt.Unix())).
		Finish()
}

func parseKeyRequest(payload []byte) (keyRequestMsg, error) {
	msg, err := wire.Parse(payload, keyRequestSchema)
	if err != nil {
		return keyRequestMsg{}, err
	}
	var m keyRequestMsg
	claim, _ := msg.Bytes(1)
	m.ephemeral, _ = msg.Bytes(2)
	server, _ := msg.Bytes(3)
	m.nonce, _ = msg.Bytes(4)
	issued, _ := msg.Uint(5)

	if err := copyFingerprint(&m.claim, claim); err != nil {
		return keyRequestMsg{}, err
	}
	if len(m.ephemeral) != noise.KeySize {
		return keyRequestMsg{}, sizeError("ephemeral key", len(m.ephemeral), noise.KeySize)
	}
	if err := copyFingerprint(&m.server, server); err != nil {
		return keyRequestMsg{}, err
	}
	if len(m.nonce) != NonceSize {
		return keyRequestMsg{}, sizeError("nonce", len(m.nonce), NonceSize)
	}
	m.issuedAt = unixTime(issued)
	return m, nil
}

// oneTimeKeyMsg is the pre-flight answer, signed by the server.
type oneTimeKeyMsg struct {
	key     []byte
	client  crypto.Fingerprint
	expires time.Time
	nonce   []byte
}

func (m oneTimeKeyMsg) marshal() []byte {
	return wire.NewEncoder(128).
		Bytes(1, m.key).
		Bytes(2, m.client[:]).
		Uint(3, uint64(m.expires.Unix())).
		Bytes(4, m.nonce).
		Finish()
}

func parseOneTimeKey(payload []byte) (oneTimeKeyMsg, error) {
	msg, err := wire.Parse(payload, oneTimeKeySchema)
	if err != nil {
		return oneTimeKeyMsg{}, err
	}
	var m oneTimeKeyMsg
	m.key, _ = msg.Bytes(1)
	client, _ := msg.Bytes(2)
	expires, _ := msg.Uint(3)
	m.nonce, _ = msg.Bytes(4)

	if len(m.key) != TokenSize {
		return oneTimeKeyMsg{}, sizeError("one-time key", len(m.key), TokenSize)
	}
	if err := copyFingerprint(&m.client, client); err != nil {
		return oneTimeKeyMsg{}, err
	}
	if len(m.nonce) != NonceSize {
		return oneTimeKeyMsg{}, sizeError("nonce", len(m.nonce), NonceSize)
	}
	m.expires = unixTime(expires)
	return m, nil
}

// grant is what the server remembers about an issued one-time key.
type grant struct {
	client    ed25519.PublicKey
	ephemeral []byte
}

func (g grant) marshal() []byte {
	return wire.NewEncoder(80).Bytes(1, g.client).Bytes(2, g.ephemeral).Finish()
}

func parseGrant(data []byte) (grant, error) {
	msg, err := wire.Parse(data, grantSchema)
	if err != nil {
		return grant{}, err
	}
	client, _ := msg.Bytes(1)
	eph, _ := msg.Bytes(2)
	if len(client) != ed25519.PublicKeySize || len(eph) != noise.KeySize {
		return grant{}, fmt.Errorf("%w: grant sizes %d/%d", wire.ErrMalformed, len(client), len(eph))
	}
	return grant{client: client, ephemeral: eph}, nil
}

func tokenDigest(token []byte) [blake2b.Size256]byte {
	return blake2b.Sum256(token)
}

func bytesEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func copyFingerprint(dst *crypto.Fingerprint, src []byte) error {
	if len(src) != crypto.FingerprintSize {
		return sizeError("fingerprint", len(src), crypto.FingerprintSize)
	}
	copy(dst[:], src)
	return nil
}

func sizeError(field string, got, want int) error {
	return fmt.Errorf("%w: %s is %d bytes, want %d", wire.ErrMalformed, field, got, want)
}

func unixTime(sec uint64) time.Time {
	if sec > 1<<62 {
		sec = 1 << 62
	}
	return time.Unix(int64(sec), 0)
}

func truncateMessage(s string) string {
	if len(s) > maxRejectionMessage {
		return s[:maxRejectionMessage]
	}
	return s
}
