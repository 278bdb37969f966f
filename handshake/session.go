package handshake

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/opd-ai/wicrsclient/crypto"
	"github.com/opd-ai/wicrsclient/noise"
	"github.com/opd-ai/wicrsclient/transport"
)

// ErrSessionClosed is returned by Session methods after Close.
var ErrSessionClosed = errors.New("session closed")

// Session is an authenticated connection.
//
// Send and Receive may be called from different goroutines, and several
// goroutines may call Send (or Receive) at once: sends are serialized so
// frames reach the transport in the order their nonces were assigned, and
// receives are serialized so frames are opened in arrival order.
type Session struct {
	// ID is assigned by the server and echoed in its confirmation.
	ID uuid.UUID
	// Peer is the verified identity on the other end.
	Peer crypto.PublicIdentity
	// Self is the local fingerprint.
	Self crypto.Fingerprint
	Role noise.Role

	conn transport.Conn

	sendMu sync.Mutex
	recvMu sync.Mutex

	mu     sync.Mutex
	keys   noise.Keys
	cipher *noise.SessionCipher
	closed bool
}

func newSession(id uuid.UUID, peer crypto.PublicIdentity, self crypto.Fingerprint, role noise.Role, conn transport.Conn, keys noise.Keys) *Session {
	return &Session{ID: id, Peer: peer, Self: self, Role: role, conn: conn, keys: keys}
}

// Conn returns the underlying transport.
func (s *Session) Conn() transport.Conn { return s.conn }

// Cipher returns the session's message cipher. Every call returns the same
// cipher so the nonce counters stay in step with the peer.
func (s *Session) Cipher() (*noise.SessionCipher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.cipher == nil {
		s.cipher = noise.NewSessionCipher(s.keys, s.Role)
		s.keys.Wipe()
	}
	return s.cipher, nil
}

// Send encrypts msg and writes it to the transport as one text frame.
func (s *Session) Send(ctx context.Context, msg []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	c, err := s.Cipher()
	if err != nil {
		return err
	}
	sealed, err := c.Seal(msg, s.ID[:])
	if err != nil {
		return err
	}
	return s.conn.Send(ctx, []byte(base64.StdEncoding.EncodeToString(sealed)))
}

// Receive reads the next frame and decrypts it.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	c, err := s.Cipher()
	if err != nil {
		return nil, err
	}
	frame, err := s.conn.Receive(ctx)
	if err != nil {
		return nil, err
	}
	sealed, err := base64.StdEncoding.DecodeString(string(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", noise.ErrDecrypt, err)
	}
	return c.Open(sealed, s.ID[:])
}

// Close wipes the session keys and closes the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.keys.Wipe()
	s.cipher = nil
	s.mu.Unlock()
	return s.conn.Close()
}
