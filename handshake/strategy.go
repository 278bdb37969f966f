package handshake

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mr-tron/base58/base58"
	"github.com/opd-ai/wicrsclient/crypto"
	"github.com/opd-ai/wicrsclient/envelope"
	"github.com/opd-ai/wicrsclient/preflight"
	"github.com/opd-ai/wicrsclient/transport"
	"github.com/opd-ai/wicrsclient/trust"
)

// ConnectRequest is what a Strategy gets to open a transport.
type ConnectRequest struct {
	Identity *crypto.KeyPair
	Anchor   *trust.Anchor
	// Ephemeral is the public half of this attempt's ephemeral key.
	Ephemeral []byte
	// Header already carries X-Wicrs-Fingerprint.
	Header http.Header
}

// Strategy opens the transport for an attempt.
//
// A nil token means the server will send a challenge on the new
// connection. A non-nil token is a one-time key the server already holds,
// and the attempt proceeds straight to AwaitingConfirmation.
//
// Returning *Error sets the failure reason; other errors are classified as
// transport failures.
type Strategy interface {
	Connect(ctx context.Context, req ConnectRequest) (conn transport.Conn, token []byte, err error)
}

// InBand dials the socket and lets the server challenge over it.
type InBand struct {
	Dialer transport.Dialer
	URL    string
}

// Connect implements Strategy.
func (s *InBand) Connect(ctx context.Context, req ConnectRequest) (transport.Conn, []byte, error) {
	conn, err := s.Dialer.Dial(ctx, s.URL, req.Header)
	if err != nil {
		return nil, nil, err
	}
	return conn, nil, nil
}

// Preflight obtains a one-time key over HTTP before dialing.
type Preflight struct {
	Client *preflight.Client
	Dialer transport.Dialer
	URL    string
	// Now defaults to time.Now.
	Now func() time.Time
	// Random defaults to crypto/rand.
	Random io.Reader
}

// Connect implements Strategy.
func (s *Preflight) Connect(ctx context.Context, req ConnectRequest) (transport.Conn, []byte, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	random := s.Random
	if random == nil {
		random = rand.Reader
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, nil, connectError(ReasonLocal, fmt.Errorf("failed to generate nonce: %w", err))
	}

	request := keyRequestMsg{
		claim:     req.Identity.Fingerprint(),
		ephemeral: req.Ephemeral,
		server:    req.Anchor.Fingerprint(),
		nonce:     nonce,
		issuedAt:  now(),
	}
	env, err := envelope.Sign(envelope.KindKeyRequest, request.marshal(), req.Identity)
	if err != nil {
		return nil, nil, connectError(ReasonLocal, err)
	}
	text, err := env.Encode()
	if err != nil {
		return nil, nil, connectError(ReasonLocal, err)
	}

	answer, err := s.Client.RequestKey(ctx, text)
	if err != nil {
		var status *preflight.StatusError
		if errors.As(err, &status) {
			return nil, nil, connectError(ReasonServerRejectedClient, err)
		}
		return nil, nil, err
	}

	grant, err := s.verifyAnswer(answer, req, nonce, now())
	if err != nil {
		return nil, nil, err
	}

	header := req.Header.Clone()
	header.Set(transport.HeaderOneTimeKey, base58.Encode(grant.key))
	conn, err := s.Dialer.Dial(ctx, s.URL, header)
	if err != nil {
		return nil, nil, err
	}
	return conn, grant.key, nil
}

func (s *Preflight) verifyAnswer(answer string, req ConnectRequest, nonce []byte, now time.Time) (oneTimeKeyMsg, error) {
	env, err := envelope.Decode(answer)
	if err != nil {
		return oneTimeKeyMsg{}, connectError(ReasonMalformed, err)
	}
	verified, err := req.Anchor.Verify(env)
	if err != nil {
		return oneTimeKeyMsg{}, connectError(ReasonServerIdentityRejected, err)
	}
	if err := verified.Expect(envelope.KindOneTimeKey); err != nil {
		return oneTimeKeyMsg{}, connectError(ReasonMalformed, err)
	}
	msg, err := parseOneTimeKey(verified.Payload())
	if err != nil {
		return oneTimeKeyMsg{}, connectError(ReasonMalformed, err)
	}
	if !msg.client.Equal(req.Identity.Fingerprint()) || !bytesEqual(msg.nonce, nonce) {
		return oneTimeKeyMsg{}, connectError(ReasonMalformed, errors.New("one-time key issued for a different request"))
	}
	if !now.Before(msg.expires) {
		return oneTimeKeyMsg{}, connectError(ReasonTimeout, errors.New("one-time key already expired"))
	}
	return msg, nil
}

func connectError(reason Reason, err error) *Error {
	return &Error{Reason: reason, State: StateConnecting, Err: err}
}
