package handshake

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/opd-ai/wicrsclient/crypto"
	"github.com/opd-ai/wicrsclient/envelope"
	"github.com/opd-ai/wicrsclient/noise"
	"github.com/opd-ai/wicrsclient/transport"
	"github.com/opd-ai/wicrsclient/trust"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultChallengeTimeout bounds the wait for the server's challenge.
	DefaultChallengeTimeout = 10 * time.Second
	// DefaultConfirmTimeout bounds the wait for the server's confirmation.
	DefaultConfirmTimeout = 10 * time.Second
)

// Config configures a Protocol. Identity, Anchor and Strategy are required.
type Config struct {
	Identity *crypto.KeyPair
	Anchor   *trust.Anchor
	Strategy Strategy

	ChallengeTimeout time.Duration
	ConfirmTimeout   time.Duration

	Logger       *logrus.Logger
	Metrics      *Metrics
	OnTransition TransitionFunc
}

// Protocol runs client handshake attempts. It holds no per-attempt state
// and may run several attempts concurrently.
type Protocol struct {
	cfg Config
	log *logrus.Logger
}

// New validates cfg and fills in defaults.
func New(cfg Config) (*Protocol, error) {
	if cfg.Identity == nil {
		return nil, errors.New("handshake: identity is required")
	}
	if cfg.Anchor == nil {
		return nil, errors.New("handshake: trust anchor is required")
	}
	if cfg.Strategy == nil {
		return nil, errors.New("handshake: strategy is required")
	}
	if cfg.ChallengeTimeout <= 0 {
		cfg.ChallengeTimeout = DefaultChallengeTimeout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Protocol{cfg: cfg, log: log}, nil
}

// Run performs one handshake attempt. On success the returned session owns
// the transport. On failure the error is *Error and the transport, if one
// was opened, is closed. Run never retries.
func (p *Protocol) Run(ctx context.Context) (*Session, error) {
	start := time.Now()
	a := &attempt{
		p:     p,
		state: StateIdle,
		log: p.log.WithFields(logrus.Fields{
			"package": "handshake",
			"role":    roleClient,
			"client":  p.cfg.Identity.Fingerprint().Short(),
			"server":  p.cfg.Anchor.Fingerprint().Short(),
		}),
	}
	defer a.wipe()

	session, err := a.run(ctx)
	p.cfg.Metrics.observe(roleClient, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return session, nil
}

// attempt is the state of one Run call.
type attempt struct {
	p     *Protocol
	state State
	log   *logrus.Entry

	conn      transport.Conn
	token     []byte
	ephemeral *noise.Ephemeral
}

func (a *attempt) run(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, a.fail(ReasonCancelled, err)
	}

	eph, err := noise.NewEphemeral()
	if err != nil {
		return nil, a.fail(ReasonLocal, err)
	}
	a.ephemeral = eph

	a.transition(StateConnecting)
	header := http.Header{}
	header.Set(transport.HeaderFingerprint, a.p.cfg.Identity.Fingerprint().String())

	conn, token, err := a.p.cfg.Strategy.Connect(ctx, ConnectRequest{
		Identity:  a.p.cfg.Identity,
		Anchor:    a.p.cfg.Anchor,
		Ephemeral: eph.Public(),
		Header:    header,
	})
	if err != nil {
		var herr *Error
		if errors.As(err, &herr) {
			return nil, a.fail(herr.Reason, herr.Err)
		}
		return nil, a.transportFailure(ctx, err)
	}
	a.conn = conn

	if token == nil {
		a.transition(StateAwaitingChallenge)
		if err := a.answerChallenge(ctx); err != nil {
			return nil, err
		}
	} else {
		a.token = token
		a.log.WithFields(crypto.SecureFieldHash(token, "one_time_key")).Debug("Using pre-flight one-time key")
	}

	a.transition(StateAwaitingConfirmation)
	return a.awaitConfirmation(ctx)
}

// answerChallenge reads the challenge and sends the signed response.
func (a *attempt) answerChallenge(ctx context.Context) error {
	verified, err := a.receive(ctx, a.p.cfg.ChallengeTimeout, envelope.KindChallenge)
	if err != nil {
		return err
	}
	challenge, err := parseChallenge(verified.Payload())
	if err != nil {
		return a.fail(ReasonMalformed, err)
	}
	a.token = challenge.token

	a.transition(StateRespondingToChallenge)
	response := responseMsg{
		token:     a.token,
		ephemeral: a.ephemeral.Public(),
		server:    a.p.cfg.Anchor.Fingerprint(),
	}
	env, err := envelope.Sign(envelope.KindResponse, response.marshal(), a.p.cfg.Identity)
	if err != nil {
		return a.fail(ReasonLocal, err)
	}
	text, err := env.Encode()
	if err != nil {
		return a.fail(ReasonLocal, err)
	}
	if err := a.conn.Send(ctx, []byte(text)); err != nil {
		return a.transportFailure(ctx, err)
	}
	a.log.Debug("Sent challenge response")
	return nil
}

func (a *attempt) awaitConfirmation(ctx context.Context) (*Session, error) {
	verified, err := a.receive(ctx, a.p.cfg.ConfirmTimeout, envelope.KindConfirmation)
	if err != nil {
		return nil, err
	}
	confirmation, err := parseConfirmation(verified.Payload())
	if err != nil {
		return nil, a.fail(ReasonMalformed, err)
	}

	self := a.p.cfg.Identity.Fingerprint()
	digest := tokenDigest(a.token)
	if !bytesEqual(confirmation.tokenDigest[:], digest[:]) {
		return nil, a.fail(ReasonMalformed, errors.New("confirmation is for a different token"))
	}
	if !confirmation.client.Equal(self) {
		return nil, a.fail(ReasonMalformed, errors.New("confirmation is for a different client"))
	}

	server := a.p.cfg.Anchor.Fingerprint()
	keys, err := a.ephemeral.Agree(confirmation.ephemeral, a.token, self[:], server[:])
	if err != nil {
		return nil, a.fail(ReasonMalformed, err)
	}

	a.transition(StateAuthenticated)
	a.log.WithField("session", confirmation.sessionID).Info("Handshake authenticated")

	session := newSession(confirmation.sessionID, a.p.cfg.Anchor.Identity(), self, noise.Initiator, a.conn, keys)
	a.conn = nil
	return session, nil
}

// receive waits for one envelope, verifies it against the anchor and
// checks its kind. A verified rejection ends the attempt.
func (a *attempt) receive(ctx context.Context, timeout time.Duration, want envelope.Kind) (*envelope.Verified, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frame, err := a.conn.Receive(rctx)
	if err != nil {
		return nil, a.transportFailure(ctx, err)
	}
	env, err := envelope.Decode(string(frame))
	if err != nil {
		return nil, a.fail(ReasonMalformed, err)
	}
	verified, err := a.p.cfg.Anchor.Verify(env)
	if err != nil {
		return nil, a.fail(ReasonServerIdentityRejected, err)
	}

	if verified.Kind() == envelope.KindRejection {
		rejection, err := parseRejection(verified.Payload())
		if err != nil {
			return nil, a.fail(ReasonMalformed, err)
		}
		return nil, a.fail(ReasonServerRejectedClient, &Rejection{Reason: rejection.reason, Message: rejection.message})
	}
	if err := verified.Expect(want); err != nil {
		return nil, a.fail(ReasonMalformed, err)
	}
	return verified, nil
}

// transportFailure classifies a Send, Receive or Dial error.
func (a *attempt) transportFailure(ctx context.Context, err error) *Error {
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		return a.fail(ReasonCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return a.fail(ReasonTimeout, err)
	case errors.Is(err, context.Canceled):
		return a.fail(ReasonCancelled, err)
	default:
		return a.fail(ReasonTransportClosed, err)
	}
}

// fail closes the transport and moves to Failed.
func (a *attempt) fail(reason Reason, err error) *Error {
	herr := &Error{Reason: reason, State: a.state, Err: err}
	if a.conn != nil {
		if cerr := a.conn.Close(); cerr != nil {
			a.log.WithError(cerr).Debug("Failed to close transport")
		}
		a.conn = nil
	}
	a.transition(StateFailed)
	a.log.WithFields(logrus.Fields{
		"reason": reason.String(),
		"state":  herr.State.String(),
	}).WithError(err).Warn("Handshake failed")
	return herr
}

func (a *attempt) transition(to State) {
	from := a.state
	a.state = to
	a.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("Handshake transition")
	if fn := a.p.cfg.OnTransition; fn != nil {
		fn(from, to)
	}
}

// wipe zeroes the token and the ephemeral private key.
func (a *attempt) wipe() {
	crypto.ZeroBytes(a.token)
	a.token = nil
	if a.ephemeral != nil {
		a.ephemeral.Wipe()
		a.ephemeral = nil
	}
}
