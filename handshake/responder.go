package handshake

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58/base58"
	"github.com/opd-ai/wicrsclient/crypto"
	"github.com/opd-ai/wicrsclient/envelope"
	"github.com/opd-ai/wicrsclient/limits"
	"github.com/opd-ai/wicrsclient/noise"
	"github.com/opd-ai/wicrsclient/replay"
	"github.com/opd-ai/wicrsclient/transport"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultChallengeTTL is how long an issued challenge token stays valid.
	DefaultChallengeTTL = 30 * time.Second
	// DefaultResponseTimeout bounds the wait for the client's response.
	DefaultResponseTimeout = 10 * time.Second
	// DefaultOneTimeKeyTTL is how long a pre-flight key stays valid.
	DefaultOneTimeKeyTTL = 60 * time.Second
	// DefaultKeyRequestSkew is the accepted clock difference for key requests.
	DefaultKeyRequestSkew = 2 * time.Minute

	rejectTimeout     = 2 * time.Second
	anonymousLimitKey = "anonymous"
)

var keyRequestNonceDomain = []byte("wicrs/key-request/")

// AuthorizeFunc decides whether an authenticated client may connect.
// A non-nil error rejects the client with ReasonUnauthorized.
type AuthorizeFunc func(ctx context.Context, client crypto.PublicIdentity) error

// ResponderConfig configures a Responder. Identity and Ledger are required.
type ResponderConfig struct {
	Identity *crypto.KeyPair
	Ledger   replay.Ledger
	// Limiter throttles attempts per claimed fingerprint. Nil disables it.
	Limiter *limits.MapLimiter
	// AddrLimiter throttles attempts per remote host, whatever fingerprint
	// they claim. It applies to connections whose transport reports a
	// remote address and to pre-flight requests. Nil disables it.
	AddrLimiter *limits.MapLimiter

	ChallengeTTL    time.Duration
	ResponseTimeout time.Duration
	OneTimeKeyTTL   time.Duration
	KeyRequestSkew  time.Duration

	Authorize AuthorizeFunc
	Logger    *logrus.Logger
	Metrics   *Metrics

	// Now and Random default to time.Now and crypto/rand.
	Now    func() time.Time
	Random io.Reader
}

// Responder is the server half of the handshake. It is safe for
// concurrent use; each connection is served by its own Serve call.
type Responder struct {
	cfg ResponderConfig
	log *logrus.Logger
}

// NewResponder validates cfg and fills in defaults.
func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.Identity == nil {
		return nil, errors.New("handshake: responder identity is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("handshake: replay ledger is required")
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.OneTimeKeyTTL <= 0 {
		cfg.OneTimeKeyTTL = DefaultOneTimeKeyTTL
	}
	if cfg.KeyRequestSkew <= 0 {
		cfg.KeyRequestSkew = DefaultKeyRequestSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Responder{cfg: cfg, log: log}, nil
}

// Identity returns the server identity clients should anchor on.
func (r *Responder) Identity() crypto.PublicIdentity {
	return r.cfg.Identity.Identity()
}

// Serve authenticates the client on conn. header holds the upgrade request
// headers. A connection carrying X-Wicrs-One-Time-Key is confirmed directly
// against the pre-flight grant; any other connection is challenged.
//
// On failure a signed rejection is sent when the transport still works,
// conn is closed and the error is *Error.
func (r *Responder) Serve(ctx context.Context, conn transport.Conn, header http.Header) (*Session, error) {
	start := time.Now()
	s := &serverAttempt{
		r:      r,
		conn:   conn,
		state:  StateConnecting,
		remote: remoteHost(conn),
		log: r.log.WithFields(logrus.Fields{
			"package": "handshake",
			"role":    roleServer,
		}),
	}
	if s.remote != "" {
		s.log = s.log.WithField("remote", s.remote)
	}
	session, err := s.run(ctx, header)
	r.cfg.Metrics.observe(roleServer, err, time.Since(start))
	return session, err
}

// ServeFunc adapts Serve to transport.Handler. onSession runs for each
// authenticated session; the session closes when it returns.
func (r *Responder) ServeFunc(onSession func(ctx context.Context, session *Session)) transport.ServeFunc {
	return func(ctx context.Context, conn transport.Conn, header http.Header) {
		session, err := r.Serve(ctx, conn, header)
		if err != nil {
			return
		}
		defer session.Close()
		if onSession != nil {
			onSession(ctx, session)
		}
	}
}

// serverAttempt is the state of one Serve call. Its state field records the
// exchange in progress: Connecting while checking headers,
// RespondingToChallenge while waiting for and checking the response, and
// AwaitingConfirmation while confirming.
type serverAttempt struct {
	r     *Responder
	conn  transport.Conn
	state State
	log   *logrus.Entry
	claim *crypto.Fingerprint
	// remote is the peer host, empty when the transport cannot tell.
	remote string
}

// remoteHost returns the host part of conn's remote address, if conn
// exposes one.
func remoteHost(conn transport.Conn) string {
	ra, ok := conn.(interface{ RemoteAddr() net.Addr })
	if !ok {
		return ""
	}
	addr := ra.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *serverAttempt) run(ctx context.Context, header http.Header) (*Session, error) {
	cfg := s.r.cfg

	if s.remote != "" && !cfg.AddrLimiter.Allow(s.remote, cfg.Now()) {
		return nil, s.reject(ctx, ReasonRateLimited, errors.New("too many attempts from host"))
	}

	claimText := header.Get(transport.HeaderFingerprint)
	limitKey := anonymousLimitKey
	if claimText != "" {
		if err := limits.ValidateHeaderValue(claimText); err != nil {
			return nil, s.reject(ctx, ReasonMalformed, err)
		}
		claim, err := crypto.ParseFingerprint(claimText)
		if err != nil {
			return nil, s.reject(ctx, ReasonMalformed, err)
		}
		s.claim = &claim
		limitKey = claim.String()
		s.log = s.log.WithField("claim", claim.Short())
	}

	if cfg.Limiter != nil && !cfg.Limiter.Allow(limitKey, cfg.Now()) {
		return nil, s.reject(ctx, ReasonRateLimited, errors.New("too many attempts"))
	}

	if otk := header.Get(transport.HeaderOneTimeKey); otk != "" {
		return s.runPreflight(ctx, otk)
	}
	return s.runChallenge(ctx)
}

func (s *serverAttempt) runChallenge(ctx context.Context) (*Session, error) {
	cfg := s.r.cfg

	token := make([]byte, TokenSize)
	defer crypto.ZeroBytes(token)
	if _, err := io.ReadFull(cfg.Random, token); err != nil {
		return nil, s.reject(ctx, ReasonLocal, fmt.Errorf("failed to generate token: %w", err))
	}
	if err := cfg.Ledger.Issue(token, nil, cfg.Now(), cfg.ChallengeTTL); err != nil {
		return nil, s.reject(ctx, ReasonLocal, fmt.Errorf("failed to record token: %w", err))
	}

	if err := s.send(ctx, envelope.KindChallenge, challengeMsg{token: token}.marshal()); err != nil {
		return nil, err
	}
	s.log.WithFields(crypto.SecureFieldHash(token, "token")).Debug("Sent challenge")

	s.state = StateRespondingToChallenge
	rctx, cancel := context.WithTimeout(ctx, cfg.ResponseTimeout)
	frame, err := s.conn.Receive(rctx)
	cancel()
	if err != nil {
		return nil, s.transportFailure(ctx, err)
	}

	env, err := envelope.Decode(string(frame))
	if err != nil {
		return nil, s.reject(ctx, ReasonMalformed, err)
	}
	verified, err := envelope.VerifySelfSigned(env)
	if err != nil {
		return nil, s.reject(ctx, ReasonClientIdentityRejected, err)
	}
	if err := verified.Expect(envelope.KindResponse); err != nil {
		return nil, s.reject(ctx, ReasonMalformed, err)
	}
	response, err := parseResponse(verified.Payload())
	if err != nil {
		return nil, s.reject(ctx, ReasonMalformed, err)
	}

	client := verified.Signer()
	if s.claim != nil && !s.claim.Equal(client.Fingerprint) {
		return nil, s.reject(ctx, ReasonClientIdentityRejected,
			fmt.Errorf("response signed by %s", client.Fingerprint.Short()))
	}
	if !response.server.Equal(cfg.Identity.Fingerprint()) {
		return nil, s.reject(ctx, ReasonReplayDetected, errors.New("response addressed to another server"))
	}
	if !bytesEqual(response.token, token) {
		return nil, s.reject(ctx, ReasonReplayDetected, errors.New("response carries a foreign token"))
	}
	if _, err := cfg.Ledger.Consume(token, cfg.Now()); err != nil {
		return nil, s.reject(ctx, ReasonReplayDetected, err)
	}

	return s.confirm(ctx, client, response.ephemeral, token)
}

func (s *serverAttempt) runPreflight(ctx context.Context, encoded string) (*Session, error) {
	cfg := s.r.cfg

	if err := limits.ValidateHeaderValue(encoded); err != nil {
		return nil, s.reject(ctx, ReasonMalformed, err)
	}
	key, err := base58.Decode(encoded)
	if err != nil || len(key) != TokenSize {
		return nil, s.reject(ctx, ReasonMalformed, errors.New("invalid one-time key header"))
	}
	defer crypto.ZeroBytes(key)

	s.state = StateRespondingToChallenge
	value, err := cfg.Ledger.Consume(key, cfg.Now())
	if err != nil {
		return nil, s.reject(ctx, ReasonReplayDetected, err)
	}
	g, err := parseGrant(value)
	if err != nil {
		return nil, s.reject(ctx, ReasonLocal, err)
	}
	client, err := crypto.NewPublicIdentity(g.client, "")
	if err != nil {
		return nil, s.reject(ctx, ReasonLocal, err)
	}
	if s.claim != nil && !s.claim.Equal(client.Fingerprint) {
		return nil, s.reject(ctx, ReasonClientIdentityRejected,
			fmt.Errorf("one-time key was issued to %s", client.Fingerprint.Short()))
	}

	return s.confirm(ctx, client, g.ephemeral, key)
}

// confirm authorizes the client, derives the session keys and sends the
// signed confirmation.
func (s *serverAttempt) confirm(ctx context.Context, client crypto.PublicIdentity, clientEphemeral, token []byte) (*Session, error) {
	cfg := s.r.cfg
	s.state = StateAwaitingConfirmation
	s.log = s.log.WithField("client", client.Fingerprint.Short())

	if cfg.Authorize != nil {
		if err := cfg.Authorize(ctx, client); err != nil {
			return nil, s.reject(ctx, ReasonUnauthorized, err)
		}
	}

	eph, err := noise.NewEphemeral()
	if err != nil {
		return nil, s.reject(ctx, ReasonLocal, err)
	}
	defer eph.Wipe()

	self := cfg.Identity.Fingerprint()
	keys, err := eph.Agree(clientEphemeral, token, client.Fingerprint[:], self[:])
	if err != nil {
		return nil, s.reject(ctx, ReasonMalformed, err)
	}

	id, err := uuid.NewRandomFromReader(cfg.Random)
	if err != nil {
		keys.Wipe()
		return nil, s.reject(ctx, ReasonLocal, err)
	}

	confirmation := confirmationMsg{
		tokenDigest: tokenDigest(token),
		client:      client.Fingerprint,
		ephemeral:   eph.Public(),
		sessionID:   id,
	}
	if err := s.send(ctx, envelope.KindConfirmation, confirmation.marshal()); err != nil {
		keys.Wipe()
		return nil, err
	}

	s.state = StateAuthenticated
	s.log.WithField("session", id).Info("Client authenticated")
	return newSession(id, client, self, noise.Responder, s.conn, keys), nil
}

// send signs and writes one envelope.
func (s *serverAttempt) send(ctx context.Context, kind envelope.Kind, payload []byte) error {
	env, err := envelope.Sign(kind, payload, s.r.cfg.Identity)
	if err != nil {
		return s.abort(ReasonLocal, err)
	}
	text, err := env.Encode()
	if err != nil {
		return s.abort(ReasonLocal, err)
	}
	if err := s.conn.Send(ctx, []byte(text)); err != nil {
		return s.transportFailure(ctx, err)
	}
	return nil
}

// reject sends a signed rejection, closes the connection and returns the
// failure. Details of err stay in the server log.
func (s *serverAttempt) reject(ctx context.Context, reason Reason, err error) *Error {
	if ctx.Err() == nil {
		msg := rejectionMsg{reason: reason, message: truncateMessage(reason.String())}
		if env, serr := envelope.Sign(envelope.KindRejection, msg.marshal(), s.r.cfg.Identity); serr == nil {
			if text, eerr := env.Encode(); eerr == nil {
				sctx, cancel := context.WithTimeout(ctx, rejectTimeout)
				if werr := s.conn.Send(sctx, []byte(text)); werr != nil {
					s.log.WithError(werr).Debug("Failed to send rejection")
				}
				cancel()
			}
		}
	}
	return s.abort(reason, err)
}

func (s *serverAttempt) transportFailure(ctx context.Context, err error) *Error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return s.abort(ReasonCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return s.reject(ctx, ReasonTimeout, err)
	default:
		return s.abort(ReasonTransportClosed, err)
	}
}

// abort closes the connection without sending anything.
func (s *serverAttempt) abort(reason Reason, err error) *Error {
	herr := &Error{Reason: reason, State: s.state, Err: err}
	if cerr := s.conn.Close(); cerr != nil {
		s.log.WithError(cerr).Debug("Failed to close transport")
	}
	s.log.WithFields(logrus.Fields{
		"reason": reason.String(),
		"state":  herr.State.String(),
	}).WithError(err).Warn("Rejected handshake")
	return herr
}
