package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/wicrsclient/crypto"
	"github.com/opd-ai/wicrsclient/envelope"
	"github.com/opd-ai/wicrsclient/preflight"
	"github.com/opd-ai/wicrsclient/replay"
	"github.com/sirupsen/logrus"
)

var _ preflight.Issuer = (*Responder)(nil)

// IssueOneTimeKey answers a pre-flight key request. It verifies the
// request's signature, claim, addressee and freshness, records a grant
// for the client's key and ephemeral key in the ledger and returns the
// signed one-time-key envelope. Errors wrap both a preflight sentinel and
// an *Error.
func (r *Responder) IssueOneTimeKey(ctx context.Context, remote, requestText string) (answer string, err error) {
	start := time.Now()
	defer func() { r.cfg.Metrics.observe(rolePreflight, err, time.Since(start)) }()

	cfg := r.cfg
	now := cfg.Now()
	log := r.log.WithFields(logrus.Fields{
		"function": "IssueOneTimeKey",
		"package":  "handshake",
		"remote":   remote,
	})

	if remote != "" && !cfg.AddrLimiter.Allow(remote, now) {
		return "", issueError(preflight.ErrRateLimited, ReasonRateLimited, errors.New("too many key requests from host"))
	}
	env, err := envelope.Decode(requestText)
	if err != nil {
		return "", issueError(preflight.ErrBadRequest, ReasonMalformed, err)
	}
	if cfg.Limiter != nil && !cfg.Limiter.Allow(env.SignerFingerprint().String(), now) {
		return "", issueError(preflight.ErrRateLimited, ReasonRateLimited, errors.New("too many key requests"))
	}
	verified, err := envelope.VerifySelfSigned(env)
	if err != nil {
		return "", issueError(preflight.ErrUnauthorized, ReasonClientIdentityRejected, err)
	}
	if err := verified.Expect(envelope.KindKeyRequest); err != nil {
		return "", issueError(preflight.ErrBadRequest, ReasonMalformed, err)
	}
	request, err := parseKeyRequest(verified.Payload())
	if err != nil {
		return "", issueError(preflight.ErrBadRequest, ReasonMalformed, err)
	}

	client := verified.Signer()
	if !request.claim.Equal(client.Fingerprint) {
		return "", issueError(preflight.ErrUnauthorized, ReasonClientIdentityRejected,
			fmt.Errorf("claim does not match signer %s", client.Fingerprint.Short()))
	}
	if !request.server.Equal(cfg.Identity.Fingerprint()) {
		return "", issueError(preflight.ErrUnauthorized, ReasonReplayDetected, errors.New("request addressed to another server"))
	}
	if skew := now.Sub(request.issuedAt); skew > cfg.KeyRequestSkew || skew < -cfg.KeyRequestSkew {
		return "", issueError(preflight.ErrUnauthorized, ReasonReplayDetected, fmt.Errorf("request time off by %v", skew))
	}

	nonceToken := append(append([]byte(nil), keyRequestNonceDomain...), request.nonce...)
	if err := cfg.Ledger.Issue(nonceToken, nil, now, 2*cfg.KeyRequestSkew); err != nil {
		if errors.Is(err, replay.ErrDuplicate) {
			return "", issueError(preflight.ErrUnauthorized, ReasonReplayDetected, errors.New("key request already used"))
		}
		return "", fmt.Errorf("failed to record key request: %w", err)
	}

	if cfg.Authorize != nil {
		if err := cfg.Authorize(ctx, client); err != nil {
			return "", issueError(preflight.ErrUnauthorized, ReasonUnauthorized, err)
		}
	}

	key := make([]byte, TokenSize)
	defer crypto.ZeroBytes(key)
	if _, err := io.ReadFull(cfg.Random, key); err != nil {
		return "", fmt.Errorf("failed to generate one-time key: %w", err)
	}
	g := grant{client: client.PublicKey, ephemeral: request.ephemeral}
	if err := cfg.Ledger.Issue(key, g.marshal(), now, cfg.OneTimeKeyTTL); err != nil {
		return "", fmt.Errorf("failed to record one-time key: %w", err)
	}

	msg := oneTimeKeyMsg{
		key:     key,
		client:  client.Fingerprint,
		expires: now.Add(cfg.OneTimeKeyTTL),
		nonce:   request.nonce,
	}
	out, err := envelope.Sign(envelope.KindOneTimeKey, msg.marshal(), cfg.Identity)
	if err != nil {
		return "", fmt.Errorf("failed to sign one-time key: %w", err)
	}
	answer, err = out.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode one-time key: %w", err)
	}

	log.WithFields(crypto.SecureFieldHash(key, "one_time_key")).
		WithField("client", client.Fingerprint.Short()).
		Info("Issued one-time key")
	return answer, nil
}

func issueError(sentinel error, reason Reason, err error) error {
	return fmt.Errorf("%w: %w", sentinel, &Error{Reason: reason, State: StateConnecting, Err: err})
}
