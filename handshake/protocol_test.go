package handshake

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/wicrsclient/crypto"
	"github.com/opd-ai/wicrsclient/envelope"
	"github.com/opd-ai/wicrsclient/noise"
	"github.com/opd-ai/wicrsclient/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesConfig(t *testing.T) {
	f := newFixture(t)
	strategy := &InBand{Dialer: f.dialer, URL: testURL}

	_, err := New(Config{Anchor: f.anchor, Strategy: strategy})
	assert.Error(t, err)
	_, err = New(Config{Identity: f.client, Strategy: strategy})
	assert.Error(t, err)
	_, err = New(Config{Identity: f.client, Anchor: f.anchor})
	assert.Error(t, err)

	p, err := New(Config{Identity: f.client, Anchor: f.anchor, Strategy: strategy})
	require.NoError(t, err)
	assert.Equal(t, DefaultChallengeTimeout, p.cfg.ChallengeTimeout)
	assert.Equal(t, DefaultConfirmTimeout, p.cfg.ConfirmTimeout)
}

func TestRunAuthenticatesBothSides(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t)
	server := f.serveOne(ctx)

	session, err := f.protocol(t).Run(ctx)
	require.NoError(t, err)
	defer session.Close()

	res := <-server
	require.NoError(t, res.err)
	defer res.session.Close()

	assert.Equal(t, res.session.ID, session.ID)
	assert.True(t, session.Peer.Fingerprint.Equal(f.server.Fingerprint()))
	assert.True(t, session.Self.Equal(f.client.Fingerprint()))
	assert.True(t, res.session.Peer.Fingerprint.Equal(f.client.Fingerprint()))
	assert.Equal(t, noise.Initiator, session.Role)
	assert.Equal(t, noise.Responder, res.session.Role)
	assert.Equal(t, f.client.Fingerprint().String(), res.accepted.Header.Get(transport.HeaderFingerprint))

	// Session keys agree in both directions.
	require.NoError(t, session.Send(ctx, []byte("hello hub")))
	got, err := res.session.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello hub"), got)

	require.NoError(t, res.session.Send(ctx, []byte("hello alice")))
	got, err = session.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello alice"), got)

	// The challenge token was consumed.
	assert.Equal(t, 0, f.ledger.Len())
}

func TestRunReportsTransitions(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t)
	server := f.serveOne(ctx)

	var mu sync.Mutex
	var seen []State
	p := f.protocol(t, func(c *Config) {
		c.OnTransition = func(from, to State) {
			mu.Lock()
			defer mu.Unlock()
			if len(seen) == 0 {
				seen = append(seen, from)
			}
			seen = append(seen, to)
		}
	})

	session, err := p.Run(ctx)
	require.NoError(t, err)
	session.Close()
	<-server

	assert.Equal(t, []State{
		StateIdle,
		StateConnecting,
		StateAwaitingChallenge,
		StateRespondingToChallenge,
		StateAwaitingConfirmation,
		StateAuthenticated,
	}, seen)
}

func TestUntrustedChallengeIsDropped(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t)
	impostor := newKeyPair(t, "hub")
	accepted := f.acceptRaw(ctx)

	var last State
	p := f.protocol(t, func(c *Config) {
		c.OnTransition = func(_, to State) { last = to }
	})

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx)
		done <- err
	}()

	a := <-accepted
	sendEnvelope(t, a.Conn, envelope.KindChallenge, challengeMsg{token: make([]byte, TokenSize)}.marshal(), impostor)

	herr := requireReason(t, <-done, ReasonServerIdentityRejected)
	assert.Equal(t, StateAwaitingChallenge, herr.State)
	assert.ErrorIs(t, herr, envelope.ErrSignatureInvalid)
	assert.False(t, herr.Retryable())
	assert.Equal(t, StateFailed, last)

	client := f.dialer.last()
	assert.True(t, client.IsClosed())
	assert.Empty(t, client.Sent(), "nothing may be sent after an untrusted challenge")
}

func TestSilentServerTimesOut(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t)
	accepted := f.acceptRaw(ctx)

	p := f.protocol(t, func(c *Config) { c.ChallengeTimeout = 50 * time.Millisecond })

	start := time.Now()
	_, err := p.Run(ctx)
	herr := requireReason(t, err, ReasonTimeout)
	assert.Equal(t, StateAwaitingChallenge, herr.State)
	assert.True(t, herr.Retryable())
	assert.Less(t, time.Since(start), 5*time.Second)

	a := <-accepted
	assert.True(t, a.Conn.IsClosed())
	assert.Empty(t, f.dialer.last().Sent())
}

func TestConfirmationTimeout(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t)
	accepted := f.acceptRaw(ctx)

	p := f.protocol(t, func(c *Config) { c.ConfirmTimeout = 50 * time.Millisecond })
	done := make(chan error, 1)
	go func() {
		_, err := p.Run(ctx)
		done <- err
	}()

	a := <-accepted
	sendEnvelope(t, a.Conn, envelope.KindChallenge, challengeMsg{token: make([]byte, TokenSize)}.marshal(), f.server)

	herr := requireReason(t, <-done, ReasonTimeout)
	assert.Equal(t, StateAwaitingConfirmation, herr.State)
	assert.Len(t, f.dialer.last().Sent(), 1)
	assert.True(t, a.Conn.IsClosed())
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	accepted := f.acceptRaw(testContext(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.protocol(t).Run(ctx)
		done <- err
	}()

	a := <-accepted
	cancel()

	herr := requireReason(t, <-done, ReasonCancelled)
	assert.Equal(t, StateAwaitingChallenge, herr.State)
	assert.False(t, herr.Retryable())
	assert.True(t, a.Conn.IsClosed())
}

func TestRunCancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	herr := requireReason(t, func() error { _, err := f.protocol(t).Run(ctx); return err }(), ReasonCancelled)
	assert.Equal(t, StateIdle, herr.State)
	assert.Zero(t, f.dialer.dials())
}

func TestDialFailure(t *testing.T) {
	f := newFixture(t)
	failing := transport.DialerFunc(func(context.Context, string, http.Header) (transport.Conn, error) {
		return nil, errors.New("connection refused")
	})
	p := f.protocol(t, func(c *Config) { c.Strategy = &InBand{Dialer: failing, URL: testURL} })

	_, err := p.Run(testContext(t))
	herr := requireReason(t, err, ReasonTransportClosed)
	assert.Equal(t, StateConnecting, herr.State)
	assert.True(t, herr.Retryable())
}

func TestServerClosesEarly(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t)
	accepted := f.acceptRaw(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := f.protocol(t).Run(ctx)
		done <- err
	}()

	a := <-accepted
	a.Conn.Close()

	requireReason(t, <-done, ReasonTransportClosed)
}

func TestMalformedServerMessages(t *testing.T) {
	tests := []struct {
		name string
		send func(t *testing.T, f *fixture, conn transport.Conn)
	}{
		{"garbage", func(t *testing.T, f *fixture, conn transport.Conn) {
			require.NoError(t, conn.Send(context.Background(), []byte("not an envelope")))
		}},
		{"wrong kind", func(t *testing.T, f *fixture, conn transport.Conn) {
			sendEnvelope(t, conn, envelope.KindConfirmation, []byte{0x0a, 0x00}, f.server)
		}},
		{"short token", func(t *testing.T, f *fixture, conn transport.Conn) {
			sendEnvelope(t, conn, envelope.KindChallenge, challengeMsg{token: make([]byte, 8)}.marshal(), f.server)
		}},
		{"bad payload", func(t *testing.T, f *fixture, conn transport.Conn) {
			sendEnvelope(t, conn, envelope.KindChallenge, []byte{0xff, 0xff}, f.server)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			f := newFixture(t)
			accepted := f.acceptRaw(ctx)

			done := make(chan error, 1)
			go func() {
				_, err := f.protocol(t).Run(ctx)
				done <- err
			}()

			a := <-accepted
			tt.send(t, f, a.Conn)

			herr := requireReason(t, <-done, ReasonMalformed)
			assert.Equal(t, StateAwaitingChallenge, herr.State)
			assert.True(t, a.Conn.IsClosed())
			assert.Empty(t, f.dialer.last().Sent())
		})
	}
}

func TestConfirmationMustMatchAttempt(t *testing.T) {
	tests := []struct {
		name    string
		confirm func(f *fixture, token, eph []byte) confirmationMsg
	}{
		{"other token", func(f *fixture, token, eph []byte) confirmationMsg {
			return confirmationMsg{tokenDigest: tokenDigest([]byte("other")), client: f.client.Fingerprint(), ephemeral: eph}
		}},
		{"other client", func(f *fixture, token, eph []byte) confirmationMsg {
			return confirmationMsg{tokenDigest: tokenDigest(token), client: f.server.Fingerprint(), ephemeral: eph}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			f := newFixture(t)
			accepted := f.acceptRaw(ctx)

			done := make(chan error, 1)
			go func() {
				_, err := f.protocol(t).Run(ctx)
				done <- err
			}()

			a := <-accepted
			token := make([]byte, TokenSize)
			token[0] = 7
			sendEnvelope(t, a.Conn, envelope.KindChallenge, challengeMsg{token: token}.marshal(), f.server)

			frame, err := a.Conn.Receive(ctx)
			require.NoError(t, err)
			resp, err := parseResponse(decodeVerified(t, frame, f.client).Payload())
			require.NoError(t, err)
			assert.Equal(t, token, resp.token)
			assert.True(t, resp.server.Equal(f.server.Fingerprint()))

			eph, err := noise.NewEphemeral()
			require.NoError(t, err)
			sendEnvelope(t, a.Conn, envelope.KindConfirmation, tt.confirm(f, token, eph.Public()).marshal(), f.server)

			herr := requireReason(t, <-done, ReasonMalformed)
			assert.Equal(t, StateAwaitingConfirmation, herr.State)
		})
	}
}

func TestChallengeTokensAreFresh(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t)

	var tokens [][]byte
	for i := 0; i < 3; i++ {
		server := f.serveOne(ctx)
		session, err := f.protocol(t).Run(ctx)
		require.NoError(t, err)
		session.Close()

		res := <-server
		require.NoError(t, res.err)
		sent := res.accepted.Conn.Sent()
		require.NotEmpty(t, sent)
		challenge, err := parseChallenge(decodeVerified(t, sent[0], f.server).Payload())
		require.NoError(t, err)
		tokens = append(tokens, challenge.token)
	}

	assert.NotEqual(t, tokens[0], tokens[1])
	assert.NotEqual(t, tokens[1], tokens[2])
	assert.NotEqual(t, tokens[0], tokens[2])
}

func TestServerRejectionIsReported(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, func(c *ResponderConfig) {
		c.Authorize = func(context.Context, crypto.PublicIdentity) error {
			return errors.New("not a member")
		}
	})
	server := f.serveOne(ctx)

	_, err := f.protocol(t).Run(ctx)
	herr := requireReason(t, err, ReasonServerRejectedClient)
	assert.Equal(t, StateAwaitingConfirmation, herr.State)

	var rejection *Rejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, ReasonUnauthorized, rejection.Reason)
	assert.NotContains(t, rejection.Message, "not a member")

	requireReason(t, (<-server).err, ReasonUnauthorized)
}

func TestForgedRejectionIsNotTrusted(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t)
	accepted := f.acceptRaw(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := f.protocol(t).Run(ctx)
		done <- err
	}()

	a := <-accepted
	sendEnvelope(t, a.Conn, envelope.KindRejection, rejectionMsg{reason: ReasonRateLimited}.marshal(), newKeyPair(t, "hub"))

	requireReason(t, <-done, ReasonServerIdentityRejected)
}
