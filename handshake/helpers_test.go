package handshake

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/wicrsclient/crypto"
	"github.com/opd-ai/wicrsclient/envelope"
	"github.com/opd-ai/wicrsclient/replay"
	"github.com/opd-ai/wicrsclient/transport"
	"github.com/opd-ai/wicrsclient/trust"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testURL = "ws://hub.test/ws"

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newKeyPair(t *testing.T, label string) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair(label)
	require.NoError(t, err)
	return kp
}

// capturingDialer dials a PipeListener and keeps the client ends.
type capturingDialer struct {
	listener *transport.PipeListener

	mu      sync.Mutex
	conns   []*transport.PipeConn
	headers []http.Header
}

func (d *capturingDialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	conn, err := d.listener.Dial(ctx, url, header)
	if err != nil {
		return nil, err
	}
	pc := conn.(*transport.PipeConn)
	d.mu.Lock()
	d.conns = append(d.conns, pc)
	d.headers = append(d.headers, header.Clone())
	d.mu.Unlock()
	return pc, nil
}

func (d *capturingDialer) last() *transport.PipeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *capturingDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fixture struct {
	server    *crypto.KeyPair
	client    *crypto.KeyPair
	anchor    *trust.Anchor
	ledger    *replay.MemoryLedger
	responder *Responder
	listener  *transport.PipeListener
	dialer    *capturingDialer
}

func newFixture(t *testing.T, mods ...func(*ResponderConfig)) *fixture {
	t.Helper()
	f := &fixture{
		server:   newKeyPair(t, "hub"),
		client:   newKeyPair(t, "alice"),
		ledger:   replay.NewMemoryLedger(quietLogger()),
		listener: transport.NewPipeListener(),
	}
	t.Cleanup(func() {
		f.ledger.Close()
		f.listener.Close()
	})

	anchor, err := trust.New(f.server.Identity())
	require.NoError(t, err)
	f.anchor = anchor
	f.dialer = &capturingDialer{listener: f.listener}

	cfg := ResponderConfig{
		Identity:        f.server,
		Ledger:          f.ledger,
		ResponseTimeout: time.Second,
		Logger:          quietLogger(),
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	f.responder, err = NewResponder(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) protocol(t *testing.T, mods ...func(*Config)) *Protocol {
	t.Helper()
	cfg := Config{
		Identity:         f.client,
		Anchor:           f.anchor,
		Strategy:         &InBand{Dialer: f.dialer, URL: testURL},
		ChallengeTimeout: time.Second,
		ConfirmTimeout:   time.Second,
		Logger:           quietLogger(),
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

type served struct {
	session  *Session
	err      error
	accepted transport.Accepted
}

// serveOne accepts one connection and runs the responder on it.
func (f *fixture) serveOne(ctx context.Context) <-chan served {
	ch := make(chan served, 1)
	go func() {
		a, err := f.listener.Accept(ctx)
		if err != nil {
			ch <- served{err: err}
			return
		}
		s, err := f.responder.Serve(ctx, a.Conn, a.Header)
		ch <- served{session: s, err: err, accepted: a}
	}()
	return ch
}

// acceptRaw accepts one connection for a hand-driven server.
func (f *fixture) acceptRaw(ctx context.Context) <-chan transport.Accepted {
	ch := make(chan transport.Accepted, 1)
	go func() {
		a, err := f.listener.Accept(ctx)
		if err == nil {
			ch <- a
		}
		close(ch)
	}()
	return ch
}

func sendEnvelope(t *testing.T, conn transport.Conn, kind envelope.Kind, payload []byte, kp *crypto.KeyPair) {
	t.Helper()
	env, err := envelope.Sign(kind, payload, kp)
	require.NoError(t, err)
	text, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.Send(context.Background(), []byte(text)))
}

func decodeVerified(t *testing.T, frame []byte, signer *crypto.KeyPair) *envelope.Verified {
	t.Helper()
	env, err := envelope.Decode(string(frame))
	require.NoError(t, err)
	v, err := envelope.Verify(env, signer.Public)
	require.NoError(t, err)
	return v
}

func requireReason(t *testing.T, err error, want Reason) *Error {
	t.Helper()
	require.Error(t, err)
	var herr *Error
	require.ErrorAs(t, err, &herr)
	require.Equal(t, want, herr.Reason, "error: %v", err)
	return herr
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
