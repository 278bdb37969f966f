package wicrsclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/wicrsclient/config"
	"github.com/opd-ai/wicrsclient/crypto"
	"github.com/opd-ai/wicrsclient/handshake"
	"github.com/opd-ai/wicrsclient/preflight"
	"github.com/opd-ai/wicrsclient/replay"
	"github.com/opd-ai/wicrsclient/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	identity *crypto.KeyPair
	wsURL    string
	httpURL  string
	received chan string
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	identity, err := crypto.GenerateKeyPair("hub")
	require.NoError(t, err)

	ledger, err := replay.OpenBadgerLedger("", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	responder, err := handshake.NewResponder(handshake.ResponderConfig{
		Identity: identity,
		Ledger:   ledger,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)

	ts := &testServer{identity: identity, received: make(chan string, 4)}
	mux := http.NewServeMux()
	mux.Handle("/ws", transport.NewHandler(responder.ServeFunc(func(ctx context.Context, s *handshake.Session) {
		msg, err := s.Receive(ctx)
		if err != nil {
			return
		}
		ts.received <- string(msg)
		_ = s.Send(ctx, []byte("welcome "+s.Peer.Fingerprint.Short()))
	}), quietLogger()))
	mux.Handle(preflight.Path, preflight.NewHandler(responder, quietLogger()))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	ts.httpURL = srv.URL
	ts.wsURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return ts
}

func clientConfig(t *testing.T, ts *testServer, dir string) *config.Config {
	t.Helper()
	anchorPath := filepath.Join(dir, "hub.pub")
	text, err := crypto.MarshalPublicKey(ts.identity)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(anchorPath, []byte(text), 0o644))

	cfg := config.Default()
	cfg.Identity.Label = "alice"
	cfg.Identity.PrivateKeyPath = filepath.Join(dir, "keys", "alice.key")
	cfg.Identity.PublicKeyPath = filepath.Join(dir, "keys", "alice.pub")
	cfg.Server.URL = ts.wsURL
	cfg.Server.TrustAnchorPath = anchorPath
	cfg.Handshake.ChallengeTimeout = 5 * time.Second
	cfg.Handshake.ConfirmTimeout = 5 * time.Second
	cfg.Log.Level = "error"
	return cfg
}

func exchange(t *testing.T, client *Client, ts *testServer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := client.Connect(ctx)
	require.NoError(t, err)
	defer session.Close()

	assert.True(t, session.Peer.Fingerprint.Equal(ts.identity.Fingerprint()))
	require.NoError(t, session.Send(ctx, []byte("hello")))
	assert.Equal(t, "hello", <-ts.received)

	reply, err := session.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "welcome "+client.Fingerprint().Short(), string(reply))
}

func TestConnectInBandOverWebSocket(t *testing.T) {
	ts := startServer(t)
	cfg := clientConfig(t, ts, t.TempDir())

	var mu sync.Mutex
	var states []handshake.State
	client, err := New(&Options{
		Config: cfg,
		Logger: quietLogger(),
		OnTransition: func(_, to handshake.State) {
			mu.Lock()
			states = append(states, to)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, config.ModeInBand, client.Config().EffectiveMode())

	exchange(t, client, ts)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, handshake.StateAwaitingChallenge)
	assert.Equal(t, handshake.StateAuthenticated, states[len(states)-1])
}

func TestConnectPreflightOverHTTP(t *testing.T) {
	ts := startServer(t)
	cfg := clientConfig(t, ts, t.TempDir())
	cfg.Server.PreflightURL = ts.httpURL

	reg := prometheus.NewRegistry()
	client, err := New(&Options{Config: cfg, Logger: quietLogger(), Registerer: reg})
	require.NoError(t, err)
	assert.Equal(t, config.ModePreflight, client.Config().EffectiveMode())

	exchange(t, client, ts)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["wicrs_handshake_attempts_total"])
}

func TestIdentitySurvivesRestart(t *testing.T) {
	ts := startServer(t)
	dir := t.TempDir()

	first, err := New(&Options{Config: clientConfig(t, ts, dir), Logger: quietLogger()})
	require.NoError(t, err)
	exchange(t, first, ts)

	second, err := New(&Options{Config: clientConfig(t, ts, dir), Logger: quietLogger()})
	require.NoError(t, err)
	assert.True(t, first.Fingerprint().Equal(second.Fingerprint()))
	exchange(t, second, ts)

	exported, err := second.ExportPublicKey()
	require.NoError(t, err)
	id, err := crypto.ParsePublicKey(exported)
	require.NoError(t, err)
	assert.True(t, id.Fingerprint.Equal(second.Fingerprint()))
}

func TestWrongAnchorIsRejected(t *testing.T) {
	ts := startServer(t)
	other := startServer(t)

	// Pinned to one server, pointed at the other.
	cfg := clientConfig(t, ts, t.TempDir())
	cfg.Server.URL = other.wsURL

	client, err := New(&Options{Config: cfg, Logger: quietLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = client.Connect(ctx)
	reason, ok := handshake.ReasonOf(err)
	require.True(t, ok, "error: %v", err)
	assert.Equal(t, handshake.ReasonServerIdentityRejected, reason)
	assert.False(t, IsRetryable(err))
}

func TestServerDownIsRetryable(t *testing.T) {
	ts := startServer(t)
	cfg := clientConfig(t, ts, t.TempDir())
	cfg.Server.URL = "ws://127.0.0.1:1/ws"

	client, err := New(&Options{Config: cfg, Logger: quietLogger()})
	require.NoError(t, err)

	_, err = client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestNewFailsWithoutAnchor(t *testing.T) {
	ts := startServer(t)
	cfg := clientConfig(t, ts, t.TempDir())
	cfg.Server.TrustAnchorPath = filepath.Join(t.TempDir(), "missing.pub")

	_, err := New(&Options{Config: cfg, Logger: quietLogger()})
	assert.Error(t, err)
}

func TestNewRejectsCorruptIdentity(t *testing.T) {
	ts := startServer(t)
	dir := t.TempDir()
	cfg := clientConfig(t, ts, dir)

	_, err := New(&Options{Config: cfg, Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, os.Truncate(cfg.Identity.PrivateKeyPath, 10))

	_, err = New(&Options{Config: cfg, Logger: quietLogger()})
	assert.ErrorIs(t, err, crypto.ErrKeyStoreCorrupt)
}

func TestConfigureLogger(t *testing.T) {
	l := logrus.New()
	require.NoError(t, ConfigureLogger(l, config.LogConfig{Level: "debug", Format: "json"}))
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)

	assert.Error(t, ConfigureLogger(l, config.LogConfig{Level: "loud", Format: "text"}))
	assert.Error(t, ConfigureLogger(l, config.LogConfig{Level: "info", Format: "xml"}))
}

func TestNewLeavesStandardLoggerAlone(t *testing.T) {
	ts := startServer(t)
	cfg := clientConfig(t, ts, t.TempDir())
	cfg.Log.Format = "json"

	std := logrus.StandardLogger()
	level, formatter := std.GetLevel(), std.Formatter

	client, err := New(&Options{Config: cfg})
	require.NoError(t, err)

	assert.Equal(t, level, std.GetLevel())
	assert.Same(t, formatter, std.Formatter)
	assert.NotSame(t, std, client.Logger())
	assert.Equal(t, logrus.ErrorLevel, client.Logger().GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, client.Logger().Formatter)
}
