package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWebSocketEcho(t *testing.T) {
	headers := make(chan http.Header, 1)
	handler := NewHandler(func(ctx context.Context, conn Conn, header http.Header) {
		headers <- header
		for {
			msg, err := conn.Receive(ctx)
			if err != nil {
				return
			}
			if err := conn.Send(ctx, msg); err != nil {
				return
			}
		}
	}, quietLogger())
	server := httptest.NewServer(handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set(HeaderFingerprint, "wicrs1xyz")
	conn, err := NewWebSocketDialer(quietLogger()).Dial(ctx, wsURL(server), header)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "wicrs1xyz", (<-headers).Get(HeaderFingerprint))

	require.NoError(t, conn.Send(ctx, []byte("-----BEGIN X-----")))
	msg, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("-----BEGIN X-----"), msg)
}

func TestWebSocketReceiveTimeout(t *testing.T) {
	release := make(chan struct{})
	handler := NewHandler(func(ctx context.Context, conn Conn, header http.Header) {
		<-release
	}, quietLogger())
	server := httptest.NewServer(handler)
	defer server.Close()
	defer close(release)

	conn, err := NewWebSocketDialer(quietLogger()).Dial(context.Background(), wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebSocketPeerClose(t *testing.T) {
	handler := NewHandler(func(ctx context.Context, conn Conn, header http.Header) {
		// Returning closes the connection.
	}, quietLogger())
	server := httptest.NewServer(handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewWebSocketDialer(quietLogger()).Dial(ctx, wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebSocketLocalClose(t *testing.T) {
	release := make(chan struct{})
	handler := NewHandler(func(ctx context.Context, conn Conn, header http.Header) {
		<-release
	}, quietLogger())
	server := httptest.NewServer(handler)
	defer server.Close()
	defer close(release)

	conn, err := NewWebSocketDialer(quietLogger()).Dial(context.Background(), wsURL(server), nil)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	_, err = conn.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, conn.Send(context.Background(), []byte("x")), ErrClosed)
}

func TestWebSocketDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := NewWebSocketDialer(quietLogger()).Dial(context.Background(), wsURL(server), nil)
	assert.Error(t, err)
}
