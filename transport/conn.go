package transport

import (
	"context"
	"errors"
	"net/http"
)

const (
	// HeaderFingerprint carries the client's claimed fingerprint on connect.
	// It is advisory: servers use it to rate-limit and pre-select before any
	// signature work, never as proof of identity.
	HeaderFingerprint = "X-Wicrs-Fingerprint"

	// HeaderOneTimeKey carries a one-time key obtained from the pre-flight
	// endpoint.
	HeaderOneTimeKey = "X-Wicrs-One-Time-Key"
)

var (
	// ErrClosed indicates the connection was closed by either side.
	ErrClosed = errors.New("transport closed")

	// ErrUnexpectedFrame indicates a binary or otherwise unusable frame.
	ErrUnexpectedFrame = errors.New("unexpected frame type")
)

// Conn is an ordered, reliable, bidirectional message channel. Each message
// is delivered whole. Implementations allow one concurrent Send and one
// concurrent Receive; Close may be called at any time and more than once.
type Conn interface {
	// Send delivers one message or fails with ErrClosed or a context error.
	Send(ctx context.Context, msg []byte) error

	// Receive blocks until a message arrives, the connection closes
	// (ErrClosed) or ctx is done (ctx.Err()).
	Receive(ctx context.Context) ([]byte, error)

	// Close shuts down both directions and unblocks pending calls.
	Close() error
}

// Dialer opens a Conn to a server, presenting header on the upgrade request.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}
