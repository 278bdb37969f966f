// Package transport provides the message channel the handshake runs over.
//
// # Architecture
//
// The handshake only needs an ordered, reliable stream of whole messages, so
// the core abstraction is small:
//
//	type Conn interface {
//	    Send(ctx context.Context, msg []byte) error
//	    Receive(ctx context.Context) ([]byte, error)
//	    Close() error
//	}
//
// Every blocking call takes a context. A closed peer surfaces as ErrClosed
// and an expired context as ctx.Err(), which lets callers tell a timeout
// from a dropped connection.
//
// # Implementations
//
// WebSocket, over gorilla/websocket. Each message is one text frame; binary
// frames are refused with ErrUnexpectedFrame:
//
//	dialer := transport.NewWebSocketDialer(logger)
//	conn, err := dialer.Dial(ctx, "wss://chat.example.org/ws", header)
//
// Servers mount a Handler, which upgrades the request and hands the
// connection plus its request headers to a ServeFunc:
//
//	http.Handle("/ws", transport.NewHandler(serve, logger))
//
// In-memory pipe, for tests and for running client and server in one
// process:
//
//	listener := transport.NewPipeListener()
//	go func() {
//	    accepted, _ := listener.Accept(ctx)
//	    serve(ctx, accepted.Conn, accepted.Header)
//	}()
//	conn, err := listener.Dial(ctx, "pipe://server", header)
//
// # Headers
//
// HeaderFingerprint carries the client's claimed fingerprint and
// HeaderOneTimeKey a pre-flight key. Both are hints for the server; identity
// is only ever established by signatures inside the handshake.
package transport
