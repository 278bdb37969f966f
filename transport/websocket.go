package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wicrsclient/limits"
)

const (
	// DefaultHandshakeTimeout bounds the HTTP upgrade.
	DefaultHandshakeTimeout = 10 * time.Second

	closeWriteTimeout = time.Second
)

// WebSocketConn is a Conn over a gorilla/websocket connection. Every message
// is one text frame.
type WebSocketConn struct {
	ws     *websocket.Conn
	logger *logrus.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewWebSocketConn wraps an established websocket connection.
func NewWebSocketConn(ws *websocket.Conn, logger *logrus.Logger) *WebSocketConn {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ws.SetReadLimit(limits.MaxWireText)
	return &WebSocketConn{
		ws:     ws,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Send implements Conn.
func (c *WebSocketConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return c.mapError(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return c.mapError(ctx, err)
	}
	return nil
}

// Receive implements Conn.
func (c *WebSocketConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, c.mapError(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	typ, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, c.mapError(ctx, err)
	}
	if typ != websocket.TextMessage {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedFrame, typ)
	}
	return data, nil
}

// mapError converts gorilla errors into context errors or ErrClosed.
func (c *WebSocketConn) mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return context.DeadlineExceeded
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("%w: message exceeds %d bytes", ErrUnexpectedFrame, limits.MaxWireText)
	}

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.WithFields(logrus.Fields{
			"function": "WebSocketConn",
			"package":  "transport",
			"remote":   c.ws.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Peer closed connection abnormally")
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

// Close sends a close frame when possible and closes the connection.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer's network address.
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// WebSocketDialer dials WebSocket servers.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Logger *logrus.Logger
}

// NewWebSocketDialer returns a dialer with gorilla's defaults and the
// package handshake timeout.
func NewWebSocketDialer(logger *logrus.Logger) *WebSocketDialer {
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = DefaultHandshakeTimeout
	return &WebSocketDialer{Dialer: &d, Logger: logger}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := d.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: server answered %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	logger.WithFields(logrus.Fields{
		"function": "Dial",
		"package":  "transport",
		"url":      url,
	}).Debug("WebSocket connected")

	return NewWebSocketConn(ws, logger), nil
}

// ServeFunc handles one accepted connection. header holds the upgrade
// request headers. The connection is closed when ServeFunc returns.
type ServeFunc func(ctx context.Context, conn Conn, header http.Header)

// Handler upgrades HTTP requests to WebSocket connections and passes them
// to serve.
type Handler struct {
	Upgrader websocket.Upgrader
	Serve    ServeFunc
	Logger   *logrus.Logger
}

// NewHandler returns a Handler with a bounded upgrade timeout.
func NewHandler(serve ServeFunc, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Upgrader: websocket.Upgrader{HandshakeTimeout: DefaultHandshakeTimeout},
		Serve:    serve,
		Logger:   logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.Logger.WithFields(logrus.Fields{
			"function": "ServeHTTP",
			"package":  "transport",
			"remote":   r.RemoteAddr,
			"error":    err.Error(),
		}).Debug("WebSocket upgrade failed")
		return
	}

	conn := NewWebSocketConn(ws, h.Logger)
	defer conn.Close()

	h.Serve(r.Context(), conn, r.Header.Clone())
}
