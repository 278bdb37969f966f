package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

const pipeBuffer = 16

// pipeState is shared by both ends of a pipe. Closing either end closes both.
type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

// PipeConn is one end of an in-memory Conn pair. It records what it sent
// and how often it was closed so tests can assert on transport behaviour.
type PipeConn struct {
	state *pipeState
	in    chan []byte
	out   chan []byte

	mu         sync.Mutex
	sent       [][]byte
	closeCalls int
}

// Pipe returns two connected in-memory Conns.
func Pipe() (*PipeConn, *PipeConn) {
	state := &pipeState{closed: make(chan struct{})}
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	return &PipeConn{state: state, in: ba, out: ab},
		&PipeConn{state: state, in: ab, out: ba}
}

// Send implements Conn.
func (p *PipeConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.state.closed:
		return ErrClosed
	default:
	}

	cp := append([]byte(nil), msg...)
	select {
	case p.out <- cp:
		p.mu.Lock()
		p.sent = append(p.sent, cp)
		p.mu.Unlock()
		return nil
	case <-p.state.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements Conn. Messages queued before a close are still delivered.
func (p *PipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	default:
	}

	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.state.closed:
		select {
		case msg := <-p.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Conn.
func (p *PipeConn) Close() error {
	p.mu.Lock()
	p.closeCalls++
	p.mu.Unlock()
	p.state.once.Do(func() { close(p.state.closed) })
	return nil
}

// Sent returns copies of the messages successfully sent from this end.
func (p *PipeConn) Sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.sent))
	for i, m := range p.sent {
		out[i] = append([]byte(nil), m...)
	}
	return out
}

// CloseCalls returns how many times Close was called on this end.
func (p *PipeConn) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// IsClosed reports whether the pipe has been closed from either end.
func (p *PipeConn) IsClosed() bool {
	select {
	case <-p.state.closed:
		return true
	default:
		return false
	}
}

// ErrListenerClosed indicates Accept was called on a closed PipeListener.
var ErrListenerClosed = errors.New("listener closed")

// Accepted is a server-side pipe end together with the header the client
// dialed with.
type Accepted struct {
	Conn   *PipeConn
	Header http.Header
	URL    string
}

// PipeListener is an in-memory Dialer whose connections are picked up with
// Accept. It lets client and server halves run in one process.
type PipeListener struct {
	conns     chan Accepted
	closeOnce sync.Once
	done      chan struct{}
}

// NewPipeListener returns a listener with no pending connections.
func NewPipeListener() *PipeListener {
	return &PipeListener{
		conns: make(chan Accepted),
		done:  make(chan struct{}),
	}
}

// Dial implements Dialer. It blocks until the connection is accepted.
func (l *PipeListener) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	client, server := Pipe()
	select {
	case l.conns <- Accepted{Conn: server, Header: header.Clone(), URL: url}:
		return client, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept returns the next dialed connection.
func (l *PipeListener) Accept(ctx context.Context) (Accepted, error) {
	select {
	case a := <-l.conns:
		return a, nil
	case <-l.done:
		return Accepted{}, ErrListenerClosed
	case <-ctx.Done():
		return Accepted{}, ctx.Err()
	}
}

// Close stops pending and future Dial and Accept calls.
func (l *PipeListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
