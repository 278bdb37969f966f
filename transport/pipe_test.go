package transport

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeDelivery(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, []byte("hello")))
	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg)

	require.NoError(t, b.Send(ctx, []byte("world")))
	msg, err = a.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), msg)

	assert.Equal(t, [][]byte{[]byte("hello")}, a.Sent())
}

func TestPipeCloseUnblocksPeer(t *testing.T) {
	a, b := Pipe()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background())
		errCh <- err
	}()

	require.NoError(t, a.Close())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}

	assert.ErrorIs(t, b.Send(context.Background(), []byte("x")), ErrClosed)
	assert.True(t, b.IsClosed())
	assert.Equal(t, 1, a.CloseCalls())
	assert.Equal(t, 0, b.CloseCalls())
}

func TestPipeDeliversQueuedMessagesAfterClose(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Send(context.Background(), []byte("last words")))
	require.NoError(t, a.Close())

	msg, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("last words"), msg)

	_, err = b.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipeReceiveHonoursContext(t *testing.T) {
	_, b := Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeListener(t *testing.T) {
	l := NewPipeListener()
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	accepted := make(chan Accepted, 1)
	go func() {
		a, err := l.Accept(ctx)
		if err == nil {
			accepted <- a
		}
	}()

	header := http.Header{}
	header.Set(HeaderFingerprint, "wicrs1abc")
	client, err := l.Dial(ctx, "pipe://server", header)
	require.NoError(t, err)

	a := <-accepted
	assert.Equal(t, "wicrs1abc", a.Header.Get(HeaderFingerprint))
	assert.Equal(t, "pipe://server", a.URL)

	require.NoError(t, client.Send(ctx, []byte("ping")))
	msg, err := a.Conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), msg)

	require.NoError(t, l.Close())
	_, err = l.Dial(ctx, "pipe://server", nil)
	assert.ErrorIs(t, err, ErrListenerClosed)
}
