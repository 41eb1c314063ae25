package socket

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// listenLocal opens a loopback listener and returns it with its host and port.
func listenLocal(t *testing.T) (net.Listener, string, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return ln, host, port
}

// acceptOne returns a channel yielding the next connection accepted by ln.
func acceptOne(t *testing.T, ln net.Listener) <-chan net.Conn {
	t.Helper()
	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			ch <- conn
		}
		close(ch)
	}()
	return ch
}

func waitConn(t *testing.T, ch <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case conn, ok := <-ch:
		require.True(t, ok, "accept failed")
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for accept")
		return nil
	}
}

// persistentPair connects two PersistentSockets over loopback: a dials, b wraps
// the accepted side.
func persistentPair(t *testing.T, mutate func(*PersistentConfig)) (*PersistentSocket, *PersistentSocket) {
	t.Helper()
	ln, host, port := listenLocal(t)
	cfg := DefaultPersistentConfig(host, port)
	if mutate != nil {
		mutate(&cfg)
	}

	accepted := acceptOne(t, ln)
	a := NewPersistentSocket(cfg, nil)
	t.Cleanup(func() { _ = a.Shutdown() })
	require.NoError(t, a.Connect(testContext(t)))

	b := NewPersistentSocketFromConn(waitConn(t, accepted), cfg, nil)
	t.Cleanup(func() { _ = b.Shutdown() })
	return a, b
}

// completion records the result of a CompletionFunc.
type completion struct {
	ch chan error
}

func newCompletion() *completion {
	return &completion{ch: make(chan error, 1)}
}

func (c *completion) Done(err error) {
	c.ch <- err
}

func (c *completion) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.ch:
		return err
	case <-time.After(testTimeout):
		t.Fatal("completion handler not called")
		return nil
	}
}

// closedPort returns a loopback port nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	return port
}
