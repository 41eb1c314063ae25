package procmutex

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort returns a port that was free a moment ago.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	return port
}

func TestProcessMutex(t *testing.T) {
	port := freePort(t)
	msgs := make(chan string, 4)

	holder := New(DefaultConfig("127.0.0.1", port), func(msg string) { msgs <- msg }, nil)
	t.Cleanup(func() { _ = holder.Release() })

	other := New(DefaultConfig("127.0.0.1", port), nil, nil)

	t.Run("test before anyone holds it", func(t *testing.T) {
		held, err := other.Test(context.Background(), "ignored")
		require.NoError(t, err)
		assert.False(t, held)
	})

	t.Run("first acquire wins", func(t *testing.T) {
		ok, err := holder.Acquire()
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, holder.Held())

		ok, err = holder.Acquire()
		require.NoError(t, err)
		assert.True(t, ok, "acquire is idempotent for the holder")
	})

	t.Run("second acquire loses", func(t *testing.T) {
		ok, err := other.Acquire()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.False(t, other.Held())
	})

	t.Run("test delivers the message to the holder", func(t *testing.T) {
		held, err := other.Test(context.Background(), "app://open?id=42")
		require.NoError(t, err)
		assert.True(t, held)

		select {
		case msg := <-msgs:
			assert.Equal(t, "app://open?id=42", msg)
		case <-time.After(5 * time.Second):
			t.Fatal("holder did not receive the message")
		}
	})

	t.Run("release frees the port", func(t *testing.T) {
		require.NoError(t, holder.Release())
		assert.False(t, holder.Held())
		require.NoError(t, holder.Release())

		ok, err := other.Acquire()
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, other.Release())
	})
}

func TestProcessMutex_oversized_message_dropped(t *testing.T) {
	port := freePort(t)
	msgs := make(chan string, 2)

	cfg := DefaultConfig("127.0.0.1", port)
	cfg.MaxMessageSize = 8
	holder := New(cfg, func(msg string) { msgs <- msg }, nil)
	ok, err := holder.Acquire()
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { _ = holder.Release() })

	sender := New(cfg, nil, nil)
	// The holder may reset the connection before the sender finishes.
	_, _ = sender.Test(context.Background(), strings.Repeat("x", 64))

	held, err := sender.Test(context.Background(), "short")
	require.NoError(t, err)
	assert.True(t, held)

	select {
	case msg := <-msgs:
		assert.Equal(t, "short", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("holder did not receive the message")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("127.0.0.1", "9000")
	assert.Equal(t, "127.0.0.1", cfg.Addr)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 64*1024, cfg.MaxMessageSize)
}
