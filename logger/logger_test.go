package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	t.Run("writes json with service and fields", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Service: "duplex", Level: "debug", Output: &buf})
		require.NoError(t, err)

		l.Info("connected", Field{Key: "remote", Value: "127.0.0.1:9"})

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "duplex", lines[0]["service"])
		assert.Equal(t, "connected", lines[0]["message"])
		assert.Equal(t, "127.0.0.1:9", lines[0]["remote"])
		assert.Equal(t, "info", lines[0]["level"])
	})

	t.Run("filters below configured level", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Service: "duplex", Level: "warn", Output: &buf})
		require.NoError(t, err)

		l.Debug("hidden")
		l.Info("hidden")
		l.Warn("shown")

		lines := decodeLines(t, &buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "shown", lines[0]["message"])
	})

	t.Run("empty level means info", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Output: &buf})
		require.NoError(t, err)

		l.Debug("hidden")
		l.Info("shown")
		assert.Len(t, decodeLines(t, &buf), 1)
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		_, err := New(Config{Level: "loud"})
		assert.Error(t, err)
	})

	t.Run("dir adds a daily log file", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "logs")
		var buf bytes.Buffer
		l, err := New(Config{Service: "duplex", Output: &buf, Dir: dir})
		require.NoError(t, err)

		l.With(Field{Key: "conn", Value: 1}).Info("to both")
		require.NoError(t, l.Close())
		require.NoError(t, l.Close())

		name := filepath.Join(dir, "duplex_"+time.Now().Format("2006-01-02")+".log")
		data, err := os.ReadFile(name)
		require.NoError(t, err)
		assert.Contains(t, string(data), "to both")
		assert.Contains(t, buf.String(), "to both")
	})

	t.Run("unusable dir is an error", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, nil, 0644))

		_, err := New(Config{Service: "duplex", Dir: filepath.Join(file, "logs")})
		assert.Error(t, err)
	})

	t.Run("console writer is not json", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Service: "duplex", Console: true, Output: &buf})
		require.NoError(t, err)

		l.Info("hello")
		assert.Contains(t, buf.String(), "hello")
		assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
	})
}

func TestZerologLogger_With(t *testing.T) {
	var buf bytes.Buffer
	base := NewZerologLogger(zerolog.New(&buf), "duplex", zerolog.DebugLevel)
	child := base.With(Field{Key: "conn", Value: 7})

	child.Error("read failed", Field{Key: "error", Value: errors.New("boom").Error()})
	base.Info("plain")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.EqualValues(t, 7, lines[0]["conn"])
	assert.Equal(t, "boom", lines[0]["error"])
	_, ok := lines[1]["conn"]
	assert.False(t, ok, "parent logger must not inherit child fields")
	assert.NoError(t, child.Close())
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	assert.NotPanics(t, func() {
		l.Debug("x")
		l.Info("x")
		l.Warn("x")
		l.Error("x", Field{Key: "k", Value: 1})
		l.With(Field{Key: "k", Value: 1}).Info("x")
	})
	assert.NoError(t, l.Close())
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	l := NewNopLogger()
	assert.Equal(t, l, OrNop(l))
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestDailyFileWriter(t *testing.T) {
	t.Run("switches file when the date changes", func(t *testing.T) {
		dir := t.TempDir()
		clock := &fakeClock{now: time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)}
		w, err := newDailyFileWriter("svc", dir, clock.Now)
		require.NoError(t, err)
		defer w.Close()

		_, err = w.Write([]byte("day one\n"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "svc_2026-03-01.log"), w.CurrentLogFile())

		clock.Set(time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC))
		_, err = w.Write([]byte("day two\n"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "svc_2026-03-02.log"), w.CurrentLogFile())

		first, err := os.ReadFile(filepath.Join(dir, "svc_2026-03-01.log"))
		require.NoError(t, err)
		assert.Equal(t, "day one\n", string(first))

		second, err := os.ReadFile(filepath.Join(dir, "svc_2026-03-02.log"))
		require.NoError(t, err)
		assert.Equal(t, "day two\n", string(second))
	})

	t.Run("force rotate reopens a moved file", func(t *testing.T) {
		dir := t.TempDir()
		w, err := NewDailyFileWriter("svc", dir)
		require.NoError(t, err)
		defer w.Close()

		current := w.CurrentLogFile()
		require.NoError(t, os.Rename(current, current+".old"))
		require.NoError(t, w.ForceRotate())

		_, err = w.Write([]byte("after rotate\n"))
		require.NoError(t, err)
		data, err := os.ReadFile(current)
		require.NoError(t, err)
		assert.Equal(t, "after rotate\n", string(data))
	})

	t.Run("writes fail after close", func(t *testing.T) {
		w, err := NewDailyFileWriter("svc", t.TempDir())
		require.NoError(t, err)

		require.NoError(t, w.Close())
		require.NoError(t, w.Close())
		assert.Empty(t, w.CurrentLogFile())

		_, err = w.Write([]byte("x"))
		assert.ErrorIs(t, err, ErrWriterClosed)
		assert.ErrorIs(t, w.ForceRotate(), ErrWriterClosed)
	})

	t.Run("missing directory is an error", func(t *testing.T) {
		_, err := NewDailyFileWriter("svc", filepath.Join(t.TempDir(), "absent"))
		assert.Error(t, err)
	})
}

func TestNewZerologFileLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	l, err := NewZerologFileLogger("svc", dir, zerolog.WarnLevel)
	require.NoError(t, err)
	defer l.Close()

	l.Info("hidden")
	l.Warn("kept")

	data, err := os.ReadFile(filepath.Join(dir, "svc_"+time.Now().Format("2006-01-02")+".log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "kept")
	assert.NotContains(t, string(data), "hidden")
}

