package framing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	frame := Encode([]byte{0xAA, 0xBB})
	assert.Equal(t, []byte{2, 0, 0, 0, 0xAA, 0xBB}, frame)
	assert.Equal(t, []byte{0, 0, 0, 0}, Encode(nil))
}

func TestLengthPrefixed(t *testing.T) {
	t.Run("splits several frames in one chunk", func(t *testing.T) {
		process := LengthPrefixed(0)
		chunk := append(Encode([]byte("one")), Encode([]byte("two"))...)

		msgs, rest, err := process(chunk, nil)
		require.NoError(t, err)
		assert.Nil(t, rest)
		require.Len(t, msgs, 2)
		assert.Equal(t, "one", string(msgs[0]))
		assert.Equal(t, "two", string(msgs[1]))
	})

	t.Run("reassembles a frame split across chunks", func(t *testing.T) {
		process := LengthPrefixed(0)
		frame := Encode([]byte("hello world"))

		var leftover []byte
		var got [][]byte
		for i := 0; i < len(frame); i += 3 {
			end := i + 3
			if end > len(frame) {
				end = len(frame)
			}
			msgs, rest, err := process(frame[i:end], leftover)
			require.NoError(t, err)
			got = append(got, msgs...)
			leftover = rest
		}

		assert.Nil(t, leftover)
		require.Len(t, got, 1)
		assert.Equal(t, "hello world", string(got[0]))
	})

	t.Run("partial header is kept as leftover", func(t *testing.T) {
		process := LengthPrefixed(0)
		msgs, rest, err := process([]byte{5, 0}, nil)
		require.NoError(t, err)
		assert.Empty(t, msgs)
		assert.Equal(t, []byte{5, 0}, rest)
	})

	t.Run("zero length frames are skipped", func(t *testing.T) {
		process := LengthPrefixed(0)
		chunk := append(Encode(nil), Encode([]byte("x"))...)
		msgs, _, err := process(chunk, nil)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "x", string(msgs[0]))
	})

	t.Run("oversized frame is an error", func(t *testing.T) {
		process := LengthPrefixed(4)
		_, _, err := process(Encode([]byte("too long")), nil)
		assert.Error(t, err)
	})

	t.Run("messages do not alias the chunk", func(t *testing.T) {
		process := LengthPrefixed(0)
		chunk := Encode([]byte("abc"))
		msgs, _, err := process(chunk, nil)
		require.NoError(t, err)

		copy(chunk, bytes.Repeat([]byte{0}, len(chunk)))
		assert.Equal(t, "abc", string(msgs[0]))
	})

	t.Run("messages from a carried buffer survive later chunks", func(t *testing.T) {
		process := LengthPrefixed(0)
		stream := append(Encode([]byte("first")), Encode([]byte("second"))...)

		var leftover []byte
		var got [][]byte
		for _, b := range stream {
			msgs, rest, err := process([]byte{b}, leftover)
			require.NoError(t, err)
			got = append(got, msgs...)
			leftover = rest
		}

		require.Len(t, got, 2)
		assert.Equal(t, "first", string(got[0]))
		assert.Equal(t, "second", string(got[1]))
	})
}

func TestLengthPrefixed_large_frame_in_small_chunks(t *testing.T) {
	const chunkSize = 16 * 1024
	payload := bytes.Repeat([]byte{0x5A}, 1024*1024)
	frame := Encode(payload)
	process := LengthPrefixed(0)

	feed := func() [][]byte {
		var leftover, chunk []byte
		var got [][]byte
		buf := make([]byte, chunkSize)
		for off := 0; off < len(frame); off += chunkSize {
			n := copy(buf, frame[off:])
			chunk = buf[:n]
			msgs, rest, err := process(chunk, leftover)
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, msgs...)
			leftover = rest
		}
		return got
	}

	got := feed()
	require.Len(t, got, 1)
	assert.True(t, bytes.Equal(payload, got[0]))

	// One buffer for the frame plus the message and result slices.
	allocs := testing.AllocsPerRun(5, func() { feed() })
	assert.LessOrEqual(t, allocs, float64(6))
}

