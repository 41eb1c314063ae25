// Package framing provides ready-made socket.PacketProcessor implementations.
//
// LengthPrefixed delimits messages with a 4-byte little-endian length header.
// Encode produces frames in that layout.
package framing

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cyberinferno/go-duplex/socket"
)

// HeaderSize is the length of the frame header in bytes.
const HeaderSize = 4

// DefaultMaxFrameSize is the largest payload LengthPrefixed accepts when no
// explicit limit is given.
const DefaultMaxFrameSize = 16 * 1024 * 1024

// Encode prepends the 4-byte little-endian length of payload.
//
// Parameters:
//   - payload: The message body
//
// Returns:
//   - A new slice holding header and payload
func Encode(payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// LengthPrefixed returns a PacketProcessor that reassembles length-prefixed
// frames across reads. Zero-length frames are skipped. A header announcing more
// than maxFrame bytes fails the connection.
//
// A partial frame is kept in a buffer sized for the whole frame once its
// header has arrived, so later chunks are appended in place. Messages split
// from that buffer share its memory; they never overlap the returned leftover.
//
// Parameters:
//   - maxFrame: Largest accepted payload; 0 or less selects DefaultMaxFrameSize
func LengthPrefixed(maxFrame int) socket.PacketProcessor {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}

	return func(chunk, leftover []byte) ([][]byte, []byte, error) {
		if len(leftover) == 0 {
			return split(chunk, false, maxFrame)
		}

		data, err := extend(leftover, chunk, maxFrame)
		if err != nil {
			return nil, nil, err
		}

		return split(data, true, maxFrame)
	}
}

// split cuts the complete frames off data. Unless owned, data is the caller's
// read buffer and everything returned is copied out of it.
func split(data []byte, owned bool, maxFrame int) ([][]byte, []byte, error) {
	var msgs [][]byte
	for len(data) >= HeaderSize {
		size, err := frameSize(data, maxFrame)
		if err != nil {
			return nil, nil, err
		}

		end := HeaderSize + size
		if len(data) < end {
			break
		}

		if size > 0 {
			msg := data[HeaderSize:end:end]
			if !owned {
				msg = bytes.Clone(msg)
			}
			msgs = append(msgs, msg)
		}

		data = data[end:]
	}

	switch {
	case len(data) == 0:
		return msgs, nil, nil
	case owned:
		return msgs, data, nil
	}

	rest, err := extend(nil, data, maxFrame)
	if err != nil {
		return nil, nil, err
	}

	return msgs, rest, nil
}

// extend appends chunk to buf, reallocating only when buf lacks room. A new
// buffer is sized for the whole pending frame when its header is known.
func extend(buf, chunk []byte, maxFrame int) ([]byte, error) {
	need := len(buf) + len(chunk)
	if need <= cap(buf) {
		return append(buf, chunk...), nil
	}

	target := need
	if need >= HeaderSize {
		var header [HeaderSize]byte
		n := copy(header[:], buf)
		copy(header[n:], chunk)

		size, err := frameSize(header[:], maxFrame)
		if err != nil {
			return nil, err
		}

		target = max(target, HeaderSize+size)
	}

	grown := make([]byte, 0, target)
	grown = append(grown, buf...)
	return append(grown, chunk...), nil
}

func frameSize(header []byte, maxFrame int) (int, error) {
	size := binary.LittleEndian.Uint32(header)
	if uint64(size) > uint64(maxFrame) {
		return 0, fmt.Errorf("frame of %d bytes exceeds limit of %d", size, maxFrame)
	}

	return int(size), nil
}
