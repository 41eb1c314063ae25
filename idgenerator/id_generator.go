// Package idgenerator hands out connection handles. Handles are never zero, so
// zero can mean "no connection", and they increase monotonically until the
// counter wraps, at which point zero is skipped.
package idgenerator

import "sync/atomic"

// IdGenerator generates non-zero uint32 handles in a concurrency-safe manner.
// The first Id after NewIdGenerator(start) is start+1.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first Id is startValue+1, or 1
// if that would wrap to zero.
//
// Parameters:
//   - startValue: The value to initialize the counter to
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next handle. It is safe for concurrent use and never
// returns zero.
func (l *IdGenerator) Id() uint32 {
	for {
		if id := l.id.Add(1); id != 0 {
			return id
		}
	}
}
