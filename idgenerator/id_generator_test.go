package idgenerator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdGenerator(t *testing.T) {
	t.Run("returns non-nil generator", func(t *testing.T) {
		require.NotNil(t, NewIdGenerator(0))
	})

	t.Run("first Id is startValue+1", func(t *testing.T) {
		assert.Equal(t, uint32(1), NewIdGenerator(0).Id())
		assert.Equal(t, uint32(101), NewIdGenerator(100).Id())
	})

	t.Run("wrap skips zero", func(t *testing.T) {
		gen := NewIdGenerator(^uint32(0))
		assert.Equal(t, uint32(1), gen.Id())
		assert.Equal(t, uint32(2), gen.Id())
	})
}

func TestIdGenerator_Id_sequential(t *testing.T) {
	gen := NewIdGenerator(1000)
	for i := 0; i < 5; i++ {
		assert.Equal(t, uint32(1001+i), gen.Id())
	}
}

func TestIdGenerator_Id_concurrent(t *testing.T) {
	gen := NewIdGenerator(0)
	const n = 500
	ids := make([]uint32, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			ids[idx] = gen.Id()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint32]bool)
	for _, id := range ids {
		assert.NotZero(t, id)
		assert.LessOrEqual(t, id, uint32(n))
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestIdGenerator_multiple_generators_independent(t *testing.T) {
	gen1 := NewIdGenerator(0)
	gen2 := NewIdGenerator(0)

	assert.Equal(t, uint32(1), gen1.Id())
	assert.Equal(t, uint32(1), gen2.Id())
	assert.Equal(t, uint32(2), gen1.Id())
}
