package engine

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator_ValidFormat(t *testing.T) {
	key := UUIDv7Generator{}.Generate()

	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, key)

	parsed, err := uuid.Parse(key)
	require.NoError(t, err, "key should be valid UUID")
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestUUIDv7Generator_Concurrent(t *testing.T) {
	gen := UUIDv7Generator{}
	const goroutines = 100

	keys := make(chan string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys <- gen.Generate()
		}()
	}
	wg.Wait()
	close(keys)

	seen := make(map[string]bool)
	for key := range keys {
		require.False(t, seen[key], "duplicate key generated")
		seen[key] = true
	}
	assert.Equal(t, goroutines, len(seen))
}

func TestUUIDv7Generator_TimeOrdered(t *testing.T) {
	gen := UUIDv7Generator{}

	first := gen.Generate()
	time.Sleep(2 * time.Millisecond)
	second := gen.Generate()

	keys := []string{second, first}
	sort.Strings(keys)
	assert.Equal(t, []string{first, second}, keys, "later keys sort after earlier ones")
}

func TestFixedGenerator_Sequential(t *testing.T) {
	gen := NewFixedGenerator("q-1", "q-2", "q-3")

	assert.Equal(t, "q-1", gen.Generate())
	assert.Equal(t, "q-2", gen.Generate())
	assert.Equal(t, "q-3", gen.Generate())
}

func TestFixedGenerator_PanicsWhenExhausted(t *testing.T) {
	gen := NewFixedGenerator("q-1")

	assert.Equal(t, "q-1", gen.Generate())
	assert.Panics(t, func() {
		gen.Generate()
	}, "should panic when all keys exhausted")

	assert.Panics(t, func() {
		NewFixedGenerator().Generate()
	}, "should panic when no keys provided")
}
