package testutil

import (
	"fmt"
	"sync"
)

// SequenceGenerator generates "<prefix>-0001", "<prefix>-0002", ...
//
// Unlike engine.FixedGenerator it never runs out, which suits scenarios
// where the number of generated ids (queue items plus conflicts) is not
// known up front. The same scenario always gets the same ids, so golden
// snapshots stay byte-identical.
//
// Thread-safety: SequenceGenerator is safe for concurrent use.
type SequenceGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceGenerator creates a generator. Empty prefix means "id".
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceGenerator{prefix: prefix}
}

// Generate returns the next id. Implements engine.KeyGenerator.
func (g *SequenceGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
