package items

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
)

// maxSafeID keeps generated ids exactly representable as JSON numbers
const maxSafeID = 1<<53 - 1

// IDGenerator produces candidate record ids for a table
type IDGenerator interface {
	NewID(table string) int64
}

// RandomGenerator draws positive 53-bit ids from UUIDv4 randomness
type RandomGenerator struct{}

func (RandomGenerator) NewID(string) int64 {
	u := uuid.New()
	id := int64(binary.BigEndian.Uint64(u[:8]) & maxSafeID)
	if id == 0 {
		id = 1
	}
	return id
}

// SequenceGenerator hands out 1, 2, 3... per table. Sequences live in
// process memory only, so collisions with existing rows are resolved by
// the store's conditional write.
type SequenceGenerator struct {
	mu   sync.Mutex
	next map[string]int64
}

// NewSequenceGenerator creates a sequence generator starting at 1
func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{next: make(map[string]int64)}
}

func (g *SequenceGenerator) NewID(table string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next[table]++
	return g.next[table]
}
