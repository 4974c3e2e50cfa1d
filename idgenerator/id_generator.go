// Package idgenerator hands out process-unique sequence numbers, used to name
// pool workers in logs and bookkeeping.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint64 IDs and is safe for
// concurrent use. The first Id() returns startValue+1.
type IdGenerator struct {
	id atomic.Uint64
}

// NewIdGenerator creates an IdGenerator whose first ID is startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next ID.
func (g *IdGenerator) Id() uint64 {
	return g.id.Add(1)
}

// Last returns the most recently issued ID, or the start value if none was
// issued yet.
func (g *IdGenerator) Last() uint64 {
	return g.id.Load()
}
