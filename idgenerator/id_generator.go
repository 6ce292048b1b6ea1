// Package idgenerator hands out monotonically increasing ids for sessions,
// connections and timers.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint32 IDs in a concurrency-safe
// manner. The first Id() returns startValue+1, so 0 can mean "no id".
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator creates an IdGenerator that will generate IDs starting from
// startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next unique ID.
func (g *IdGenerator) Id() uint32 {
	return g.id.Add(1)
}

// Current returns the last ID handed out without advancing the counter.
func (g *IdGenerator) Current() uint32 {
	return g.id.Load()
}

// SequenceGenerator is the int64 counterpart of IdGenerator, used where ids
// must never wrap during the life of a process (timer sequences, connection ids).
type SequenceGenerator struct {
	seq atomic.Int64
}

// NewSequenceGenerator creates a SequenceGenerator whose first Next() returns
// startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new SequenceGenerator instance
func NewSequenceGenerator(startValue int64) *SequenceGenerator {
	gen := &SequenceGenerator{}
	gen.seq.Store(startValue)
	return gen
}

// Next returns the next sequence number.
func (g *SequenceGenerator) Next() int64 {
	return g.seq.Add(1)
}
