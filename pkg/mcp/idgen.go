package mcp

import "sync/atomic"

// IDGenerator hands out request ids. Ids are monotonically increasing and
// start at 1; pairwise uniqueness across every connection sharing the
// generator is the invariant callers rely on, not ordering.
type IDGenerator struct {
	counter atomic.Int64
}

// Next returns the next request id.
func (g *IDGenerator) Next() int64 {
	return g.counter.Add(1)
}

// Last returns the most recently issued id, zero before the first Next.
func (g *IDGenerator) Last() int64 {
	return g.counter.Load()
}

// defaultIDGenerator backs NextRequestID so all connections in the process
// draw from one sequence.
var defaultIDGenerator IDGenerator

// NextRequestID returns the next id from the process-wide generator.
func NextRequestID() int64 {
	return defaultIDGenerator.Next()
}
