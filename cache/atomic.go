package cache

import "sync/atomic"

// atomicCounter is a tiny wrapper kept for readability at call sites; the
// cache's hit/miss counters are "eventually consistent" per §5, so a plain
// atomic uint64 is sufficient.
type atomicCounter struct {
	v uint64
}

func (c *atomicCounter) add(n uint64)  { atomic.AddUint64(&c.v, n) }
func (c *atomicCounter) value() uint64 { return atomic.LoadUint64(&c.v) }
