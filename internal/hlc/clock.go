// Package hlc implements the hybrid logical clock used to order scene
// operations across shards.
//
// A timestamp is a pair (L, C): L tracks the highest physical tick the clock
// has observed, C disambiguates events that share the same L. Comparison is
// lexicographic, which yields a total order consistent with causality as long
// as every send advances the clock (Tick) and every receive folds the remote
// timestamp in (Observe).
package hlc

import (
	"fmt"
	"sync"
)

// Timestamp is a hybrid logical clock value. The zero value sorts before
// every timestamp a live clock can produce.
type Timestamp struct {
	L uint64
	C uint32
}

// Compare returns -1, 0, or 1 as a sorts before, equal to, or after b.
func Compare(a, b Timestamp) int {
	switch {
	case a.L < b.L:
		return -1
	case a.L > b.L:
		return 1
	case a.C < b.C:
		return -1
	case a.C > b.C:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b.
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// Diff returns how many ticks a is ahead of b on the logical component,
// saturating at zero when a is behind. Used for the MaxLatency window check.
func Diff(a, b Timestamp) uint64 {
	if a.L <= b.L {
		return 0
	}
	return a.L - b.L
}

// String renders the timestamp as "L.C" for logs and traces.
func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.L, t.C)
}

// TickSource supplies monotonic physical ticks. Implementations must never
// go backwards. Wall time may drive a source for liveness, but no safety
// decision depends on it.
type TickSource interface {
	Now() uint64
}

// Clock is a per-node hybrid logical clock.
//
// Thread-safety: all methods are safe for concurrent use. In practice each
// replica funnels Tick calls through its coordinator or applier goroutine,
// but receives arrive from the consensus layer's network goroutine.
type Clock struct {
	mu     sync.Mutex
	ts     Timestamp
	source TickSource
}

// NewClock creates a clock drawing physical ticks from source.
func NewClock(source TickSource) *Clock {
	return &Clock{source: source}
}

// Tick advances the clock for a local or send event and returns the new
// timestamp. If the logical component is already at or ahead of the physical
// tick, only the counter advances.
func (c *Clock) Tick() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.source.Now()
	if c.ts.L >= pt {
		c.ts.C++
	} else {
		c.ts.L = pt
		c.ts.C = 0
	}
	return c.ts
}

// Observe folds a remote timestamp into the clock (receive event) and
// returns the merged timestamp. The logical component becomes the max of the
// local component, the remote component, and the current physical tick; the
// counter is chosen so the result sorts after both inputs.
func (c *Clock) Observe(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.source.Now()
	l := c.ts.L
	if remote.L > l {
		l = remote.L
	}
	if pt > l {
		l = pt
	}

	var counter uint32
	switch {
	case l == c.ts.L && l == remote.L:
		counter = max32(c.ts.C, remote.C) + 1
	case l == c.ts.L:
		counter = c.ts.C + 1
	case l == remote.L:
		counter = remote.C + 1
	default:
		counter = 0
	}

	c.ts = Timestamp{L: l, C: counter}
	return c.ts
}

// Drift returns how many ticks the clock has moved past ts, counting both
// observed events and physical ticks that have elapsed without one.
// Saturates at zero. This feeds the MaxLatency abort window: a COMMITTING
// transaction whose timestamp drifts too far into the past aborts.
func (c *Clock) Drift(ts Timestamp) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	l := c.ts.L
	if pt := c.source.Now(); pt > l {
		l = pt
	}
	if l <= ts.L {
		return 0
	}
	return l - ts.L
}

// Now returns the clock's current timestamp without advancing it.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
