package hlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Timestamp
		want int
	}{
		{"equal", Timestamp{5, 2}, Timestamp{5, 2}, 0},
		{"l wins", Timestamp{4, 9}, Timestamp{5, 0}, -1},
		{"l wins reversed", Timestamp{6, 0}, Timestamp{5, 9}, 1},
		{"c breaks tie", Timestamp{5, 1}, Timestamp{5, 2}, -1},
		{"zero before everything", Timestamp{}, Timestamp{1, 0}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
			assert.Equal(t, -tt.want, Compare(tt.b, tt.a))
		})
	}
}

func TestLess(t *testing.T) {
	assert.True(t, Less(Timestamp{1, 0}, Timestamp{1, 1}))
	assert.False(t, Less(Timestamp{1, 1}, Timestamp{1, 1}))
	assert.False(t, Less(Timestamp{2, 0}, Timestamp{1, 9}))
}

func TestDiff_Saturates(t *testing.T) {
	assert.Equal(t, uint64(3), Diff(Timestamp{8, 0}, Timestamp{5, 7}))
	assert.Equal(t, uint64(0), Diff(Timestamp{5, 0}, Timestamp{5, 0}))
	assert.Equal(t, uint64(0), Diff(Timestamp{4, 0}, Timestamp{5, 0}))
}

func TestClock_Tick(t *testing.T) {
	ticks := NewCountingTicks(5)
	c := NewClock(ticks)

	// First tick adopts the physical tick.
	assert.Equal(t, Timestamp{L: 5, C: 0}, c.Tick())

	// Same physical tick: the counter advances.
	assert.Equal(t, Timestamp{L: 5, C: 1}, c.Tick())
	assert.Equal(t, Timestamp{L: 5, C: 2}, c.Tick())

	// Physical time moves on: counter resets.
	ticks.Step(3)
	assert.Equal(t, Timestamp{L: 8, C: 0}, c.Tick())
}

func TestClock_Tick_Monotonic(t *testing.T) {
	c := NewClock(NewCountingTicks(1))
	prev := c.Tick()
	for i := 0; i < 1000; i++ {
		next := c.Tick()
		assert.True(t, Less(prev, next), "tick went backwards: %v then %v", prev, next)
		prev = next
	}
}

func TestClock_Observe(t *testing.T) {
	ticks := NewCountingTicks(3)
	c := NewClock(ticks)
	c.Tick() // local at (3, 0)

	// Remote ahead on L: adopt remote L, counter follows remote.
	ts := c.Observe(Timestamp{L: 10, C: 4})
	assert.Equal(t, Timestamp{L: 10, C: 5}, ts)

	// Remote behind: local counter advances.
	ts = c.Observe(Timestamp{L: 2, C: 9})
	assert.Equal(t, Timestamp{L: 10, C: 6}, ts)

	// Equal L on both sides: counter jumps past the max.
	ts = c.Observe(Timestamp{L: 10, C: 40})
	assert.Equal(t, Timestamp{L: 10, C: 41}, ts)

	// Physical tick ahead of both: fresh counter.
	ticks.Step(20)
	ts = c.Observe(Timestamp{L: 10, C: 50})
	assert.Equal(t, Timestamp{L: 23, C: 0}, ts)
}

func TestClock_Observe_SortsAfterBothInputs(t *testing.T) {
	c := NewClock(NewCountingTicks(1))
	local := c.Tick()
	remote := Timestamp{L: 7, C: 2}

	merged := c.Observe(remote)
	assert.True(t, Less(local, merged))
	assert.True(t, Less(remote, merged))
}

func TestClock_Drift(t *testing.T) {
	ticks := NewCountingTicks(10)
	c := NewClock(ticks)
	ts := c.Tick() // (10, 0)

	assert.Equal(t, uint64(0), c.Drift(ts))

	// Physical ticks elapse without any event.
	ticks.Step(16)
	assert.Equal(t, uint64(16), c.Drift(ts))

	ticks.Step(1)
	assert.Equal(t, uint64(17), c.Drift(ts))
}

func TestCountingTicks(t *testing.T) {
	ticks := NewCountingTicks(0)
	assert.Equal(t, uint64(0), ticks.Now())
	assert.Equal(t, uint64(4), ticks.Step(4))
	assert.Equal(t, uint64(4), ticks.Now())
}

func TestWallTicks_Monotonic(t *testing.T) {
	w := NewWallTicks(0)
	prev := w.Now()
	assert.Greater(t, prev, uint64(0))
	for i := 0; i < 100; i++ {
		now := w.Now()
		assert.GreaterOrEqual(t, now, prev)
		prev = now
	}
}
