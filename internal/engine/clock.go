package engine

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

// offsetAlpha is the EWMA smoothing factor for clock-offset samples. A low
// factor keeps one delayed packet from yanking every deadline.
const offsetAlpha = 0.2

// ClockSource reconciles the local clock against server timestamps. It
// exposes local monotonic milliseconds and a server-aligned view of now,
// shared by the question timer and outbound message timestamping.
type ClockSource struct {
	clock clockwork.Clock

	mu       sync.Mutex
	offsetMs float64
	primed   bool
}

func NewClockSource(clock clockwork.Clock) *ClockSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ClockSource{clock: clock}
}

// NowMs returns local time in Unix milliseconds.
func (c *ClockSource) NowMs() int64 {
	return c.clock.Now().UnixMilli()
}

// ServerNowMs returns the server-aligned time in Unix milliseconds.
func (c *ClockSource) ServerNowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock.Now().UnixMilli() + int64(c.offsetMs)
}

// OffsetMs returns the current smoothed offset.
func (c *ClockSource) OffsetMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(c.offsetMs)
}

// Observe folds one server timestamp into the offset estimate. The first
// sample after a reset is taken verbatim; later samples are damped.
func (c *ClockSource) Observe(serverTimestampMs int64) {
	if serverTimestampMs <= 0 {
		return
	}
	sample := float64(serverTimestampMs - c.clock.Now().UnixMilli())

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.primed {
		c.offsetMs = sample
		c.primed = true
		return
	}
	c.offsetMs += offsetAlpha * (sample - c.offsetMs)
}

// Reset discards the offset so the next hydration timestamp re-primes it.
func (c *ClockSource) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsetMs = 0
	c.primed = false
}
