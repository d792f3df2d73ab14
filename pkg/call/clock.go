package call

import "time"

// durationClock drives per-second duration ticks while a call is active.
// Start and stop run under the session lock. Each running ticker carries
// the generation it was started with; onTick re-checks that generation
// under the same lock, so a tick already in flight when the clock stops
// can never increment a later call's duration.
type durationClock struct {
	interval time.Duration
	gen      uint64
	stop     chan struct{}
}

func newDurationClock(interval time.Duration) *durationClock {
	if interval <= 0 {
		interval = time.Second
	}
	return &durationClock{interval: interval}
}

// start begins a new tick generation. Caller holds the session lock.
func (c *durationClock) start(onTick func(gen uint64)) {
	c.halt()
	c.gen++
	c.stop = make(chan struct{})
	go c.loop(c.gen, c.stop, onTick)
}

// halt cancels the running ticker, if any, and invalidates in-flight
// ticks by bumping the generation. Caller holds the session lock.
func (c *durationClock) halt() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.gen++
}

func (c *durationClock) running() bool {
	return c.stop != nil
}

func (c *durationClock) loop(gen uint64, stop chan struct{}, onTick func(gen uint64)) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			onTick(gen)
		}
	}
}
