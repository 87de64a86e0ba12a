// Package sim provides tick-accurate simulated hardware for the PWM core:
// a reload timer with interrupt latency, compare-output PWM timers and a
// GPIO edge recorder. Everything is driven by advancing a shared Clock.
package sim

// Clock is simulated time in scheduler ticks.
type Clock struct {
	now uint64
}

// Now returns the current tick.
func (c *Clock) Now() uint64 { return c.now }

func (c *Clock) set(t uint64) {
	if t > c.now {
		c.now = t
	}
}
