package sim

// MaxCount is the last counter value before the counter wraps to zero.
const MaxCount = 0xFFFF

// Timer simulates a 16-bit up-counting reload timer that raises an
// interrupt when the counter reaches the programmed period. It implements
// core.Timer.
//
// A period programmed below the current count is missed: the counter runs
// on to MaxCount, wraps, and then reaches the period, as on real hardware.
type Timer struct {
	clock   *Clock
	clockHz uint32

	// Latency delays the handler after the update event, in ticks.
	Latency uint32

	prescaler uint32
	period    uint32
	running   bool
	epoch     uint64 // time the counter was last zero
	paused    uint32 // count while paused
	handler   func()

	irqPending bool
	irqAt      uint64

	fired uint64
}

// NewTimer creates a paused timer fed by clockHz before the prescaler.
func NewTimer(clock *Clock, clockHz uint32) *Timer {
	return &Timer{clock: clock, clockHz: clockHz, prescaler: 1}
}

func (t *Timer) Pause() {
	if !t.running {
		return
	}
	t.paused = t.Count()
	t.running = false
	t.irqPending = false
}

func (t *Timer) Resume() {
	if t.running {
		return
	}
	t.epoch = t.clock.now - uint64(t.paused)
	t.running = true
}

func (t *Timer) SetPrescaler(div uint32) { t.prescaler = div }

// Prescaler returns the last divider set.
func (t *Timer) Prescaler() uint32 { return t.prescaler }

func (t *Timer) SetPeriod(ticks uint32) { t.period = ticks }

// Period returns the programmed reload value.
func (t *Timer) Period() uint32 { return t.period }

func (t *Timer) SetCount(ticks uint32) {
	if t.running {
		t.epoch = t.clock.now - uint64(ticks)
	} else {
		t.paused = ticks
	}
}

func (t *Timer) Count() uint32 {
	if !t.running {
		return t.paused
	}
	return uint32((t.clock.now - t.epoch) % (MaxCount + 1))
}

func (t *Timer) ClockFrequency() uint32 { return t.clockHz }

func (t *Timer) AttachInterrupt(handler func()) { t.handler = handler }

// Running reports whether the counter is counting.
func (t *Timer) Running() bool { return t.running }

// Fired returns the number of interrupts delivered.
func (t *Timer) Fired() uint64 { return t.fired }

// nextUpdate returns the time the counter next equals the period.
func (t *Timer) nextUpdate() uint64 {
	period := uint64(t.period)
	if period == 0 {
		period = MaxCount + 1
	}
	elapsed := t.clock.now - t.epoch
	cycle := elapsed - elapsed%(MaxCount+1)
	at := t.epoch + cycle + period
	if at < t.clock.now {
		at += MaxCount + 1
	}
	return at
}

// Advance moves the clock forward by ticks, delivering every interrupt
// that falls due on the way.
func (t *Timer) Advance(ticks uint64) {
	t.AdvanceTo(t.clock.now + ticks)
}

// AdvanceTo moves the clock to end.
func (t *Timer) AdvanceTo(end uint64) {
	for t.running {
		if !t.irqPending {
			at := t.nextUpdate()
			if at > end {
				break
			}
			t.epoch = at
			t.irqPending = true
			t.irqAt = at + uint64(t.Latency)
		}
		if t.irqAt > end {
			break
		}
		t.clock.set(t.irqAt)
		t.irqPending = false
		t.fired++
		if t.handler != nil {
			t.handler()
		}
	}
	t.clock.set(end)
}
