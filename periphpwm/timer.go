package periphpwm

import (
	"sync"
	"time"
)

// MaxCount is where the counter of a TickerTimer wraps when no period is set.
const MaxCount = 0xFFFF

// TickerTimer is a core.Timer for hosts without a timer interrupt: the
// counter is derived from the wall clock and the handler runs on a timer
// goroutine at each reload. Reloads are scheduled from the previous reload
// time, not from when the handler ran, so handler latency does not
// accumulate.
type TickerTimer struct {
	mu      sync.Mutex
	tick    time.Duration
	period  uint32
	running bool
	inISR   bool
	epoch   time.Time // last reload
	paused  uint32
	handler func()
	timer   *time.Timer
	gen     uint64
	fired   uint64
}

func NewTickerTimer() *TickerTimer {
	return &TickerTimer{tick: time.Nanosecond}
}

// ClockFrequency is the nanosecond clock the prescaler divides.
func (t *TickerTimer) ClockFrequency() uint32 { return uint32(time.Second) }

func (t *TickerTimer) SetPrescaler(div uint32) {
	if div == 0 {
		div = 1
	}
	t.mu.Lock()
	t.tick = time.Duration(div)
	t.mu.Unlock()
}

func (t *TickerTimer) SetPeriod(ticks uint32) {
	t.mu.Lock()
	t.period = ticks
	if t.running && !t.inISR {
		t.arm()
	}
	t.mu.Unlock()
}

func (t *TickerTimer) SetCount(ticks uint32) {
	t.mu.Lock()
	if t.running {
		t.epoch = time.Now().Add(-time.Duration(ticks) * t.tick)
		if !t.inISR {
			t.arm()
		}
	} else {
		t.paused = ticks
	}
	t.mu.Unlock()
}

func (t *TickerTimer) Count() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count()
}

func (t *TickerTimer) count() uint32 {
	if !t.running {
		return t.paused
	}
	return uint32(time.Since(t.epoch) / t.tick)
}

func (t *TickerTimer) AttachInterrupt(handler func()) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

func (t *TickerTimer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.paused = t.count()
	t.running = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *TickerTimer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.epoch = time.Now().Add(-time.Duration(t.paused) * t.tick)
	t.running = true
	if !t.inISR {
		t.arm()
	}
}

// Fired returns the number of handler calls.
func (t *TickerTimer) Fired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Running reports whether the counter is counting.
func (t *TickerTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *TickerTimer) reload() time.Time {
	period := t.period
	if period == 0 {
		period = MaxCount + 1
	}
	return t.epoch.Add(time.Duration(period) * t.tick)
}

// arm schedules the next reload. Must hold mu.
func (t *TickerTimer) arm() {
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(time.Until(t.reload()), func() { t.fire(gen) })
}

func (t *TickerTimer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.running {
		t.mu.Unlock()
		return
	}
	t.epoch = t.reload()
	t.inISR = true
	t.fired++
	handler := t.handler
	t.mu.Unlock()

	// the handler reads and reprograms the timer
	if handler != nil {
		handler()
	}

	t.mu.Lock()
	t.inISR = false
	if t.running {
		t.arm()
	}
	t.mu.Unlock()
}
