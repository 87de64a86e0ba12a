package sim

import (
	"errors"
	"sync"

	"hybridpwm/core"
)

// ErrFrequencyRange is returned for frequencies the timer cannot divide to.
var ErrFrequencyRange = errors.New("frequency out of range")

// ChannelState is what a PWMTimer channel was last programmed with.
type ChannelState struct {
	Mode    core.ChannelMode
	Pin     core.Pin
	Compare uint32
	Bits    uint8
}

// Duty returns the duty the compare value produces.
func (c ChannelState) Duty() float64 {
	if c.Mode != core.ChannelPWM || c.Bits == 0 {
		return 0
	}
	return float64(c.Compare) / float64(uint32(1)<<c.Bits-1)
}

// PWMTimer simulates a compare-output timer with four channels sharing one
// counter. It implements core.PWMTimer.
type PWMTimer struct {
	mu       sync.Mutex
	name     string
	clockHz  uint32
	freq     uint32
	running  bool
	channels map[uint8]*ChannelState

	// Pauses counts Pause calls, for glitch-free update checks.
	Pauses int
}

func NewPWMTimer(name string, clockHz uint32) *PWMTimer {
	return &PWMTimer{name: name, clockHz: clockHz, running: true, channels: make(map[uint8]*ChannelState)}
}

func (t *PWMTimer) channel(ch uint8) *ChannelState {
	c, ok := t.channels[ch]
	if !ok {
		c = &ChannelState{}
		t.channels[ch] = c
	}
	return c
}

func (t *PWMTimer) Pause() {
	t.mu.Lock()
	t.running = false
	t.Pauses++
	t.mu.Unlock()
}

func (t *PWMTimer) Resume() {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
}

func (t *PWMTimer) SetFrequency(hz uint32) error {
	if hz == 0 || hz > t.clockHz/2 {
		return ErrFrequencyRange
	}
	t.mu.Lock()
	t.freq = hz
	t.mu.Unlock()
	return nil
}

func (t *PWMTimer) SetChannelMode(ch uint8, mode core.ChannelMode, pin core.Pin) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.channel(ch)
	c.Mode = mode
	c.Pin = pin
	if mode == core.ChannelDisabled {
		c.Compare = 0
	}
	return nil
}

func (t *PWMTimer) SetCompare(ch uint8, value uint32, bits uint8) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.channel(ch)
	c.Compare = value
	c.Bits = bits
	return nil
}

func (t *PWMTimer) Name() string { return t.name }

// Frequency returns the programmed frequency.
func (t *PWMTimer) Frequency() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freq
}

// Running reports whether the counter is running.
func (t *PWMTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Channel returns the state of channel ch.
func (t *PWMTimer) Channel(ch uint8) ChannelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.channel(ch)
}

// TimerMap is a static pin to timer channel table. It implements
// core.TimerLookup.
type TimerMap map[core.Pin]core.TimerChannel

func (m TimerMap) LookupTimer(pin core.Pin) (core.TimerChannel, bool) {
	tc, ok := m[pin]
	return tc, ok
}

// Map binds pin to channel ch of timer t.
func (m TimerMap) Map(pin core.Pin, t *PWMTimer, ch uint8) {
	m[pin] = core.TimerChannel{Timer: t, Channel: ch, ClockHz: t.clockHz}
}
