package periphpwm

import (
	"errors"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"hybridpwm/core"
)

var errChannel = errors.New("periph pin timer has one channel")

// PinTimer is a periph pin with hardware PWM seen as a one-channel
// core.PWMTimer. The waveform is only pushed to the pin when frequency,
// mode and compare are all known, and while not paused.
type PinTimer struct {
	mu      sync.Mutex
	pin     gpio.PinOut
	freq    uint32
	mode    core.ChannelMode
	duty    gpio.Duty
	paused  bool
	pending bool
	err     error
}

func NewPinTimer(pin gpio.PinOut) *PinTimer {
	return &PinTimer{pin: pin}
}

func (t *PinTimer) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

func (t *PinTimer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
	if t.pending {
		t.err = t.apply()
	}
}

// Err returns the error of the last write deferred to Resume.
func (t *PinTimer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *PinTimer) SetFrequency(hz uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freq = hz
	return t.update()
}

func (t *PinTimer) SetChannelMode(ch uint8, mode core.ChannelMode, pin core.Pin) error {
	if ch != 0 {
		return errChannel
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
	if mode == core.ChannelDisabled {
		t.pending = false
		return t.pin.Out(gpio.Low)
	}
	return t.update()
}

func (t *PinTimer) SetCompare(ch uint8, value uint32, bits uint8) error {
	if ch != 0 {
		return errChannel
	}
	max := uint64(1)<<bits - 1
	if bits == 0 {
		max = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.duty = gpio.Duty((uint64(value)*uint64(gpio.DutyMax) + max/2) / max)
	if t.duty > gpio.DutyMax {
		t.duty = gpio.DutyMax
	}
	return t.update()
}

func (t *PinTimer) Name() string { return t.pin.Name() }

func (t *PinTimer) update() error {
	if t.mode != core.ChannelPWM || t.freq == 0 {
		return nil
	}
	if t.paused {
		t.pending = true
		return nil
	}
	return t.apply()
}

func (t *PinTimer) apply() error {
	t.pending = false
	if t.mode != core.ChannelPWM || t.freq == 0 {
		return nil
	}
	return t.pin.PWM(t.duty, physic.Frequency(t.freq)*physic.Hertz)
}

// PWMPins maps core pins to periph pins with hardware PWM. It implements
// core.TimerLookup.
type PWMPins map[core.Pin]*PinTimer

// Add registers p as the hardware PWM of pin.
func (m PWMPins) Add(pin core.Pin, p gpio.PinOut) *PinTimer {
	t := NewPinTimer(p)
	m[pin] = t
	return t
}

func (m PWMPins) LookupTimer(pin core.Pin) (core.TimerChannel, bool) {
	t, ok := m[pin]
	if !ok {
		return core.TimerChannel{}, false
	}
	return core.TimerChannel{Timer: t, Channel: 0}, true
}
