//go:build rp2040

package main

import (
	"errors"
	"machine"

	"hybridpwm/core"
)

const numSlices = 8

var errSliceChannel = errors.New("pin is not on this PWM slice channel")

// pwmPeripheral abstracts over TinyGo's unexported *pwmGroup type
type pwmPeripheral interface {
	Configure(config machine.PWMConfig) error
	Channel(pin machine.Pin) (uint8, error)
	SetPeriod(period uint64) error
	Top() uint32
	Set(channel uint8, value uint32)
	Enable(enable bool)
}

// SliceTimer is one RP2040 PWM slice as a core.PWMTimer. Its two channels,
// A and B, share the slice counter and therefore the frequency.
//
// GPIO N is on slice (N >> 1) & 7, channel N & 1, so gpio0 and gpio16 both
// sit on slice 0 channel A and cannot run independent waveforms.
type SliceTimer struct {
	num        uint8
	pwm        pwmPeripheral
	configured bool
	pins       [2]machine.Pin
}

func (t *SliceTimer) Name() string {
	return "PWM" + string(rune('0'+t.num))
}

func (t *SliceTimer) Pause() {
	if t.configured {
		t.pwm.Enable(false)
	}
}

func (t *SliceTimer) Resume() {
	if t.configured {
		t.pwm.Enable(true)
	}
}

func (t *SliceTimer) SetFrequency(hz uint32) error {
	if hz == 0 {
		return errors.New("zero frequency")
	}
	period := uint64(1e9) / uint64(hz)
	if !t.configured {
		if err := t.pwm.Configure(machine.PWMConfig{Period: period}); err != nil {
			return err
		}
		t.configured = true
		return nil
	}
	return t.pwm.SetPeriod(period)
}

func (t *SliceTimer) SetChannelMode(ch uint8, mode core.ChannelMode, pin core.Pin) error {
	if ch > 1 || pin >= NumGPIO {
		return errSliceChannel
	}
	p := machine.Pin(pin)
	if mode == core.ChannelDisabled {
		if t.configured {
			t.pwm.Set(ch, 0)
		}
		p.Configure(machine.PinConfig{Mode: machine.PinOutput})
		p.Low()
		return nil
	}
	// Channel switches the pin function to PWM
	got, err := t.pwm.Channel(p)
	if err != nil {
		return err
	}
	if got != ch {
		return errSliceChannel
	}
	t.pins[ch] = p
	return nil
}

// SetCompare scales value to the slice TOP. A level above TOP keeps the
// output high for the whole period, so full scale maps to TOP+1.
func (t *SliceTimer) SetCompare(ch uint8, value uint32, bits uint8) error {
	if ch > 1 {
		return errSliceChannel
	}
	max := uint64(1)<<bits - 1
	if max == 0 {
		max = 1
	}
	level := uint64(value) * (uint64(t.pwm.Top()) + 1) / max
	t.pwm.Set(ch, uint32(level))
	return nil
}

// SliceTimers is the core.TimerLookup for GPIOs on PWM slices.
type SliceTimers [numSlices]*SliceTimer

func NewSliceTimers() *SliceTimers {
	var s SliceTimers
	for i := range s {
		s[i] = &SliceTimer{num: uint8(i), pwm: pwmPeripheralFor(uint8(i))}
	}
	return &s
}

func (s *SliceTimers) LookupTimer(pin core.Pin) (core.TimerChannel, bool) {
	if pin >= NumGPIO {
		return core.TimerChannel{}, false
	}
	slice := (pin >> 1) & 7
	return core.TimerChannel{
		Timer:   s[slice],
		Channel: uint8(pin & 1),
		ClockHz: machine.CPUFrequency(),
	}, true
}

// pwmPeripheralFor returns machine.PWM0-PWM7
func pwmPeripheralFor(slice uint8) pwmPeripheral {
	switch slice {
	case 0:
		return machine.PWM0
	case 1:
		return machine.PWM1
	case 2:
		return machine.PWM2
	case 3:
		return machine.PWM3
	case 4:
		return machine.PWM4
	case 5:
		return machine.PWM5
	case 6:
		return machine.PWM6
	default:
		return machine.PWM7
	}
}
