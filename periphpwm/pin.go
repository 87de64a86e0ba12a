// Package periphpwm connects the hybrid PWM core to periph.io on Linux
// hosts: hybrid pins can be handed to periph device drivers as gpio.PinOut,
// and periph GPIO and hardware PWM pins can back the core's drivers.
package periphpwm

import (
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"hybridpwm/core"
)

var _ gpio.PinOut = (*Pin)(nil)

// Pin exposes a hybrid PWM pin as a periph gpio.PinOut.
type Pin struct {
	hp   *core.HybridPin
	name string
}

// NewPin wraps hp. name defaults to the core pin name.
func NewPin(hp *core.HybridPin, name string) *Pin {
	if name == "" {
		name = hp.Pin().String()
	}
	return &Pin{hp: hp, name: name}
}

// PWM sets the duty at f. Frequencies below 1 Hz give a static level.
func (p *Pin) PWM(duty gpio.Duty, f physic.Frequency) error {
	return p.hp.Set(DutyToFloat(duty), FrequencyToHz(f))
}

func (p *Pin) Out(l gpio.Level) error {
	if l == gpio.High {
		return p.hp.Set(1, 0)
	}
	return p.hp.Set(0, 0)
}

// Halt stops the waveform and drives the pin low. The facade stays allocated.
func (p *Pin) Halt() error { return p.hp.Set(0, 0) }

func (p *Pin) Name() string   { return p.name }
func (p *Pin) String() string { return p.name }
func (p *Pin) Number() int    { return int(p.hp.Pin()) }

func (p *Pin) Function() string {
	if p.hp.State().Freq != 0 {
		return "PWM"
	}
	return "Out"
}

// Hybrid returns the wrapped pin.
func (p *Pin) Hybrid() *core.HybridPin { return p.hp }

// DutyToFloat converts a periph duty to 0..1.
func DutyToFloat(d gpio.Duty) float32 {
	if d <= 0 {
		return 0
	}
	if d >= gpio.DutyMax {
		return 1
	}
	return float32(d) / float32(gpio.DutyMax)
}

// FloatToDuty converts 0..1 to a periph duty.
func FloatToDuty(v float32) gpio.Duty {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return gpio.DutyMax
	}
	return gpio.Duty(float64(v)*float64(gpio.DutyMax) + 0.5)
}

// FrequencyToHz rounds f to whole hertz.
func FrequencyToHz(f physic.Frequency) uint32 {
	if f < physic.Hertz/2 {
		return 0
	}
	return uint32((f + physic.Hertz/2) / physic.Hertz)
}
