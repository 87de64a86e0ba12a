//go:build rp2040

package main

import (
	"machine"

	"hybridpwm/core"
)

// NumGPIO is the number of user GPIOs on the RP2040.
const NumGPIO = 30

// RPGPIODriver implements core.GPIODriver over machine.Pin. Expander pins
// are routed elsewhere, see expander.Router.
type RPGPIODriver struct {
	configured [NumGPIO]bool
}

func NewRPGPIODriver() *RPGPIODriver {
	return &RPGPIODriver{}
}

// ConfigureOutput switches the pin back to SIO, which also takes it away
// from a PWM slice or PIO block.
func (d *RPGPIODriver) ConfigureOutput(pin core.Pin, high bool) error {
	if pin >= NumGPIO {
		return &core.PinError{C: core.ErrInvalidPin, Op: "configure", Pin: pin}
	}
	p := machine.Pin(pin)
	p.Configure(machine.PinConfig{Mode: machine.PinOutput})
	p.Set(high)
	d.configured[pin] = true
	return nil
}

// FastWrite is a single SIO register write, safe from the alarm interrupt.
func (d *RPGPIODriver) FastWrite(pin core.Pin, high bool) {
	if pin < NumGPIO {
		machine.Pin(pin).Set(high)
	}
}

// registerRP2040Pins registers the pin enumeration: gpio0-gpio29, then the
// expander channels at their virtual pin numbers.
func registerRP2040Pins(expanderPins []core.Pin) {
	n := NumGPIO
	for _, p := range expanderPins {
		if int(p)+1 > n {
			n = int(p) + 1
		}
	}
	pinNames := make([]string, n)
	for i := 0; i < NumGPIO; i++ {
		pinNames[i] = core.Pin(i).String()
	}
	for _, p := range expanderPins {
		pinNames[p] = p.String()
	}
	core.RegisterEnumeration("pin", pinNames)
}
