package periphpwm

import (
	"hybridpwm/core"
)

// LocalOptions describes the PWM resources of the host itself.
type LocalOptions struct {
	// PWMPins have a hardware PWM function in the periph host driver.
	PWMPins []core.Pin

	// Software runs the scheduler on a TickerTimer for the other pins.
	Software bool

	TickRate                uint32
	MinimumInterruptDeltaUS uint32
}

// NewLocal initializes the periph host drivers and builds a controller over
// the host's own pins.
func NewLocal(opts LocalOptions) (*core.HybridPWM, error) {
	d, err := NewGPIODriver()
	if err != nil {
		return nil, err
	}
	return newLocal(d, opts)
}

func newLocal(d *GPIODriver, opts LocalOptions) (*core.HybridPWM, error) {
	lookup := PWMPins{}
	for _, pin := range opts.PWMPins {
		p, err := d.Resolve(pin)
		if err != nil {
			return nil, err
		}
		lookup.Add(pin, p)
	}
	o := core.Options{
		GPIO:                    d,
		Lookup:                  lookup,
		TickRate:                opts.TickRate,
		MinimumInterruptDeltaUS: opts.MinimumInterruptDeltaUS,
	}
	if opts.Software {
		o.Timer = NewTickerTimer()
	}
	return core.NewHybridPWM(o), nil
}
