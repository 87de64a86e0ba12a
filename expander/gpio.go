package expander

import (
	"tinygo.org/x/drivers"

	"hybridpwm/config"
	"hybridpwm/core"
)

// Devices is a set of expanders on one bus.
type Devices []*Device

// FromConfig creates and configures one Device per entry.
func FromConfig(bus drivers.I2C, cfgs []config.ExpanderConfig) (Devices, error) {
	devs := make(Devices, 0, len(cfgs))
	for _, c := range cfgs {
		d := New(bus, c.Address, core.ExpanderPinBase+core.Pin(c.FirstChannel), c.Name)
		if err := d.Configure(c.Frequency); err != nil {
			return nil, &core.PinError{C: core.ErrInvalidPin, Op: "configure " + d.Name(), Pin: d.Pin(0), Err: err}
		}
		devs = append(devs, d)
	}
	return devs, nil
}

// Find returns the expander owning pin.
func (ds Devices) Find(pin core.Pin) (*Device, uint8, bool) {
	for _, d := range ds {
		if d.Owns(pin) {
			return d, uint8(pin - d.first), true
		}
	}
	return nil, 0, false
}

func (ds Devices) LookupTimer(pin core.Pin) (core.TimerChannel, bool) {
	if d, _, ok := ds.Find(pin); ok {
		return d.LookupTimer(pin)
	}
	return core.TimerChannel{}, false
}

// Router is a core.GPIODriver that sends expander pins to their chip (full
// on / full off) and everything else to Native.
//
// FastWrite on an expander pin is an I2C transaction, so InterruptSafe keeps
// expander pins off the software scheduler.
type Router struct {
	Native  core.GPIODriver
	Devices Devices
}

func (r *Router) ConfigureOutput(pin core.Pin, high bool) error {
	if pin >= core.ExpanderPinBase {
		d, ch, ok := r.Devices.Find(pin)
		if !ok {
			return &core.PinError{C: core.ErrInvalidPin, Op: "configure output", Pin: pin}
		}
		return d.SetLevel(ch, high)
	}
	if r.Native == nil {
		return &core.PinError{C: core.ErrInvalidPin, Op: "configure output", Pin: pin}
	}
	return r.Native.ConfigureOutput(pin, high)
}

func (r *Router) FastWrite(pin core.Pin, high bool) {
	if pin >= core.ExpanderPinBase {
		if d, ch, ok := r.Devices.Find(pin); ok {
			_ = d.SetLevel(ch, high)
		}
		return
	}
	if r.Native != nil {
		r.Native.FastWrite(pin, high)
	}
}

// InterruptSafe is false for expander pins and otherwise defers to Native.
func (r *Router) InterruptSafe(pin core.Pin) bool {
	if pin >= core.ExpanderPinBase || r.Native == nil {
		return false
	}
	if s, ok := r.Native.(core.InterruptSafeGPIO); ok {
		return s.InterruptSafe(pin)
	}
	return true
}
