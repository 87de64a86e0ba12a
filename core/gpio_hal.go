package core

// Pin identifies a physical output pin. Target code decides the numbering;
// on the RP2040 it is the GPIO number, expander pins live above ExpanderPinBase.
type Pin uint32

// NoPin marks an unused facade slot.
const NoPin Pin = 0xFFFFFFFF

// ExpanderPinBase is the first pin number handed to I2C PWM expander channels.
const ExpanderPinBase Pin = 0x100

// String returns the pin name used in status reports and the pin enumeration.
func (p Pin) String() string {
	switch {
	case p == NoPin:
		return "none"
	case p >= ExpanderPinBase:
		return "exp" + utoa(uint32(p-ExpanderPinBase))
	default:
		return "gpio" + utoa(uint32(p))
	}
}

// GPIODriver is the digital output interface the PWM code drives pins through.
// Platform-specific implementations handle actual hardware control.
type GPIODriver interface {
	// ConfigureOutput switches a pin to a push-pull output at the given level.
	// This is the slow path used for static levels and when a backend is released.
	ConfigureOutput(pin Pin, high bool) error

	// FastWrite changes the level of a pin already configured as an output.
	// It must be safe to call from interrupt context and must not allocate.
	FastWrite(pin Pin, high bool)
}

// InterruptSafeGPIO is implemented by drivers that have pins FastWrite cannot
// reach from interrupt context, such as channels of an I2C expander. The
// software scheduler refuses such pins; drivers without the method are
// taken to be safe for every pin.
type InterruptSafeGPIO interface {
	InterruptSafe(pin Pin) bool
}

// interruptSafe reports whether the scheduler ISR may toggle pin through g.
func interruptSafe(g GPIODriver, pin Pin) bool {
	if s, ok := g.(InterruptSafeGPIO); ok {
		return s.InterruptSafe(pin)
	}
	return true
}
