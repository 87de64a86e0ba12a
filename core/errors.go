package core

import "errors"

// Code is a stable error identifier for PWM allocation failures.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK Code = "ok"

	ErrAlreadyAllocated                 Code = "already_allocated"
	ErrNoFreeFacadeSlot                 Code = "no_free_facade_slot"
	ErrNoHardwareChannel                Code = "no_hardware_channel"
	ErrChannelInUse                     Code = "channel_in_use"
	ErrChannelInUseAtDifferentFrequency Code = "channel_in_use_at_different_frequency"
	ErrNoFreeSoftwareSlot               Code = "no_free_software_slot"
	ErrNoSoftwareTimer                  Code = "no_software_timer"
	ErrNotAllocated                     Code = "not_allocated"
	ErrInvalidPin                       Code = "invalid_pin"
	ErrPinNotInterruptSafe              Code = "pin_not_interrupt_safe"

	ErrUnknown Code = "error"
)

// wireCodes fixes the numbering reported to the host in hybrid_pwm_state.
var wireCodes = [...]Code{
	OK,
	ErrAlreadyAllocated,
	ErrNoFreeFacadeSlot,
	ErrNoHardwareChannel,
	ErrChannelInUse,
	ErrChannelInUseAtDifferentFrequency,
	ErrNoFreeSoftwareSlot,
	ErrNoSoftwareTimer,
	ErrNotAllocated,
	ErrInvalidPin,
	ErrPinNotInterruptSafe,
	ErrUnknown,
}

// Number returns the wire number of the code.
func (c Code) Number() uint8 {
	for i, wc := range wireCodes {
		if wc == c {
			return uint8(i)
		}
	}
	return uint8(len(wireCodes) - 1)
}

// CodeFromNumber is the inverse of Code.Number.
func CodeFromNumber(n uint8) Code {
	if int(n) < len(wireCodes) {
		return wireCodes[n]
	}
	return ErrUnknown
}

// PinError keeps the operation and pin alongside the code.
type PinError struct {
	C   Code
	Op  string
	Pin Pin
	Err error
}

func (e *PinError) Error() string {
	msg := e.Op + " " + e.Pin.String() + ": " + string(e.C)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PinError) Unwrap() error { return e.Err }
func (e *PinError) Code() Code    { return e.C }

// Is lets errors.Is(err, ErrX) match on the code.
func (e *PinError) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

func pinErr(c Code, op string, pin Pin) error {
	return &PinError{C: c, Op: op, Pin: pin}
}

// CodeOf extracts a Code from an error, defaulting to ErrUnknown.
// For joined errors the last coded error wins; the allocation policy joins
// the hardware reason before the software one.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		for i := len(errs) - 1; i >= 0; i-- {
			if c := CodeOf(errs[i]); c != ErrUnknown && c != OK {
				return c
			}
		}
		return ErrUnknown
	}
	var pe *PinError
	if errors.As(err, &pe) {
		return pe.C
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return ErrUnknown
}
