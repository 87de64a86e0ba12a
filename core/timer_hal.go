package core

// Timer is the free-running reload timer owned by the software PWM scheduler.
//
// The counter counts up at ClockFrequency()/prescaler. When it reaches the
// programmed period it reloads to zero and raises the attached interrupt.
// All methods except AttachInterrupt may be called from the interrupt handler.
type Timer interface {
	Pause()
	Resume()

	// SetPrescaler sets the clock divider so one counter tick is 1/tickRate seconds.
	SetPrescaler(div uint32)

	// SetPeriod programs the reload value in counter ticks.
	SetPeriod(ticks uint32)

	SetCount(ticks uint32)
	Count() uint32

	// ClockFrequency returns the timer input clock before the prescaler.
	ClockFrequency() uint32

	AttachInterrupt(handler func())
}

// ChannelMode selects what a compare channel of a PWMTimer does.
type ChannelMode uint8

const (
	ChannelDisabled ChannelMode = iota
	ChannelPWM
)

// PWMTimer is a hardware timer with compare-output channels. All channels of
// one timer share its counter, so they share one PWM frequency.
type PWMTimer interface {
	Pause()
	Resume()

	// SetFrequency sets the counter period so the timer overflows hz times a second.
	SetFrequency(hz uint32) error

	// SetChannelMode routes the channel to pin in the given mode.
	SetChannelMode(channel uint8, mode ChannelMode, pin Pin) error

	// SetCompare writes the compare register. value is expressed at
	// resolutionBits and scaled by the driver to its native range.
	SetCompare(channel uint8, value uint32, resolutionBits uint8) error

	// Name identifies the timer in status reports.
	Name() string
}

// TimerChannel is the result of a hardware capability lookup for a pin.
type TimerChannel struct {
	Timer   PWMTimer
	Channel uint8
	ClockHz uint32
}

// TimerLookup maps a pin to the timer channel that can drive it.
type TimerLookup interface {
	LookupTimer(pin Pin) (TimerChannel, bool)
}

// TimerLookups chains several lookups, first match wins.
type TimerLookups []TimerLookup

func (l TimerLookups) LookupTimer(pin Pin) (TimerChannel, bool) {
	for _, lookup := range l {
		if lookup == nil {
			continue
		}
		if tc, ok := lookup.LookupTimer(pin); ok {
			return tc, true
		}
	}
	return TimerChannel{}, false
}
