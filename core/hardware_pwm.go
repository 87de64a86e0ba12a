package core

// MaxHardwareChannels bounds the number of timer channels in use at once.
const MaxHardwareChannels = 16

// HardwareChannel is a claimed compare channel of a hardware timer.
type HardwareChannel struct {
	owner   *HardwarePWM
	index   uint8
	timer   PWMTimer
	channel uint8
	freq    uint32
	pin     Pin
}

// HardwarePWM tracks which timer channels are bound to which pins. The table
// is changed inside critical sections; SetValue only touches the channel's
// own compare register and needs no locking.
type HardwarePWM struct {
	lookup     TimerLookup
	resolution uint8
	chans      [MaxHardwareChannels]HardwareChannel
}

// NewHardwarePWM creates the backend. resolutionBits is the precision used
// for compare values handed to timers.
func NewHardwarePWM(lookup TimerLookup, resolutionBits uint8) *HardwarePWM {
	h := &HardwarePWM{lookup: lookup, resolution: resolutionBits}
	for i := range h.chans {
		h.chans[i].owner = h
		h.chans[i].index = uint8(i)
		h.chans[i].pin = NoPin
	}
	return h
}

// Allocate binds pin to its timer channel running at freq. A zero freq claims
// the channel without starting a waveform.
func (h *HardwarePWM) Allocate(pin Pin, freq uint32, duty float32) (*HardwareChannel, error) {
	if h.lookup == nil {
		return nil, pinErr(ErrNoHardwareChannel, "hardware allocate", pin)
	}
	tc, ok := h.lookup.LookupTimer(pin)
	if !ok || tc.Timer == nil {
		return nil, pinErr(ErrNoHardwareChannel, "hardware allocate", pin)
	}

	state := disableInterrupts()
	free := -1
	for i := range h.chans {
		c := &h.chans[i]
		if c.timer != nil && c.timer == tc.Timer {
			if c.channel == tc.Channel {
				restoreInterrupts(state)
				return nil, pinErr(ErrChannelInUse, "hardware allocate", pin)
			}
			if c.freq != freq {
				restoreInterrupts(state)
				return nil, pinErr(ErrChannelInUseAtDifferentFrequency, "hardware allocate", pin)
			}
		}
		if free < 0 && c.timer == nil {
			free = i
		}
	}
	if free < 0 {
		restoreInterrupts(state)
		return nil, pinErr(ErrNoHardwareChannel, "hardware allocate", pin)
	}
	c := &h.chans[free]
	c.timer = tc.Timer
	c.channel = tc.Channel
	c.freq = freq
	c.pin = pin
	recordTiming(EvtHWClaim, c.index, 0, uint32(pin), freq)
	restoreInterrupts(state)

	if freq != 0 {
		if err := c.start(duty); err != nil {
			c.release()
			return nil, &PinError{C: ErrNoHardwareChannel, Op: "hardware allocate", Pin: pin, Err: err}
		}
	}
	return c, nil
}

func (c *HardwareChannel) start(duty float32) error {
	c.timer.Pause()
	defer c.timer.Resume()
	if err := c.timer.SetChannelMode(c.channel, ChannelPWM, c.pin); err != nil {
		return err
	}
	if err := c.timer.SetFrequency(c.freq); err != nil {
		return err
	}
	return c.timer.SetCompare(c.channel, compareValue(duty, c.owner.resolution), c.owner.resolution)
}

// compareValue converts a duty to a compare register value at the given
// resolution: round(clamp(duty) * (2^bits - 1)).
func compareValue(duty float32, bits uint8) uint32 {
	if duty < 0 {
		duty = 0
	} else if duty > 1 {
		duty = 1
	}
	max := uint32(1)<<bits - 1
	return uint32(duty*float32(max) + 0.5)
}

// SetValue rewrites the compare register. The counter keeps running, compare
// hardware picks the new value up at the next period.
func (c *HardwareChannel) SetValue(duty float32) error {
	if c.timer == nil {
		return pinErr(ErrNotAllocated, "hardware set", c.pin)
	}
	if c.freq == 0 {
		return nil
	}
	return c.timer.SetCompare(c.channel, compareValue(duty, c.owner.resolution), c.owner.resolution)
}

// Free disables the channel output and clears the binding.
func (c *HardwareChannel) Free() {
	if c.timer == nil {
		return
	}
	if c.freq != 0 {
		c.timer.Pause()
		_ = c.timer.SetChannelMode(c.channel, ChannelDisabled, c.pin)
		c.timer.Resume()
	}
	c.release()
}

func (c *HardwareChannel) release() {
	state := disableInterrupts()
	recordTiming(EvtHWRelease, c.index, 0, uint32(c.pin), 0)
	c.timer = nil
	c.channel = 0
	c.freq = 0
	c.pin = NoPin
	restoreInterrupts(state)
}

// Pin returns the pin bound to the channel.
func (c *HardwareChannel) Pin() Pin { return c.pin }

// Channel returns the timer and channel number.
func (c *HardwareChannel) Channel() (PWMTimer, uint8) { return c.timer, c.channel }

// AppendStatus appends " tim NAME chan N".
func (c *HardwareChannel) AppendStatus(buf []byte) []byte {
	if c.timer == nil {
		return buf
	}
	buf = append(buf, " tim "...)
	buf = append(buf, c.timer.Name()...)
	buf = append(buf, " chan "...)
	return appendUint(buf, uint32(c.channel))
}

// InUse reports how many channels are currently bound.
func (h *HardwarePWM) InUse() int {
	state := disableInterrupts()
	n := 0
	for i := range h.chans {
		if h.chans[i].timer != nil {
			n++
		}
	}
	restoreInterrupts(state)
	return n
}
