// Package expander drives PCA9685 16-channel PWM expanders over I2C.
//
// A Device is a core.PWMTimer: all sixteen outputs share one prescaler, so
// the hardware PWM backend treats it like any other timer whose channels
// must agree on a frequency. Its outputs appear as pins numbered from
// core.ExpanderPinBase upwards.
package expander

import (
	"errors"
	"sync"
	"time"

	"tinygo.org/x/drivers"

	"hybridpwm/core"
)

// Registers
const (
	regMode1    = 0x00
	regMode2    = 0x01
	regLED0     = 0x06
	regAllLED   = 0xFA
	regPrescale = 0xFE
)

// MODE1 / MODE2 bits
const (
	mode1Restart = 0x80
	mode1AI      = 0x20
	mode1Sleep   = 0x10
	mode2OutDrv  = 0x04

	// full on / full off flag in LEDn_ON_H and LEDn_OFF_H
	ledFull = 0x10
)

const (
	Channels       = 16
	OscillatorHz   = 25000000
	ResolutionBits = 12
	DefaultAddress = 0x40

	minPrescale = 3
	maxPrescale = 255

	// oscillator start-up after leaving sleep
	wakeDelay = 500 * time.Microsecond
)

var (
	ErrFrequencyRange = errors.New("pca9685: frequency out of range")
	ErrChannel        = errors.New("pca9685: no such channel")
)

// Device is one PCA9685 on a bus.
type Device struct {
	mu    sync.Mutex
	bus   drivers.I2C
	addr  uint16
	name  string
	first core.Pin

	prescale uint8
	modes    [Channels]core.ChannelMode

	// LEDn_ON_L, LEDn_ON_H, LEDn_OFF_L, LEDn_OFF_H as last programmed
	led    [Channels][4]byte
	paused bool
	dirty  uint16
	err    error

	w [1 + 4*Channels]byte
}

// New returns a driver for the chip at addr whose channel 0 is pin first.
// Nothing is written until Configure.
func New(bus drivers.I2C, addr uint16, first core.Pin, name string) *Device {
	if addr == 0 {
		addr = DefaultAddress
	}
	if name == "" {
		name = "pca9685"
	}
	d := &Device{bus: bus, addr: addr, name: name, first: first}
	for ch := range d.led {
		d.led[ch] = [4]byte{0, 0, 0, ledFull}
	}
	return d
}

// Configure resets the chip to totem-pole outputs, all channels off, running
// at freq.
func (d *Device) Configure(freq uint32) error {
	p, err := prescaleFor(freq)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeReg(regMode1, mode1AI|mode1Sleep); err != nil {
		return err
	}
	if err := d.writeReg(regMode2, mode2OutDrv); err != nil {
		return err
	}
	d.w[0] = regAllLED
	d.w[1], d.w[2], d.w[3], d.w[4] = 0, 0, 0, ledFull
	if err := d.bus.Tx(d.addr, d.w[:5], nil); err != nil {
		return err
	}
	for ch := range d.led {
		d.led[ch] = [4]byte{0, 0, 0, ledFull}
		d.modes[ch] = core.ChannelDisabled
	}
	d.dirty = 0
	d.prescale = 0
	return d.setPrescale(p)
}

// prescaleFor returns round(osc / (4096 * freq)) - 1.
func prescaleFor(freq uint32) (uint8, error) {
	if freq == 0 {
		return 0, ErrFrequencyRange
	}
	div := uint64(4096) * uint64(freq)
	p := (uint64(OscillatorHz)+div/2)/div - 1
	if p < minPrescale || p > maxPrescale {
		return 0, ErrFrequencyRange
	}
	return uint8(p), nil
}

// setPrescale can only be written while the oscillator sleeps.
func (d *Device) setPrescale(p uint8) error {
	if p == d.prescale {
		return nil
	}
	if err := d.writeReg(regMode1, mode1AI|mode1Sleep); err != nil {
		return err
	}
	if err := d.writeReg(regPrescale, p); err != nil {
		return err
	}
	if err := d.writeReg(regMode1, mode1AI); err != nil {
		return err
	}
	time.Sleep(wakeDelay)
	if err := d.writeReg(regMode1, mode1AI|mode1Restart); err != nil {
		return err
	}
	d.prescale = p
	return nil
}

func (d *Device) writeReg(reg, val byte) error {
	d.w[0] = reg
	d.w[1] = val
	return d.bus.Tx(d.addr, d.w[:2], nil)
}

// Frequency returns the output frequency the prescaler produces.
func (d *Device) Frequency() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.prescale == 0 {
		return 0
	}
	return OscillatorHz / (4096 * (uint32(d.prescale) + 1))
}

// Address returns the 7-bit bus address.
func (d *Device) Address() uint16 { return d.addr }

// Pin returns the pin number of channel ch.
func (d *Device) Pin(ch uint8) core.Pin { return d.first + core.Pin(ch) }

// Owns reports whether pin is one of this chip's outputs.
func (d *Device) Owns(pin core.Pin) bool {
	return pin >= d.first && pin < d.first+Channels
}

// LookupTimer implements core.TimerLookup for the chip's own pins.
func (d *Device) LookupTimer(pin core.Pin) (core.TimerChannel, bool) {
	if !d.Owns(pin) {
		return core.TimerChannel{}, false
	}
	return core.TimerChannel{Timer: d, Channel: uint8(pin - d.first), ClockHz: OscillatorHz}, true
}

// Pause holds register writes back until Resume, which sends them in one
// auto-increment burst. Outputs change together on the STOP condition.
func (d *Device) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

func (d *Device) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	if err := d.flush(); err != nil {
		d.err = err
	}
}

// Err returns and clears the last error of a deferred write.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.err
	d.err = nil
	return err
}

func (d *Device) SetFrequency(hz uint32) error {
	p, err := prescaleFor(hz)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setPrescale(p)
}

func (d *Device) SetChannelMode(ch uint8, mode core.ChannelMode, pin core.Pin) error {
	if ch >= Channels {
		return ErrChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modes[ch] = mode
	if mode == core.ChannelDisabled {
		return d.program(ch, [4]byte{0, 0, 0, ledFull})
	}
	return nil
}

func (d *Device) SetCompare(ch uint8, value uint32, bits uint8) error {
	if ch >= Channels {
		return ErrChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.modes[ch] != core.ChannelPWM {
		return nil
	}
	return d.program(ch, ledRegisters(value, bits))
}

// SetLevel drives a channel fully on or off, outside PWM mode.
func (d *Device) SetLevel(ch uint8, high bool) error {
	if ch >= Channels {
		return ErrChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modes[ch] = core.ChannelDisabled
	if high {
		return d.program(ch, [4]byte{0, ledFull, 0, 0})
	}
	return d.program(ch, [4]byte{0, 0, 0, ledFull})
}

func (d *Device) Name() string { return d.name }

// Duty returns the duty channel ch was last programmed with.
func (d *Device) Duty(ch uint8) float32 {
	if ch >= Channels {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return ledDuty(d.led[ch])
}

// ledRegisters scales value from bits to the chip's 12-bit counter. The
// output rises at count 0 and falls at the scaled value; the ends of the
// range use the full on / full off flags.
func ledRegisters(value uint32, bits uint8) [4]byte {
	max := uint64(1)<<bits - 1
	if bits == 0 || value == 0 {
		return [4]byte{0, 0, 0, ledFull}
	}
	if uint64(value) >= max {
		return [4]byte{0, ledFull, 0, 0}
	}
	off := (uint64(value)*4095 + max/2) / max
	if off == 0 {
		return [4]byte{0, 0, 0, ledFull}
	}
	return [4]byte{0, 0, byte(off), byte(off >> 8)}
}

func ledDuty(r [4]byte) float32 {
	switch {
	case r[3]&ledFull != 0:
		return 0
	case r[1]&ledFull != 0:
		return 1
	}
	on := uint32(r[0]) | uint32(r[1]&0x0F)<<8
	off := uint32(r[2]) | uint32(r[3]&0x0F)<<8
	return float32((off-on)&0xFFF) / 4096
}

// program updates one channel, immediately unless paused.
func (d *Device) program(ch uint8, regs [4]byte) error {
	d.led[ch] = regs
	d.dirty |= 1 << ch
	if d.paused {
		return nil
	}
	return d.flush()
}

// flush writes every dirty channel from the lowest to the highest in one
// transaction, rewriting clean channels in between with their current value.
func (d *Device) flush() error {
	if d.dirty == 0 {
		return nil
	}
	lo, hi := -1, 0
	for ch := 0; ch < Channels; ch++ {
		if d.dirty&(1<<ch) != 0 {
			if lo < 0 {
				lo = ch
			}
			hi = ch
		}
	}
	d.w[0] = regLED0 + 4*byte(lo)
	n := 1
	for ch := lo; ch <= hi; ch++ {
		n += copy(d.w[n:], d.led[ch][:])
	}
	d.dirty = 0
	return d.bus.Tx(d.addr, d.w[:n], nil)
}
