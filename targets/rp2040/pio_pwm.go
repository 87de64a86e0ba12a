//go:build rp2040

package main

import (
	"errors"
	"machine"

	pio "github.com/tinygo-org/pio/rp2-pio"

	"hybridpwm/core"
)

// PIO PWM program. The counter Y runs down from the period held in ISR;
// the pin goes low when a new period starts and high once Y meets the level
// in X, so the high time is level counts. A level no count can reach keeps
// the pin low.
//
//	.side_set 1 opt
//	    pull noblock    side 0
//	    mov x, osr
//	    mov y, isr
//	countloop:
//	    jmp x!=y noset
//	    jmp skip        side 1
//	noset:
//	    nop
//	skip:
//	    jmp y-- countloop
var pwmInstructions = []uint16{
	0x9080, // pull noblock side 0
	0xa027, // mov x, osr
	0xa046, // mov y, isr
	0x00a5, // jmp x!=y, 5
	0x1806, // jmp 6 side 1
	0xa042, // nop
	0x0083, // jmp y--, 3
}

const (
	pwmOrigin     = -1
	pwmWrapTarget = 0
	pwmWrap       = 6

	// instructions executed outside the count loop
	pwmOverhead = 3
	// instructions per count
	pwmPerCount = 3

	pioTop    = 1<<12 - 1
	pioLevel0 = 0xFFFFFFFF

	instrPullBlock = 0x80a0 // pull block
	instrOutISR    = 0x60c0 // out isr, 32
)

var errPIOChannel = errors.New("PIO PWM has one channel")

// pioPWMPins get a PIO state machine each. They share slice channels with
// gpio0-gpio10, so without PIO they could never run at their own frequency.
var pioPWMPins = [...]core.Pin{16, 17, 18, 19, 20, 21, 22, 26}

// programOffsets holds the program offset plus one per PIO block.
var programOffsets [2]uint8

func pwmProgramDefaultConfig(offset uint8) pio.StateMachineConfig {
	cfg := pio.DefaultStateMachineConfig()
	cfg.SetWrap(offset+pwmWrap, offset+pwmWrapTarget)
	cfg.SetSidesetParams(2, true, false)
	return cfg
}

// PIOTimer is a PIO state machine running the PWM program, seen as a
// one-channel core.PWMTimer. Every state machine has its own clock divider,
// so PIO pins never share a frequency.
type PIOTimer struct {
	block   uint8
	sm      pio.StateMachine
	pin     machine.Pin
	offset  uint8
	running bool
	name    string
}

func newPIOTimer(block, smNum uint8) *PIOTimer {
	hw := pio.PIO0
	if block == 1 {
		hw = pio.PIO1
	}
	return &PIOTimer{
		block: block,
		sm:    hw.StateMachine(smNum),
		name:  "PIO" + string(rune('0'+block)) + ".SM" + string(rune('0'+smNum)),
	}
}

func (t *PIOTimer) Name() string { return t.name }

func (t *PIOTimer) Pause() {
	if t.running {
		t.sm.SetEnabled(false)
	}
}

func (t *PIOTimer) Resume() {
	if t.running {
		t.sm.SetEnabled(true)
	}
}

func (t *PIOTimer) load() (uint8, error) {
	if off := programOffsets[t.block]; off != 0 {
		return off - 1, nil
	}
	off, err := t.sm.PIO().AddProgram(pwmInstructions, pwmOrigin)
	if err != nil {
		return 0, err
	}
	programOffsets[t.block] = off + 1
	return off, nil
}

func (t *PIOTimer) SetChannelMode(ch uint8, mode core.ChannelMode, pin core.Pin) error {
	if ch != 0 {
		return errPIOChannel
	}
	p := machine.Pin(pin)
	if mode == core.ChannelDisabled {
		t.sm.SetEnabled(false)
		t.running = false
		p.Configure(machine.PinConfig{Mode: machine.PinOutput})
		p.Low()
		return nil
	}

	t.sm.TryClaim()
	offset, err := t.load()
	if err != nil {
		return err
	}
	t.offset = offset
	t.pin = p

	p.Configure(machine.PinConfig{Mode: t.sm.PIO().PinMode()})
	cfg := pwmProgramDefaultConfig(offset)
	cfg.SetSidesetPins(p)
	t.sm.Init(offset, cfg)
	t.sm.SetPindirsConsecutive(p, 1, true)

	// load the period into ISR
	t.sm.TxPut(pioTop)
	t.sm.Exec(instrPullBlock)
	t.sm.Exec(instrOutISR)
	t.sm.TxPut(pioLevel0)
	t.running = true
	return nil
}

func (t *PIOTimer) SetFrequency(hz uint32) error {
	if hz == 0 {
		return errors.New("zero frequency")
	}
	cycles := uint64(hz) * (pwmPerCount*(pioTop+1) + pwmOverhead)
	if cycles > uint64(machine.CPUFrequency()) {
		return errors.New("frequency above PIO PWM range")
	}
	whole, frac, err := pio.ClkDivFromFrequency(uint32(cycles), machine.CPUFrequency())
	if err != nil {
		return err
	}
	t.sm.SetClkDiv(whole, frac)
	return nil
}

func (t *PIOTimer) SetCompare(ch uint8, value uint32, bits uint8) error {
	if ch != 0 {
		return errPIOChannel
	}
	level := uint32(pioLevel0)
	if value > 0 {
		max := uint64(1)<<bits - 1
		if max == 0 {
			max = 1
		}
		level = uint32(uint64(value) * pioTop / max)
	}
	// the program pulls once per period, drop levels still queued
	t.sm.ClearFIFOs()
	t.sm.TxPut(level)
	return nil
}

// PIOTimers is the core.TimerLookup for pioPWMPins.
type PIOTimers map[core.Pin]*PIOTimer

func NewPIOTimers() PIOTimers {
	m := make(PIOTimers, len(pioPWMPins))
	for i, pin := range pioPWMPins {
		m[pin] = newPIOTimer(uint8(i/4), uint8(i%4))
	}
	return m
}

func (m PIOTimers) LookupTimer(pin core.Pin) (core.TimerChannel, bool) {
	t, ok := m[pin]
	if !ok {
		return core.TimerChannel{}, false
	}
	return core.TimerChannel{Timer: t, Channel: 0, ClockHz: machine.CPUFrequency()}, true
}
