package core

import (
	"errors"
	"sync"
)

// MaxPWMPins is the size of the pin facade pool.
const MaxPWMPins = 16

// DefaultCompareResolutionBits is the precision of hardware compare values.
const DefaultCompareResolutionBits = 12

// valueUnset forces the next Set to write the pin even if the duty is unchanged.
const valueUnset float32 = -1

// BackendKind tells which backend serves a pin.
type BackendKind uint8

const (
	BackendNone BackendKind = iota
	BackendHardware
	BackendSoftware
)

func (k BackendKind) String() string {
	switch k {
	case BackendHardware:
		return "hardware"
	case BackendSoftware:
		return "software"
	default:
		return "none"
	}
}

// backend is the closed set of PWM backends a pin can hold.
type backend struct {
	kind BackendKind
	hw   *HardwareChannel
	sw   *SoftwarePWM
}

func (b backend) setValue(duty float32) error {
	switch b.kind {
	case BackendHardware:
		return b.hw.SetValue(duty)
	case BackendSoftware:
		return b.sw.SetValue(duty)
	}
	return nil
}

func (b backend) free() {
	switch b.kind {
	case BackendHardware:
		b.hw.Free()
	case BackendSoftware:
		b.sw.Free()
	}
}

func (b backend) appendStatus(buf []byte) []byte {
	switch b.kind {
	case BackendHardware:
		return b.hw.AppendStatus(buf)
	case BackendSoftware:
		return b.sw.AppendStatus(buf)
	}
	return buf
}

// Options configures a HybridPWM controller.
type Options struct {
	GPIO GPIODriver

	// Lookup finds the hardware timer channel for a pin. nil disables the
	// hardware backend.
	Lookup TimerLookup

	// Timer drives the software scheduler. nil disables software PWM.
	Timer Timer

	TickRate                uint32
	MinimumInterruptDeltaUS uint32
	MaxTimerTicks           uint32
	CompareResolutionBits   uint8
}

// HybridPWM owns the pin facade pool and both backends.
type HybridPWM struct {
	mu   sync.Mutex
	gpio GPIODriver
	hw   *HardwarePWM
	sw   *Scheduler
	pins [MaxPWMPins]pinSlot
}

// NewHybridPWM creates a controller. Zero option values take the defaults.
func NewHybridPWM(opts Options) *HybridPWM {
	if opts.CompareResolutionBits == 0 {
		opts.CompareResolutionBits = DefaultCompareResolutionBits
	}
	h := &HybridPWM{gpio: opts.GPIO}
	if opts.Lookup != nil {
		h.hw = NewHardwarePWM(opts.Lookup, opts.CompareResolutionBits)
	}
	if opts.Timer != nil {
		h.sw = NewScheduler(opts.Timer, opts.GPIO, SchedulerConfig{
			TickRate:                opts.TickRate,
			MinimumInterruptDeltaUS: opts.MinimumInterruptDeltaUS,
			MaxTimerTicks:           opts.MaxTimerTicks,
		})
	}
	for i := range h.pins {
		h.pins[i] = pinSlot{pin: NoPin, value: valueUnset}
	}
	return h
}

// Scheduler returns the software scheduler, nil without a timer.
func (h *HybridPWM) Scheduler() *Scheduler { return h.sw }

// Hardware returns the hardware backend, nil without a lookup.
func (h *HybridPWM) Hardware() *HardwarePWM { return h.hw }

// pinSlot is one entry of the facade pool. gen is bumped on every
// allocation so handles from an earlier allocation go stale.
type pinSlot struct {
	pin     Pin
	gen     uint32
	value   float32
	freq    uint32
	backend backend
	lastErr error
}

// HybridPin is the PWM facade of one physical pin. A handle is valid from
// Allocate until Free; afterwards every method reports ErrNotAllocated, even
// once the pool slot serves another pin.
type HybridPin struct {
	ctl  *HybridPWM
	slot *pinSlot
	gen  uint32
}

// live returns the slot while the handle owns it. Callers hold ctl.mu.
func (p *HybridPin) live() *pinSlot {
	if p.slot.pin == NoPin || p.slot.gen != p.gen {
		return nil
	}
	return p.slot
}

func (h *HybridPWM) find(pin Pin) *pinSlot {
	for i := range h.pins {
		if h.pins[i].pin == pin {
			return &h.pins[i]
		}
	}
	return nil
}

// Find returns a handle to the facade of pin, or nil.
func (h *HybridPWM) Find(pin Pin) *HybridPin {
	if pin == NoPin {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.find(pin)
	if s == nil {
		return nil
	}
	return &HybridPin{ctl: h, slot: s, gen: s.gen}
}

// Allocate creates the facade for pin and drives it statically:
// high if initial >= 0.5, low otherwise. No backend is attached until Set is
// called with a non-zero frequency.
func (h *HybridPWM) Allocate(pin Pin, initial float32) (*HybridPin, error) {
	if pin == NoPin {
		return nil, pinErr(ErrInvalidPin, "allocate", pin)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.find(pin) != nil {
		DebugPrintln("[PWM] pin already allocated: " + pin.String())
		return nil, pinErr(ErrAlreadyAllocated, "allocate", pin)
	}
	s := h.find(NoPin)
	if s == nil {
		DebugPrintln("[PWM] no facade free for " + pin.String())
		return nil, pinErr(ErrNoFreeFacadeSlot, "allocate", pin)
	}
	if err := h.gpio.ConfigureOutput(pin, initial >= 0.5); err != nil {
		return nil, &PinError{C: ErrInvalidPin, Op: "allocate", Pin: pin, Err: err}
	}
	s.gen++
	s.pin = pin
	s.value = initial
	s.freq = 0
	s.backend = backend{}
	s.lastErr = nil
	return &HybridPin{ctl: h, slot: s, gen: s.gen}, nil
}

// allocateBackend tries hardware, then software. On failure both reasons
// are returned joined.
func (h *HybridPWM) allocateBackend(pin Pin, freq uint32, duty float32) (backend, error) {
	var hwErr, swErr error
	if h.hw != nil {
		c, err := h.hw.Allocate(pin, freq, duty)
		if err == nil {
			return backend{kind: BackendHardware, hw: c}, nil
		}
		hwErr = err
	} else {
		hwErr = pinErr(ErrNoHardwareChannel, "allocate backend", pin)
	}
	if h.sw != nil {
		w, err := h.sw.Allocate(pin, freq, duty)
		if err == nil {
			return backend{kind: BackendSoftware, sw: w}, nil
		}
		swErr = err
	} else {
		swErr = pinErr(ErrNoSoftwareTimer, "allocate backend", pin)
	}
	return backend{}, errors.Join(hwErr, swErr)
}

// Set applies duty (0..1) at freq Hz. A frequency change releases the backend
// and runs the allocation policy again; frequency 0 means a static output.
// A duty-only change goes to the existing backend. If no backend can be
// found the pin is driven statically and the allocation error is returned.
func (p *HybridPin) Set(duty float32, freq uint32) error {
	h := p.ctl
	h.mu.Lock()
	defer h.mu.Unlock()

	s := p.live()
	if s == nil {
		return pinErr(ErrNotAllocated, "set", NoPin)
	}
	var err error
	if s.freq != freq {
		s.backend.free()
		s.backend = backend{}
		s.value = valueUnset
		if freq != 0 {
			s.backend, err = h.allocateBackend(s.pin, freq, duty)
			if err == nil {
				s.value = duty
			}
		}
		s.freq = freq
		s.lastErr = err
	}
	if s.value != duty {
		if s.backend.kind != BackendNone {
			if e := s.backend.setValue(duty); e != nil {
				err = e
				s.lastErr = e
			}
		} else if e := h.gpio.ConfigureOutput(s.pin, duty >= 0.5); e != nil && err == nil {
			err = e
		}
		s.value = duty
	}
	return err
}

// Free releases the backend, drives the pin low and returns the facade to
// the pool.
func (p *HybridPin) Free() error {
	h := p.ctl
	h.mu.Lock()
	defer h.mu.Unlock()
	s := p.live()
	if s == nil {
		return pinErr(ErrNotAllocated, "free", NoPin)
	}
	return h.free(s)
}

func (h *HybridPWM) free(s *pinSlot) error {
	s.backend.free()
	err := h.gpio.ConfigureOutput(s.pin, false)
	s.pin = NoPin
	s.freq = 0
	s.value = valueUnset
	s.backend = backend{}
	s.lastErr = nil
	return err
}

// FreeAll releases every facade, leaving all pins low.
func (h *HybridPWM) FreeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.pins {
		if h.pins[i].pin != NoPin {
			_ = h.free(&h.pins[i])
		}
	}
}

// PinState is a snapshot of a facade.
type PinState struct {
	Pin     Pin
	Value   float32
	Freq    uint32
	Backend BackendKind
	Err     Code
}

// State returns a snapshot of the facade. A stale handle reports NoPin.
func (p *HybridPin) State() PinState {
	h := p.ctl
	h.mu.Lock()
	defer h.mu.Unlock()
	s := p.live()
	if s == nil {
		return PinState{Pin: NoPin, Value: valueUnset}
	}
	return PinState{
		Pin:     s.pin,
		Value:   s.value,
		Freq:    s.freq,
		Backend: s.backend.kind,
		Err:     CodeOf(s.lastErr),
	}
}

// Pin returns the facade's pin, NoPin once freed.
func (p *HybridPin) Pin() Pin {
	h := p.ctl
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := p.live(); s != nil {
		return s.pin
	}
	return NoPin
}

// Software returns the software handle while the pin is software driven.
func (p *HybridPin) Software() *SoftwarePWM {
	h := p.ctl
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := p.live(); s != nil {
		return s.backend.sw
	}
	return nil
}

func (s *pinSlot) appendStatus(buf []byte) []byte {
	if s.pin == NoPin {
		return buf
	}
	buf = append(buf, " pin "...)
	buf = append(buf, s.pin.String()...)
	buf = append(buf, " freq "...)
	buf = appendUint(buf, s.freq)
	buf = append(buf, " value "...)
	buf = appendFixed(buf, s.value, 3)
	return s.backend.appendStatus(buf)
}

// Describe reports pin, frequency, duty and backend details.
func (p *HybridPin) Describe() string {
	h := p.ctl
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := p.live(); s != nil {
		return string(s.appendStatus(nil))
	}
	return ""
}

// AppendStatus appends one line per allocated pin.
func (h *HybridPWM) AppendStatus(buf []byte) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.pins {
		if h.pins[i].pin == NoPin {
			continue
		}
		buf = append(buf, "PWM"...)
		buf = h.pins[i].appendStatus(buf)
		buf = append(buf, '\n')
	}
	return buf
}

// Status is AppendStatus as a string.
func (h *HybridPWM) Status() string {
	return string(h.AppendStatus(nil))
}

// Global controller used by the command handlers.
var hybridPWM *HybridPWM

// SetHybridPWM is called by target-specific code to register its controller.
func SetHybridPWM(h *HybridPWM) {
	hybridPWM = h
}

// MustHybridPWM returns the configured controller or panics if missing.
func MustHybridPWM() *HybridPWM {
	if hybridPWM == nil {
		panic("hybrid PWM not configured")
	}
	return hybridPWM
}
