package core

import (
	"sync"
	"sync/atomic"
)

const (
	// MaxPWMChannels is the number of software slots. Every interrupt scans
	// the active part of this table, so it bounds the handler's run time.
	MaxPWMChannels = 8

	DefaultTickRate                = 1000000
	DefaultMinimumInterruptDeltaUS = 50
	DefaultMaxTimerTicks           = 0xFFFF
)

const (
	phaseOn  = 0
	phaseOff = 1
)

// slotTimes.flags bits
const (
	flagBuffer  = 1 << 0 // half of onOff the interrupt reads
	flagPending = 1 << 1 // the other half holds new times
)

// slotISR belongs to the interrupt handler while the slot is enabled.
// Ordinary code only touches it inside a critical section.
type slotISR struct {
	nextEvent uint32
	phase     uint8
}

// slotTimes is the double-buffered (on, off) pair. Ordinary code writes the
// inactive half only while flagPending is clear. The interrupt handler flips
// flagBuffer only by compare-and-swap while flagPending is set, so neither
// side can change the half the other one is using.
type slotTimes struct {
	onOff [2][2]uint32
	flags uint32
}

// reset loads the first buffer. The slot must be disabled.
func (t *slotTimes) reset(on, off uint32) {
	t.onOff[0][0] = on
	t.onOff[0][1] = off
	atomic.StoreUint32(&t.flags, 0)
}

// stage writes new times into the inactive half and marks them pending.
// A pending update that was not yet committed is replaced.
func (t *slotTimes) stage(on, off uint32) {
	var flags uint32
	for {
		flags = atomic.LoadUint32(&t.flags)
		if atomic.CompareAndSwapUint32(&t.flags, flags, flags&^flagPending) {
			break
		}
	}
	next := (flags & flagBuffer) ^ 1
	t.onOff[next][0] = on
	t.onOff[next][1] = off
	atomic.StoreUint32(&t.flags, (flags&flagBuffer)|flagPending)
}

// commit switches to the staged half if there is one. Interrupt context only.
func (t *slotTimes) commit() bool {
	flags := atomic.LoadUint32(&t.flags)
	if flags&flagPending == 0 {
		return false
	}
	return atomic.CompareAndSwapUint32(&t.flags, flags, (flags&flagBuffer)^flagBuffer)
}

func (t *slotTimes) active() *[2]uint32 {
	return &t.onOff[atomic.LoadUint32(&t.flags)&flagBuffer]
}

type pwmSlot struct {
	pin     Pin
	enabled bool // changed in critical sections only
	isr     slotISR
	times   slotTimes
}

// SchedulerConfig holds the timing parameters of the software scheduler.
type SchedulerConfig struct {
	TickRate                uint32 // counter ticks per second
	MinimumInterruptDeltaUS uint32
	MaxTimerTicks           uint32 // largest reload the timer accepts
}

// SchedulerStats are the interrupt handler counters.
type SchedulerStats struct {
	Interrupts     uint32 // handler invocations
	Flips          uint32 // phase changes
	Adjusted       uint32 // reloads raised to the minimum interrupt delta
	Late           uint32 // phases that overran their whole next duration
	LongWaits      uint32 // reloads capped at MaxTimerTicks
	Overruns       uint32 // counter already past the new reload when programmed
	FastestService uint32 // ticks spent in the handler
	SlowestService uint32
}

func (st *SchedulerStats) noteService(ticks uint32) {
	if st.Interrupts == 1 || ticks < st.FastestService {
		st.FastestService = ticks
	}
	if ticks > st.SlowestService {
		st.SlowestService = ticks
	}
}

// Scheduler multiplexes up to MaxPWMChannels software PWM outputs onto one
// reload timer. The timer interrupt fires at the nearest phase change of any
// enabled slot; between interrupts no slot needs attention.
type Scheduler struct {
	mu sync.Mutex // serialises ordinary-context callers

	timer    Timer
	gpio     GPIODriver
	tickRate uint32
	minDelta uint32
	maxTicks uint32
	ready    bool

	slots       [MaxPWMChannels]pwmSlot
	activeStart int
	activeEnd   int // -1 while no slot is enabled and the timer is paused
	baseTime    uint32
	baseDelta   uint32
	running     bool

	stats SchedulerStats

	chans [MaxPWMPins]SoftwarePWM
}

// NewScheduler creates a scheduler driving pins through gpio. The timer is
// configured on first use.
func NewScheduler(timer Timer, gpio GPIODriver, cfg SchedulerConfig) *Scheduler {
	if cfg.TickRate == 0 {
		cfg.TickRate = DefaultTickRate
	}
	if cfg.MinimumInterruptDeltaUS == 0 {
		cfg.MinimumInterruptDeltaUS = DefaultMinimumInterruptDeltaUS
	}
	if cfg.MaxTimerTicks == 0 {
		cfg.MaxTimerTicks = DefaultMaxTimerTicks
	}
	minDelta := uint32(uint64(cfg.MinimumInterruptDeltaUS) * uint64(cfg.TickRate) / 1000000)
	if minDelta == 0 {
		minDelta = 1
	}
	s := &Scheduler{
		timer:       timer,
		gpio:        gpio,
		tickRate:    cfg.TickRate,
		minDelta:    minDelta,
		maxTicks:    cfg.MaxTimerTicks,
		activeStart: -1,
		activeEnd:   -1,
	}
	for i := range s.chans {
		s.chans[i] = SoftwarePWM{sched: s, pin: NoPin, channel: -1}
	}
	return s
}

// MinimumInterruptDelta returns the shortest reload in ticks.
func (s *Scheduler) MinimumInterruptDelta() uint32 { return s.minDelta }

// TickRate returns the counter rate in ticks per second.
func (s *Scheduler) TickRate() uint32 { return s.tickRate }

func (s *Scheduler) ensureTimer() {
	if s.ready {
		return
	}
	div := s.timer.ClockFrequency() / s.tickRate
	if div == 0 {
		div = 1
	}
	s.timer.Pause()
	s.timer.SetPrescaler(div)
	s.timer.SetPeriod(s.maxTicks)
	s.timer.AttachInterrupt(s.handleInterrupt)
	s.ready = true
}

// PeriodTicks converts a frequency to a period in ticks, rounded.
// Zero means a static output.
func (s *Scheduler) PeriodTicks(freq uint32) uint32 {
	if freq == 0 {
		return 0
	}
	return uint32((uint64(s.tickRate) + uint64(freq)/2) / uint64(freq))
}

// OnTicks returns the on-time for duty within period. Pulses and gaps shorter
// than the minimum interrupt delta are removed: the result is then 0 or period.
func (s *Scheduler) OnTicks(period uint32, duty float32) uint32 {
	if duty < 0 {
		duty = 0
	} else if duty > 1 {
		duty = 1
	}
	if period < 2*s.minDelta {
		// no room for both a pulse and a gap
		if duty >= 0.5 {
			return period
		}
		return 0
	}
	on := uint32(float64(duty)*float64(period) + 0.5)
	if on < s.minDelta {
		return 0
	}
	if on > period-s.minDelta {
		return period
	}
	return on
}

// updateActive recomputes the scanned slot range and starts or stops the
// timer. Interrupts must be disabled.
func (s *Scheduler) updateActive() {
	first, last := -1, -1
	for i := range s.slots {
		if s.slots[i].enabled {
			last = i
			if first < 0 {
				first = i
			}
		}
	}
	wasRunning := s.activeEnd >= 0
	if last >= 0 {
		s.activeStart = first
		s.activeEnd = last + 1
		if !wasRunning {
			s.timer.Resume()
			s.running = true
		}
	} else {
		s.activeStart, s.activeEnd = -1, -1
		s.timer.Pause()
		s.running = false
	}
}

// syncAll restarts every enabled slot so they all change to the on phase at
// the next interrupt. Channels sharing a frequency then share interrupts.
// Interrupts must be disabled.
func (s *Scheduler) syncAll() {
	s.timer.Pause()
	n := uint32(0)
	for i := range s.slots {
		slot := &s.slots[i]
		if slot.enabled {
			slot.isr.phase = phaseOff
			slot.isr.nextEvent = s.minDelta
			n++
		}
	}
	s.baseTime = 0
	s.baseDelta = s.minDelta
	s.timer.SetPeriod(s.baseDelta)
	s.timer.SetCount(0)
	s.activeEnd = -1
	recordTiming(EvtResync, 0xFF, 0, n, 0)
	s.updateActive()
}

// enable claims a free slot for pin and drives it high. Returns -1 if every
// slot is taken.
func (s *Scheduler) enable(pin Pin, on, off uint32) int {
	state := disableInterrupts()
	for i := range s.slots {
		slot := &s.slots[i]
		if slot.enabled {
			continue
		}
		slot.pin = pin
		slot.times.reset(on, off)
		slot.isr.phase = phaseOn
		_ = s.gpio.ConfigureOutput(pin, true)
		slot.enabled = true
		recordTiming(EvtSlotEnable, uint8(i), s.baseTime, uint32(pin), on)
		s.syncAll()
		restoreInterrupts(state)
		return i
	}
	restoreInterrupts(state)
	return -1
}

func (s *Scheduler) disable(ch int) {
	state := disableInterrupts()
	s.slots[ch].enabled = false
	recordTiming(EvtSlotDisable, uint8(ch), s.baseTime, uint32(s.slots[ch].pin), 0)
	s.updateActive()
	restoreInterrupts(state)
}

// handleInterrupt advances every enabled slot whose phase has expired and
// programs the timer for the nearest next phase change.
func (s *Scheduler) handleInterrupt() {
	enterInterrupt()
	if s.activeEnd < 0 {
		// paused after this interrupt was raised
		leaveInterrupt()
		return
	}
	start := s.timer.Count()
	s.stats.Interrupts++

	now := s.baseTime + s.baseDelta
	s.baseTime = now
	next := uint32(0x7FFFFFFF)
	for i := s.activeStart; i < s.activeEnd; i++ {
		slot := &s.slots[i]
		if !slot.enabled {
			continue
		}
		delta := int32(slot.isr.nextEvent - now)
		if delta <= 0 {
			slot.isr.phase ^= 1
			if slot.isr.phase == phaseOn {
				s.gpio.FastWrite(slot.pin, true)
				if slot.times.commit() {
					t := slot.times.active()
					recordTiming(EvtBufferSwap, uint8(i), now, t[0], t[1])
				}
			} else {
				s.gpio.FastWrite(slot.pin, false)
			}
			// carry the overshoot into the next phase so the average duty holds
			delta += int32(slot.times.active()[slot.isr.phase])
			slot.isr.nextEvent = now + uint32(delta)
			if delta < 0 {
				// nextEvent keeps the debt, the reload cannot be in the past
				recordTiming(EvtLate, uint8(i), now, uint32(slot.pin), uint32(-delta))
				delta = 0
				s.stats.Late++
			}
			s.stats.Flips++
		}
		if uint32(delta) < next {
			next = uint32(delta)
		}
	}

	if next < s.minDelta {
		next = s.minDelta
		s.stats.Adjusted++
	}
	if next > s.maxTicks {
		next = s.maxTicks
		s.stats.LongWaits++
	}
	s.baseDelta = next
	s.timer.SetPeriod(next)

	end := s.timer.Count()
	if end >= next {
		s.stats.Overruns++
	}
	s.stats.noteService(end - start)
	leaveInterrupt()
}

// Allocate returns a software channel for pin at freq. A slot is only taken
// while the duty needs a waveform; 0 and 1 are driven as static levels.
func (s *Scheduler) Allocate(pin Pin, freq uint32, duty float32) (*SoftwarePWM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil {
		return nil, pinErr(ErrNoSoftwareTimer, "software allocate", pin)
	}
	if !interruptSafe(s.gpio, pin) {
		return nil, pinErr(ErrPinNotInterruptSafe, "software allocate", pin)
	}
	s.ensureTimer()
	for i := range s.chans {
		w := &s.chans[i]
		if w.inUse {
			continue
		}
		w.inUse = true
		w.pin = pin
		w.channel = -1
		w.period = s.PeriodTicks(freq)
		if err := w.setValue(duty); err != nil {
			w.reset()
			return nil, err
		}
		return w, nil
	}
	return nil, pinErr(ErrNoFreeSoftwareSlot, "software allocate", pin)
}

// Running reports whether the shared timer is counting.
func (s *Scheduler) Running() bool {
	state := disableInterrupts()
	r := s.running
	restoreInterrupts(state)
	return r
}

// ActiveChannels counts enabled slots.
func (s *Scheduler) ActiveChannels() int {
	state := disableInterrupts()
	n := 0
	for i := range s.slots {
		if s.slots[i].enabled {
			n++
		}
	}
	restoreInterrupts(state)
	return n
}

// Stats returns a copy of the interrupt counters.
func (s *Scheduler) Stats() SchedulerStats {
	state := disableInterrupts()
	st := s.stats
	restoreInterrupts(state)
	return st
}

// ResetStats clears the interrupt counters.
func (s *Scheduler) ResetStats() {
	state := disableInterrupts()
	s.stats = SchedulerStats{}
	restoreInterrupts(state)
}

// SlotState is a snapshot of one scheduler slot.
type SlotState struct {
	Pin       Pin
	Enabled   bool
	Phase     uint8 // 0 on, 1 off
	NextEvent uint32
	BaseTime  uint32
	On, Off   uint32 // times the interrupt is using
	StagedOn  uint32
	StagedOff uint32
	Pending   bool
}

// Slot returns a snapshot of slot ch.
func (s *Scheduler) Slot(ch int) SlotState {
	state := disableInterrupts()
	slot := &s.slots[ch]
	flags := atomic.LoadUint32(&slot.times.flags)
	buf := flags & flagBuffer
	st := SlotState{
		Pin:       slot.pin,
		Enabled:   slot.enabled,
		Phase:     slot.isr.phase,
		NextEvent: slot.isr.nextEvent,
		BaseTime:  s.baseTime,
		On:        slot.times.onOff[buf][0],
		Off:       slot.times.onOff[buf][1],
		StagedOn:  slot.times.onOff[buf^1][0],
		StagedOff: slot.times.onOff[buf^1][1],
		Pending:   flags&flagPending != 0,
	}
	restoreInterrupts(state)
	return st
}

// SoftwarePWM is a pin's handle on the scheduler. It holds the period so
// duty changes can move between static levels and a slot without a new
// allocation.
type SoftwarePWM struct {
	sched   *Scheduler
	pin     Pin
	channel int8 // slot index, -1 while static
	period  uint32
	inUse   bool
}

func (w *SoftwarePWM) reset() {
	w.inUse = false
	w.pin = NoPin
	w.channel = -1
	w.period = 0
}

func (w *SoftwarePWM) releaseSlot() {
	if w.channel >= 0 {
		w.sched.disable(int(w.channel))
		w.channel = -1
	}
}

// setValue applies duty. Caller holds sched.mu.
func (w *SoftwarePWM) setValue(duty float32) error {
	s := w.sched
	if w.period == 0 {
		return s.gpio.ConfigureOutput(w.pin, duty >= 0.5)
	}
	on := s.OnTicks(w.period, duty)
	switch on {
	case 0, w.period:
		w.releaseSlot()
		return s.gpio.ConfigureOutput(w.pin, on != 0)
	}
	if w.channel < 0 {
		ch := s.enable(w.pin, on, w.period-on)
		if ch < 0 {
			_ = s.gpio.ConfigureOutput(w.pin, duty >= 0.5)
			return pinErr(ErrNoFreeSoftwareSlot, "software set", w.pin)
		}
		w.channel = int8(ch)
		return nil
	}
	s.slots[w.channel].times.stage(on, w.period-on)
	return nil
}

// SetValue changes the duty. A running slot picks the new times up at the
// start of its next on phase.
func (w *SoftwarePWM) SetValue(duty float32) error {
	w.sched.mu.Lock()
	defer w.sched.mu.Unlock()
	if !w.inUse {
		return pinErr(ErrNotAllocated, "software set", w.pin)
	}
	return w.setValue(duty)
}

// Free releases the slot, if any, and returns the handle to the pool.
// The pin keeps its last level.
func (w *SoftwarePWM) Free() {
	w.sched.mu.Lock()
	defer w.sched.mu.Unlock()
	if !w.inUse {
		return
	}
	w.releaseSlot()
	w.reset()
}

// Channel returns the slot index or -1.
func (w *SoftwarePWM) Channel() int {
	w.sched.mu.Lock()
	defer w.sched.mu.Unlock()
	return int(w.channel)
}

// Period returns the period in ticks, 0 for a static output.
func (w *SoftwarePWM) Period() uint32 { return w.period }

// AppendStatus appends " channel N phase on|off next T on A off B" for a
// running slot, " period P" otherwise. next is relative to the current timer position.
func (w *SoftwarePWM) AppendStatus(buf []byte) []byte {
	s := w.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.channel < 0 {
		buf = append(buf, " period "...)
		return appendUint(buf, w.period)
	}
	state := disableInterrupts()
	slot := &s.slots[w.channel]
	now := s.baseTime + s.timer.Count()
	next := int32(slot.isr.nextEvent - now)
	times := *slot.times.active()
	phase := slot.isr.phase
	restoreInterrupts(state)

	buf = append(buf, " channel "...)
	buf = appendUint(buf, uint32(w.channel))
	if phase == phaseOn {
		buf = append(buf, " phase on"...)
	} else {
		buf = append(buf, " phase off"...)
	}
	buf = append(buf, " next "...)
	buf = appendInt(buf, next)
	buf = append(buf, " on "...)
	buf = appendUint(buf, times[0])
	buf = append(buf, " off "...)
	return appendUint(buf, times[1])
}
