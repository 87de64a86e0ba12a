//go:build rp2040

package main

import (
	"device/rp"
	"runtime/interrupt"
)

const (
	timerClockHz = 1000000 // the RP2040 timer ticks at 1 MHz
	alarmNum     = 3       // alarm 0 belongs to the TinyGo runtime
	alarmMask    = 1 << alarmNum
)

// AlarmTimer implements core.Timer on the RP2040 64-bit microsecond timer.
// The timer never reloads, so the reload counter is emulated: epoch is the
// raw time of the last reload and ALARM3 fires at the next one.
type AlarmTimer struct {
	div     uint32
	period  uint32
	epoch   uint32
	paused  uint32
	running bool
	inISR   bool
	handler func()
}

// schedTimer is the timer served by the ALARM3 interrupt.
var schedTimer *AlarmTimer

func NewAlarmTimer() *AlarmTimer {
	t := &AlarmTimer{div: 1, period: 0xFFFF}
	schedTimer = t
	rp.TIMER.INTR.Set(alarmMask)
	rp.TIMER.INTE.SetBits(alarmMask)
	intr := interrupt.New(rp.IRQ_TIMER_IRQ_3, alarmISR)
	intr.SetPriority(0x00)
	intr.Enable()
	return t
}

func now() uint32 { return rp.TIMER.TIMERAWL.Get() }

func (t *AlarmTimer) ClockFrequency() uint32 { return timerClockHz }

func (t *AlarmTimer) SetPrescaler(div uint32) {
	if div == 0 {
		div = 1
	}
	t.div = div
}

func (t *AlarmTimer) SetPeriod(ticks uint32) {
	t.period = ticks
	if t.running && !t.inISR {
		t.arm()
	}
}

func (t *AlarmTimer) SetCount(ticks uint32) {
	if !t.running {
		t.paused = ticks
		return
	}
	t.epoch = now() - ticks*t.div
	if !t.inISR {
		t.arm()
	}
}

func (t *AlarmTimer) Count() uint32 {
	if !t.running {
		return t.paused
	}
	return (now() - t.epoch) / t.div
}

func (t *AlarmTimer) AttachInterrupt(handler func()) {
	t.handler = handler
}

func (t *AlarmTimer) Pause() {
	if !t.running {
		return
	}
	t.paused = t.Count()
	t.running = false
	rp.TIMER.ARMED.Set(alarmMask) // write 1 to disarm
	rp.TIMER.INTR.Set(alarmMask)
}

func (t *AlarmTimer) Resume() {
	if t.running {
		return
	}
	t.epoch = now() - t.paused*t.div
	t.running = true
	if !t.inISR {
		t.arm()
	}
}

// arm programs ALARM3 for the next reload. The alarm matches the low word
// exactly, so a reload already in the past is raised almost at once instead.
func (t *AlarmTimer) arm() {
	target := t.epoch + t.period*t.div
	if int32(target-now()) < 2 {
		target = now() + 2
	}
	rp.TIMER.ALARM3.Set(target)
}

func alarmISR(interrupt.Interrupt) {
	rp.TIMER.INTR.Set(alarmMask)
	t := schedTimer
	if t == nil || !t.running {
		return
	}
	t.epoch += t.period * t.div
	t.inISR = true
	if t.handler != nil {
		t.handler()
	}
	t.inISR = false
	if t.running {
		t.arm()
	}
}
