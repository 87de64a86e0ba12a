package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// TimingEvent captures a PWM event for post-mortem analysis
type TimingEvent struct {
	EventType uint8  // Event type code
	Slot      uint8  // Scheduler slot or hardware record index
	Clock     uint32 // Scheduler time (baseTime) at the event
	Value1    uint32 // Context-dependent value
	Value2    uint32 // Context-dependent value
}

// Event type codes
const (
	EvtSlotEnable  = 1 // software slot enabled (pin, on ticks)
	EvtSlotDisable = 2 // software slot disabled (pin)
	EvtResync      = 3 // all slots restarted together (enabled count)
	EvtBufferSwap  = 4 // staged on/off times committed (on, off)
	EvtLate        = 5 // phase expired later than its whole next duration (pin, overshoot)
	EvtHWClaim     = 6 // hardware channel claimed (pin, frequency)
	EvtHWRelease   = 7 // hardware channel released (pin)
)

const TimingRingSize = 32

var (
	debugPrintln DebugWriter = func(s string) {}

	// Disabled by default; enable with set_debug enable=1
	debugEnabled bool

	// Written from the PWM interrupt and from critical sections only.
	timingRing     [TimingRingSize]TimingEvent
	timingRingHead uint8
	timingEnabled  = true
)

// SetDebugWriter sets the platform-specific debug output function
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

func IsDebugEnabled() bool {
	return debugEnabled
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// recordTiming stores an event in the ring. Callers hold the interrupt
// critical section or run inside the PWM interrupt.
func recordTiming(eventType, slot uint8, clock, value1, value2 uint32) {
	if !timingEnabled {
		return
	}
	idx := timingRingHead
	timingRing[idx] = TimingEvent{
		EventType: eventType,
		Slot:      slot,
		Clock:     clock,
		Value1:    value1,
		Value2:    value2,
	}
	timingRingHead = (idx + 1) % TimingRingSize
}

// TimingEvents returns the recorded events, oldest first.
func TimingEvents() []TimingEvent {
	state := disableInterrupts()
	ring := timingRing
	head := timingRingHead
	restoreInterrupts(state)

	events := make([]TimingEvent, 0, TimingRingSize)
	for i := uint8(0); i < TimingRingSize; i++ {
		evt := ring[(head+i)%TimingRingSize]
		if evt.EventType != 0 {
			events = append(events, evt)
		}
	}
	return events
}

func timingEventName(t uint8) string {
	switch t {
	case EvtSlotEnable:
		return "SLOT_ON"
	case EvtSlotDisable:
		return "SLOT_OFF"
	case EvtResync:
		return "RESYNC"
	case EvtBufferSwap:
		return "SWAP"
	case EvtLate:
		return "LATE!"
	case EvtHWClaim:
		return "HW_CLAIM"
	case EvtHWRelease:
		return "HW_FREE"
	default:
		return "UNKNOWN"
	}
}

// DumpTimingRing outputs the timing ring buffer through the debug writer
func DumpTimingRing() {
	if debugPrintln == nil {
		return
	}
	debugPrintln("[TIMING] === Timing Ring Dump ===")
	for _, evt := range TimingEvents() {
		debugPrintln("[TIMING] " + timingEventName(evt.EventType) +
			" slot=" + utoa(uint32(evt.Slot)) +
			" clock=" + utoa(evt.Clock) +
			" v1=" + utoa(evt.Value1) +
			" v2=" + utoa(evt.Value2))
	}
	debugPrintln("[TIMING] === End Dump ===")
}

// ClearTimingRing clears the timing buffer
func ClearTimingRing() {
	state := disableInterrupts()
	for i := range timingRing {
		timingRing[i] = TimingEvent{}
	}
	timingRingHead = 0
	restoreInterrupts(state)
}
