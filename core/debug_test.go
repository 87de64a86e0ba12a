package core

import (
	"strings"
	"testing"
)

func TestDebugPrintlnOnlyWhenEnabled(t *testing.T) {
	var lines []string
	SetDebugWriter(func(s string) { lines = append(lines, s) })
	defer SetDebugWriter(func(string) {})
	defer SetDebugEnabled(false)

	DebugPrintln("hidden")
	SetDebugEnabled(true)
	DebugPrintln("shown")
	if len(lines) != 1 || lines[0] != "shown" {
		t.Errorf("Expected only the enabled message, got %v", lines)
	}
}

func TestTimingRingKeepsNewest(t *testing.T) {
	ClearTimingRing()
	defer ClearTimingRing()

	state := disableInterrupts()
	for i := uint32(0); i < TimingRingSize+8; i++ {
		recordTiming(EvtBufferSwap, 1, i, i, 0)
	}
	restoreInterrupts(state)

	events := TimingEvents()
	if len(events) != TimingRingSize {
		t.Fatalf("Expected %d events, got %d", TimingRingSize, len(events))
	}
	if events[0].Clock != 8 || events[len(events)-1].Clock != TimingRingSize+7 {
		t.Errorf("Expected clocks 8..%d, got %d..%d", TimingRingSize+7, events[0].Clock, events[len(events)-1].Clock)
	}
}

func TestDumpTimingRing(t *testing.T) {
	ClearTimingRing()
	defer ClearTimingRing()
	var lines []string
	SetDebugWriter(func(s string) { lines = append(lines, s) })
	defer SetDebugWriter(func(string) {})

	state := disableInterrupts()
	recordTiming(EvtSlotEnable, 2, 100, 17, 300)
	recordTiming(EvtLate, 2, 400, 17, 5)
	restoreInterrupts(state)
	DumpTimingRing()

	if len(lines) != 4 {
		t.Fatalf("Expected header, two events and footer, got %v", lines)
	}
	if !strings.Contains(lines[1], "SLOT_ON slot=2 clock=100 v1=17 v2=300") {
		t.Errorf("Unexpected event line %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "[TIMING] LATE!") {
		t.Errorf("Unexpected event line %q", lines[2])
	}
}
