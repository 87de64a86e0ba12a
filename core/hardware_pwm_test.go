package core_test

import (
	"errors"
	"testing"

	"hybridpwm/core"
	"hybridpwm/sim"
)

func newHardware() (*core.HardwarePWM, *sim.PWMTimer, *sim.PWMTimer) {
	tim2 := sim.NewPWMTimer("TIM2", timerClock)
	tim3 := sim.NewPWMTimer("TIM3", timerClock)
	lookup := sim.TimerMap{}
	lookup.Map(pinTim2Ch1, tim2, 1)
	lookup.Map(pinTim2Ch2, tim2, 2)
	lookup.Map(pinTim2Alt, tim2, 1)
	lookup.Map(pinTim3Ch1, tim3, 1)
	return core.NewHardwarePWM(lookup, 12), tim2, tim3
}

func TestHardwareAllocateProgramsChannel(t *testing.T) {
	hw, tim2, _ := newHardware()
	c, err := hw.Allocate(pinTim2Ch1, 20000, 0.5)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	ch := tim2.Channel(1)
	if ch.Mode != core.ChannelPWM || ch.Pin != pinTim2Ch1 {
		t.Errorf("Expected channel 1 in PWM mode on pin 0, got %+v", ch)
	}
	if ch.Compare != 2048 || ch.Bits != 12 {
		t.Errorf("Expected compare 2048 at 12 bits, got %d at %d", ch.Compare, ch.Bits)
	}
	if tim2.Frequency() != 20000 {
		t.Errorf("Expected 20000 Hz, got %d", tim2.Frequency())
	}
	if !tim2.Running() {
		t.Error("Expected timer running after configuration")
	}
	if got := string(c.AppendStatus(nil)); got != " tim TIM2 chan 1" {
		t.Errorf("Expected status \" tim TIM2 chan 1\", got %q", got)
	}
	if hw.InUse() != 1 {
		t.Errorf("Expected 1 channel in use, got %d", hw.InUse())
	}
}

func TestHardwareSetValueDoesNotStopTimer(t *testing.T) {
	hw, tim2, _ := newHardware()
	c, _ := hw.Allocate(pinTim2Ch1, 20000, 0.5)
	pauses := tim2.Pauses

	if err := c.SetValue(0.25); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if tim2.Pauses != pauses {
		t.Errorf("Expected no pause for a duty change, got %d", tim2.Pauses-pauses)
	}
	if got := tim2.Channel(1).Compare; got != 1024 {
		t.Errorf("Expected compare 1024, got %d", got)
	}
	for _, tt := range []struct {
		duty float32
		want uint32
	}{{0, 0}, {1, 4095}, {-0.5, 0}, {2, 4095}} {
		_ = c.SetValue(tt.duty)
		if got := tim2.Channel(1).Compare; got != tt.want {
			t.Errorf("SetValue(%v): expected compare %d, got %d", tt.duty, tt.want, got)
		}
	}
}

func TestHardwareConflicts(t *testing.T) {
	hw, tim2, tim3 := newHardware()
	if _, err := hw.Allocate(pinTim2Ch1, 20000, 0.5); err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	_, err := hw.Allocate(pinTim2Alt, 20000, 0.5)
	if !errors.Is(err, core.ErrChannelInUse) {
		t.Errorf("Expected ErrChannelInUse, got %v", err)
	}
	_, err = hw.Allocate(pinTim2Ch2, 10000, 0.5)
	if !errors.Is(err, core.ErrChannelInUseAtDifferentFrequency) {
		t.Errorf("Expected ErrChannelInUseAtDifferentFrequency, got %v", err)
	}
	if tim2.Frequency() != 20000 {
		t.Errorf("Failed allocation changed the timer frequency to %d", tim2.Frequency())
	}
	if _, err = hw.Allocate(pinTim2Ch2, 20000, 0.25); err != nil {
		t.Errorf("Expected same frequency sibling to succeed, got %v", err)
	}
	if _, err = hw.Allocate(pinTim3Ch1, 10000, 0.5); err != nil {
		t.Errorf("Expected other timer to succeed, got %v", err)
	}
	if tim3.Frequency() != 10000 {
		t.Errorf("Expected TIM3 at 10000 Hz, got %d", tim3.Frequency())
	}
	_, err = hw.Allocate(swPin, 1000, 0.5)
	if core.CodeOf(err) != core.ErrNoHardwareChannel {
		t.Errorf("Expected ErrNoHardwareChannel for an unmapped pin, got %v", err)
	}
}

func TestHardwareFreeReleasesTimer(t *testing.T) {
	hw, tim2, _ := newHardware()
	c, _ := hw.Allocate(pinTim2Ch1, 20000, 0.5)
	c.Free()

	if ch := tim2.Channel(1); ch.Mode != core.ChannelDisabled || ch.Compare != 0 {
		t.Errorf("Expected channel disabled, got %+v", ch)
	}
	if hw.InUse() != 0 {
		t.Errorf("Expected no channels in use, got %d", hw.InUse())
	}
	if c.Pin() != core.NoPin {
		t.Errorf("Expected freed channel to have no pin, got %v", c.Pin())
	}
	if err := c.SetValue(0.5); core.CodeOf(err) != core.ErrNotAllocated {
		t.Errorf("Expected ErrNotAllocated after free, got %v", err)
	}
	if _, err := hw.Allocate(pinTim2Ch2, 10000, 0.5); err != nil {
		t.Errorf("Expected new frequency once the timer is idle, got %v", err)
	}
}

func TestHardwareFrequencyRejectedReleasesRecord(t *testing.T) {
	hw, _, _ := newHardware()
	_, err := hw.Allocate(pinTim2Ch1, timerClock, 0.5)
	if core.CodeOf(err) != core.ErrNoHardwareChannel || !errors.Is(err, sim.ErrFrequencyRange) {
		t.Errorf("Expected wrapped frequency error, got %v", err)
	}
	if hw.InUse() != 0 {
		t.Errorf("Expected record released, got %d in use", hw.InUse())
	}
}

func TestHardwareTableFull(t *testing.T) {
	tim := make([]*sim.PWMTimer, core.MaxHardwareChannels+1)
	lookup := sim.TimerMap{}
	for i := range tim {
		tim[i] = sim.NewPWMTimer("T"+string(rune('A'+i)), timerClock)
		lookup.Map(core.Pin(i), tim[i], 1)
	}
	hw := core.NewHardwarePWM(lookup, 12)
	for i := 0; i < core.MaxHardwareChannels; i++ {
		if _, err := hw.Allocate(core.Pin(i), 1000, 0.5); err != nil {
			t.Fatalf("Allocate(%d) failed: %v", i, err)
		}
	}
	_, err := hw.Allocate(core.Pin(core.MaxHardwareChannels), 1000, 0.5)
	if core.CodeOf(err) != core.ErrNoHardwareChannel {
		t.Errorf("Expected ErrNoHardwareChannel with a full table, got %v", err)
	}
}
