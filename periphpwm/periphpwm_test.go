package periphpwm

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"

	"hybridpwm/core"
)

// countingPin counts level changes written to it.
type countingPin struct {
	*gpiotest.Pin
	writes atomic.Int32
}

func (p *countingPin) Out(l gpio.Level) error {
	p.writes.Add(1)
	return p.Pin.Out(l)
}

type pinSet map[string]gpio.PinIO

func (s pinSet) byName(name string) gpio.PinIO {
	if p, ok := s[name]; ok {
		return p
	}
	return nil
}

func level(p *gpiotest.Pin) gpio.Level {
	p.Lock()
	defer p.Unlock()
	return p.L
}

func pwmOf(p *gpiotest.Pin) (gpio.Duty, physic.Frequency) {
	p.Lock()
	defer p.Unlock()
	return p.D, p.F
}

func TestConversions(t *testing.T) {
	if DutyToFloat(gpio.DutyHalf) != 0.5 || DutyToFloat(-1) != 0 || DutyToFloat(gpio.DutyMax+1) != 1 {
		t.Error("Unexpected DutyToFloat result")
	}
	if FloatToDuty(0.25) != gpio.DutyMax/4 || FloatToDuty(2) != gpio.DutyMax {
		t.Errorf("Unexpected FloatToDuty result %d", FloatToDuty(0.25))
	}
	tests := []struct {
		f    physic.Frequency
		want uint32
	}{
		{25 * physic.KiloHertz, 25000},
		{physic.Hertz / 4, 0},
		{3*physic.Hertz/2 + 1, 2},
		{0, 0},
	}
	for _, tt := range tests {
		if got := FrequencyToHz(tt.f); got != tt.want {
			t.Errorf("FrequencyToHz(%v): expected %d, got %d", tt.f, tt.want, got)
		}
	}
}

func TestGPIODriver(t *testing.T) {
	p5 := &gpiotest.Pin{N: "GPIO5", Num: 5}
	d := newGPIODriver(pinSet{"GPIO5": p5}.byName)

	if err := d.ConfigureOutput(5, true); err != nil {
		t.Fatalf("ConfigureOutput failed: %v", err)
	}
	if level(p5) != gpio.High {
		t.Error("Expected GPIO5 high")
	}
	d.FastWrite(5, false)
	if level(p5) != gpio.Low {
		t.Error("Expected GPIO5 low")
	}
	d.FastWrite(6, true)

	if err := d.ConfigureOutput(7, true); !errors.Is(err, core.ErrInvalidPin) {
		t.Errorf("Expected ErrInvalidPin, got %v", err)
	}
	if _, err := d.Resolve(core.ExpanderPinBase); !errors.Is(err, core.ErrInvalidPin) {
		t.Errorf("Expected ErrInvalidPin for an expander pin, got %v", err)
	}
}

func TestPinTimerWaitsForResume(t *testing.T) {
	p := &gpiotest.Pin{N: "PWM0", Num: 12}
	pt := NewPinTimer(p)

	pt.Pause()
	_ = pt.SetChannelMode(0, core.ChannelPWM, 12)
	_ = pt.SetFrequency(1000)
	_ = pt.SetCompare(0, 2048, 12)
	if _, f := pwmOf(p); f != 0 {
		t.Fatalf("Expected nothing written while paused, got %v", f)
	}
	pt.Resume()

	duty, f := pwmOf(p)
	if f != 1000*physic.Hertz {
		t.Errorf("Expected 1kHz, got %v", f)
	}
	if diff := duty - gpio.DutyHalf; diff < -gpio.DutyMax/1000 || diff > gpio.DutyMax/1000 {
		t.Errorf("Expected duty near half, got %v", duty)
	}
	if err := pt.Err(); err != nil {
		t.Errorf("Unexpected error %v", err)
	}

	p.Out(gpio.High)
	_ = pt.SetChannelMode(0, core.ChannelDisabled, 12)
	if level(p) != gpio.Low {
		t.Error("Expected disabled channel driven low")
	}
	if err := pt.SetCompare(1, 0, 12); err == nil {
		t.Error("Expected error for channel 1")
	}
}

func TestHybridPinOverPeriph(t *testing.T) {
	p5 := &gpiotest.Pin{N: "GPIO5", Num: 5}
	gpioDrv := newGPIODriver(pinSet{"GPIO5": p5}.byName)
	pwm := PWMPins{}
	pwm.Add(5, p5)
	h := core.NewHybridPWM(core.Options{GPIO: gpioDrv, Lookup: pwm})

	hp, err := h.Allocate(5, 0)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	pin := NewPin(hp, "fan")
	if pin.Name() != "fan" || pin.Number() != 5 || pin.Function() != "Out" {
		t.Errorf("Unexpected pin %s %d %s", pin.Name(), pin.Number(), pin.Function())
	}

	if err := pin.PWM(gpio.DutyMax/4, 500*physic.Hertz); err != nil {
		t.Fatalf("PWM failed: %v", err)
	}
	st := hp.State()
	if st.Backend != core.BackendHardware || st.Freq != 500 || st.Value != 0.25 {
		t.Errorf("Unexpected state %+v", st)
	}
	if _, f := pwmOf(p5); f != 500*physic.Hertz {
		t.Errorf("Expected 500 Hz on GPIO5, got %v", f)
	}
	if pin.Function() != "PWM" {
		t.Errorf("Expected PWM function, got %s", pin.Function())
	}

	if err := pin.Out(gpio.High); err != nil {
		t.Fatal(err)
	}
	if hp.State().Backend != core.BackendNone || level(p5) != gpio.High {
		t.Error("Expected static high after Out")
	}
	if err := pin.Halt(); err != nil || level(p5) != gpio.Low {
		t.Errorf("Expected low after Halt, got err %v", err)
	}
	if NewPin(hp, "").Name() != "gpio5" {
		t.Error("Expected default name gpio5")
	}
}

func TestTickerTimerCount(t *testing.T) {
	tt := NewTickerTimer()
	tt.SetPrescaler(1000)
	tt.SetCount(100)
	if tt.Count() != 100 || tt.Running() {
		t.Errorf("Expected paused count 100, got %d", tt.Count())
	}
	tt.SetPeriod(60000)
	tt.Resume()
	time.Sleep(2 * time.Millisecond)
	if c := tt.Count(); c < 100 {
		t.Errorf("Expected count to move on from 100, got %d", c)
	}
	tt.Pause()
	c := tt.Count()
	time.Sleep(2 * time.Millisecond)
	if tt.Count() != c {
		t.Error("Expected count frozen while paused")
	}
}

func TestTickerTimerFires(t *testing.T) {
	tt := NewTickerTimer()
	tt.SetPrescaler(1000)
	tt.SetPeriod(2000)
	var n atomic.Int32
	tt.AttachInterrupt(func() { n.Add(1) })
	tt.Resume()

	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	tt.Pause()
	if n.Load() < 5 {
		t.Fatalf("Expected at least 5 interrupts, got %d", n.Load())
	}
	stopped := n.Load()
	time.Sleep(10 * time.Millisecond)
	if n.Load() > stopped+1 {
		t.Errorf("Expected no interrupts after Pause, got %d more", n.Load()-stopped)
	}
	if tt.Fired() < uint64(stopped) {
		t.Errorf("Expected Fired >= %d, got %d", stopped, tt.Fired())
	}
}

func TestSoftwarePWMOnTickerTimer(t *testing.T) {
	p := &countingPin{Pin: &gpiotest.Pin{N: "GPIO9", Num: 9}}
	gpioDrv := newGPIODriver(pinSet{"GPIO9": p}.byName)
	h := core.NewHybridPWM(core.Options{GPIO: gpioDrv, Timer: NewTickerTimer()})

	hp, err := h.Allocate(9, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := hp.Set(0.5, 200); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if hp.State().Backend != core.BackendSoftware {
		t.Fatalf("Expected software backend, got %v", hp.State().Backend)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.writes.Load() < 10 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if p.writes.Load() < 10 {
		t.Errorf("Expected the pin toggling, got %d writes", p.writes.Load())
	}
	if err := hp.Free(); err != nil {
		t.Fatal(err)
	}
	if h.Scheduler().Running() {
		t.Error("Expected scheduler stopped after the last pin")
	}
}

func TestLocalController(t *testing.T) {
	p5 := &gpiotest.Pin{N: "GPIO5", Num: 5}
	p9 := &gpiotest.Pin{N: "GPIO9", Num: 9}
	d := newGPIODriver(pinSet{"GPIO5": p5, "GPIO9": p9}.byName)

	if _, err := newLocal(d, LocalOptions{PWMPins: []core.Pin{7}}); core.CodeOf(err) != core.ErrInvalidPin {
		t.Errorf("Expected ErrInvalidPin for a missing PWM pin, got %v", err)
	}

	h, err := newLocal(d, LocalOptions{PWMPins: []core.Pin{5}})
	if err != nil {
		t.Fatal(err)
	}
	if h.Scheduler() != nil {
		t.Error("Expected no scheduler without Software")
	}
	fan, err := h.Allocate(5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := fan.Set(0.5, 500); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if fan.State().Backend != core.BackendHardware {
		t.Errorf("Expected hardware backend on GPIO5, got %v", fan.State().Backend)
	}

	led, err := h.Allocate(9, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := led.Set(0.75, 500); core.CodeOf(err) != core.ErrNoSoftwareTimer {
		t.Errorf("Expected ErrNoSoftwareTimer, got %v", err)
	}
	if led.State().Backend != core.BackendNone || level(p9) != gpio.High {
		t.Error("Expected GPIO9 static high")
	}

	h, err = newLocal(d, LocalOptions{Software: true, TickRate: 100000})
	if err != nil {
		t.Fatal(err)
	}
	if h.Scheduler() == nil || h.Scheduler().TickRate() != 100000 {
		t.Error("Expected a scheduler at 100 kHz")
	}
}
