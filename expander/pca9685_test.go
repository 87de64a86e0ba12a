package expander

import (
	"errors"
	"sync"
	"testing"

	"tinygo.org/x/drivers"

	"hybridpwm/config"
	"hybridpwm/core"
)

// Compile-time check.
var _ drivers.I2C = (*fakeI2C)(nil)

// Register-file fake of one or more PCA9685s. Writes auto-increment from
// the first byte's register; PRESCALE only takes while MODE1 has SLEEP set.
type fakeI2C struct {
	mu   sync.Mutex
	regs map[uint16]*[256]byte
	txs  [][]byte
	fail error
}

func newFakeI2C(addrs ...uint16) *fakeI2C {
	f := &fakeI2C{regs: make(map[uint16]*[256]byte)}
	for _, a := range addrs {
		f.regs[a] = new([256]byte)
	}
	return f
}

func (f *fakeI2C) Tx(addr uint16, w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	regs, ok := f.regs[addr]
	if !ok {
		return errors.New("nack")
	}
	f.txs = append(f.txs, append([]byte(nil), w...))
	if len(w) == 0 {
		return nil
	}
	reg := w[0]
	for _, b := range w[1:] {
		if reg != regPrescale || regs[regMode1]&mode1Sleep != 0 {
			regs[reg] = b
		}
		reg++
	}
	for i := range r {
		r[i] = regs[reg]
		reg++
	}
	return nil
}

func (f *fakeI2C) reg(addr uint16, reg byte) byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[addr][reg]
}

func (f *fakeI2C) led(addr uint16, ch uint8) [4]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [4]byte
	copy(out[:], f.regs[addr][regLED0+4*ch:])
	return out
}

func (f *fakeI2C) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}

func newConfigured(t *testing.T, freq uint32) (*Device, *fakeI2C) {
	t.Helper()
	bus := newFakeI2C(DefaultAddress)
	d := New(bus, 0, core.ExpanderPinBase, "")
	if err := d.Configure(freq); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	return d, bus
}

func TestPrescaleFor(t *testing.T) {
	tests := []struct {
		freq uint32
		want uint8
		ok   bool
	}{
		{1000, 5, true},
		{50, 121, true},
		{24, 253, true},
		{1526, 3, true},
		{2000, 0, false},
		{20, 0, false},
		{0, 0, false},
	}
	for _, tt := range tests {
		got, err := prescaleFor(tt.freq)
		if (err == nil) != tt.ok {
			t.Errorf("prescaleFor(%d): expected ok=%v, got %v", tt.freq, tt.ok, err)
			continue
		}
		if got != tt.want {
			t.Errorf("prescaleFor(%d): expected %d, got %d", tt.freq, tt.want, got)
		}
	}
}

func TestConfigure(t *testing.T) {
	d, bus := newConfigured(t, 1000)
	if got := bus.reg(DefaultAddress, regPrescale); got != 5 {
		t.Errorf("Expected prescale 5, got %d", got)
	}
	if got := bus.reg(DefaultAddress, regMode1); got != mode1AI|mode1Restart {
		t.Errorf("Expected MODE1 awake with auto-increment, got 0x%02x", got)
	}
	if got := bus.reg(DefaultAddress, regMode2); got != mode2OutDrv {
		t.Errorf("Expected MODE2 totem pole, got 0x%02x", got)
	}
	if got := bus.reg(DefaultAddress, regAllLED+3); got != ledFull {
		t.Errorf("Expected all outputs full off, got 0x%02x", got)
	}
	if d.Frequency() != 1017 {
		t.Errorf("Expected 1017 Hz, got %d", d.Frequency())
	}
	if d.Name() != "pca9685" || d.Address() != DefaultAddress {
		t.Errorf("Unexpected name %q address 0x%x", d.Name(), d.Address())
	}
}

func TestConfigureBusError(t *testing.T) {
	bus := newFakeI2C()
	d := New(bus, 0x41, core.ExpanderPinBase, "")
	if err := d.Configure(1000); err == nil {
		t.Error("Expected error without a chip at the address")
	}
	if err := New(bus, 0x41, core.ExpanderPinBase, "").Configure(5000); !errors.Is(err, ErrFrequencyRange) {
		t.Errorf("Expected ErrFrequencyRange, got %v", err)
	}
}

func TestSetCompare(t *testing.T) {
	d, bus := newConfigured(t, 1000)
	if err := d.SetChannelMode(2, core.ChannelPWM, d.Pin(2)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		value uint32
		bits  uint8
		want  [4]byte
	}{
		{2048, 12, [4]byte{0, 0, 0x00, 0x08}},
		{4095, 12, [4]byte{0, ledFull, 0, 0}},
		{0, 12, [4]byte{0, 0, 0, ledFull}},
		{128, 8, [4]byte{0, 0, 0x08, 0x08}},
		{1, 16, [4]byte{0, 0, 0, ledFull}},
	}
	for _, tt := range tests {
		if err := d.SetCompare(2, tt.value, tt.bits); err != nil {
			t.Fatalf("SetCompare failed: %v", err)
		}
		if got := bus.led(DefaultAddress, 2); got != tt.want {
			t.Errorf("value %d/%d bits: expected % x, got % x", tt.value, tt.bits, tt.want, got)
		}
	}

	if err := d.SetCompare(2, 2048, 12); err != nil {
		t.Fatal(err)
	}
	if d.Duty(2) != 0.5 {
		t.Errorf("Expected duty 0.5, got %v", d.Duty(2))
	}
	if err := d.SetCompare(16, 0, 12); !errors.Is(err, ErrChannel) {
		t.Errorf("Expected ErrChannel, got %v", err)
	}
}

func TestSetCompareIgnoredWhileDisabled(t *testing.T) {
	d, bus := newConfigured(t, 1000)
	before := bus.count()
	if err := d.SetCompare(4, 1000, 12); err != nil {
		t.Fatal(err)
	}
	if bus.count() != before {
		t.Error("Expected no write for a disabled channel")
	}

	_ = d.SetChannelMode(4, core.ChannelPWM, d.Pin(4))
	_ = d.SetCompare(4, 1000, 12)
	_ = d.SetChannelMode(4, core.ChannelDisabled, d.Pin(4))
	if got := bus.led(DefaultAddress, 4); got[3] != ledFull {
		t.Errorf("Expected disabled channel full off, got % x", got)
	}
}

func TestPauseBatchesWrites(t *testing.T) {
	d, bus := newConfigured(t, 1000)
	_ = d.SetChannelMode(1, core.ChannelPWM, d.Pin(1))
	_ = d.SetChannelMode(3, core.ChannelPWM, d.Pin(3))
	before := bus.count()

	d.Pause()
	_ = d.SetCompare(1, 1024, 12)
	_ = d.SetCompare(3, 3072, 12)
	if bus.count() != before {
		t.Fatal("Expected writes held while paused")
	}
	d.Resume()

	if bus.count() != before+1 {
		t.Fatalf("Expected one burst, got %d transactions", bus.count()-before)
	}
	last := bus.txs[len(bus.txs)-1]
	if last[0] != regLED0+4 || len(last) != 1+3*4 {
		t.Errorf("Expected burst from LED1 over three channels, got reg 0x%02x len %d", last[0], len(last))
	}
	if bus.led(DefaultAddress, 1)[3] != 0x04 || bus.led(DefaultAddress, 3)[3] != 0x0C {
		t.Error("Expected both channels programmed")
	}
	if err := d.Err(); err != nil {
		t.Errorf("Unexpected deferred error %v", err)
	}
}

func TestResumeKeepsError(t *testing.T) {
	d, bus := newConfigured(t, 1000)
	_ = d.SetChannelMode(0, core.ChannelPWM, d.Pin(0))
	d.Pause()
	_ = d.SetCompare(0, 100, 12)
	bus.fail = errors.New("bus stuck")
	d.Resume()
	if err := d.Err(); err == nil || err.Error() != "bus stuck" {
		t.Errorf("Expected bus stuck, got %v", err)
	}
	if d.Err() != nil {
		t.Error("Expected Err to clear")
	}
}

func TestSetFrequency(t *testing.T) {
	d, bus := newConfigured(t, 1000)
	before := bus.count()
	if err := d.SetFrequency(1000); err != nil {
		t.Fatal(err)
	}
	if bus.count() != before {
		t.Error("Expected no writes for an unchanged prescale")
	}
	if err := d.SetFrequency(50); err != nil {
		t.Fatal(err)
	}
	if got := bus.reg(DefaultAddress, regPrescale); got != 121 {
		t.Errorf("Expected prescale 121, got %d", got)
	}
	if err := d.SetFrequency(4000); !errors.Is(err, ErrFrequencyRange) {
		t.Errorf("Expected ErrFrequencyRange, got %v", err)
	}
	if d.Frequency() != 50 {
		t.Errorf("Expected 50 Hz kept, got %d", d.Frequency())
	}
}

type nativeGPIO struct{ levels map[core.Pin]bool }

func (g *nativeGPIO) ConfigureOutput(pin core.Pin, high bool) error {
	g.levels[pin] = high
	return nil
}
func (g *nativeGPIO) FastWrite(pin core.Pin, high bool) { g.levels[pin] = high }

func TestRouter(t *testing.T) {
	bus := newFakeI2C(0x40, 0x41)
	devs, err := FromConfig(bus, []config.ExpanderConfig{
		{Name: "a", Address: 0x40, Frequency: 1000},
		{Name: "b", Address: 0x41, FirstChannel: 16, Frequency: 200},
	})
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	native := &nativeGPIO{levels: make(map[core.Pin]bool)}
	r := &Router{Native: native, Devices: devs}

	if err := r.ConfigureOutput(5, true); err != nil || !native.levels[5] {
		t.Errorf("Expected native pin 5 high, got err %v", err)
	}
	if err := r.ConfigureOutput(core.ExpanderPinBase+17, true); err != nil {
		t.Fatal(err)
	}
	if got := bus.led(0x41, 1); got != [4]byte{0, ledFull, 0, 0} {
		t.Errorf("Expected exp17 full on at 0x41 channel 1, got % x", got)
	}
	r.FastWrite(core.ExpanderPinBase+17, false)
	if got := bus.led(0x41, 1); got[3] != ledFull {
		t.Errorf("Expected exp17 full off, got % x", got)
	}
	if err := r.ConfigureOutput(core.ExpanderPinBase+40, true); !errors.Is(err, core.ErrInvalidPin) {
		t.Errorf("Expected ErrInvalidPin, got %v", err)
	}

	tc, ok := devs.LookupTimer(core.ExpanderPinBase + 3)
	if !ok || tc.Timer.Name() != "a" || tc.Channel != 3 {
		t.Errorf("Expected a channel 3, got %+v %v", tc, ok)
	}
	if _, ok := devs.LookupTimer(3); ok {
		t.Error("Expected no expander channel for a native pin")
	}
}

func TestHybridPinOnExpander(t *testing.T) {
	bus := newFakeI2C(0x40)
	devs, err := FromConfig(bus, []config.ExpanderConfig{{Name: "pca", Address: 0x40, Frequency: 1000}})
	if err != nil {
		t.Fatal(err)
	}
	native := &nativeGPIO{levels: make(map[core.Pin]bool)}
	h := core.NewHybridPWM(core.Options{GPIO: &Router{Native: native, Devices: devs}, Lookup: devs})

	a, err := h.Allocate(core.ExpanderPinBase, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Set(0.25, 1000); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if st := a.State(); st.Backend != core.BackendHardware {
		t.Errorf("Expected hardware backend, got %v", st.Backend)
	}
	if devs[0].Duty(0) != 0.25 {
		t.Errorf("Expected duty 0.25, got %v", devs[0].Duty(0))
	}

	// one prescaler for all sixteen outputs
	b, err := h.Allocate(core.ExpanderPinBase+1, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = b.Set(0.5, 200)
	if !errors.Is(err, core.ErrChannelInUseAtDifferentFrequency) {
		t.Errorf("Expected ErrChannelInUseAtDifferentFrequency, got %v", err)
	}
	if devs[0].Duty(1) != 1 {
		t.Errorf("Expected exp1 driven high statically, got duty %v", devs[0].Duty(1))
	}

	if err := a.Free(); err != nil {
		t.Fatal(err)
	}
	if devs[0].Duty(0) != 0 {
		t.Errorf("Expected exp0 off after free, got %v", devs[0].Duty(0))
	}
}
