package mcu

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"hybridpwm/config"
	"hybridpwm/core"
	"hybridpwm/protocol"
	"hybridpwm/sim"
)

const testDictionary = `{"version":"test","build_versions":"","config":{"HYBRID_PWM_MAX":"4095","MCU":"sim"},` +
	`"commands":{"identify offset=%u count=%c":1,"set_hybrid_pwm oid=%c value=%hu freq=%u":5,"emergency_stop":2},` +
	`"responses":{"identify_response offset=%u data=%*s":0,"hybrid_pwm_state oid=%c pin=%u freq=%u value=%hu backend=%c error=%c":9},` +
	`"enumerations":{"pin":{"gpio0":0,"gpio1":1,"exp0":256}}}`

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("hybrid_pwm_status offset=%u data=%*s")
	if err != nil {
		t.Fatal(err)
	}
	want := []Param{{"offset", "u"}, {"data", "s"}}
	if f.Name != "hybrid_pwm_status" || len(f.Params) != 2 || f.Params[0] != want[0] || f.Params[1] != want[1] {
		t.Errorf("Unexpected format %+v", f)
	}

	for _, sig := range []string{"", "cmd oid", "cmd x=%f"} {
		if _, err := ParseFormat(sig); err == nil {
			t.Errorf("Expected error for %q", sig)
		}
	}
}

func TestParseDictionary(t *testing.T) {
	d, err := ParseDictionary([]byte(testDictionary))
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != "test" {
		t.Errorf("Expected version test, got %q", d.Version)
	}
	if v, ok := d.Constant("HYBRID_PWM_MAX"); !ok || v != 4095 {
		t.Errorf("Expected HYBRID_PWM_MAX 4095, got %d", v)
	}
	if _, ok := d.Constant("MCU"); ok {
		t.Error("Expected MCU not numeric")
	}
	if v, ok := d.Enum("pin", "exp0"); !ok || v != 256 {
		t.Errorf("Expected exp0 = 256, got %d", v)
	}
	if n, ok := d.EnumName("pin", 1); !ok || n != "gpio1" {
		t.Errorf("Expected gpio1, got %q", n)
	}

	if _, err := ParseDictionary([]byte("{")); err == nil {
		t.Error("Expected error for truncated JSON")
	}
}

func TestEncodeDecode(t *testing.T) {
	d, err := ParseDictionary([]byte(testDictionary))
	if err != nil {
		t.Fatal(err)
	}

	set, err := d.Command("set_hybrid_pwm")
	if err != nil {
		t.Fatal(err)
	}
	payload, err := set.Encode(uint8(3), 2048, uint32(25000))
	if err != nil {
		t.Fatal(err)
	}
	data := payload
	var got [4]uint32
	for i := range got {
		if got[i], err = protocol.DecodeVLQUint(&data); err != nil {
			t.Fatal(err)
		}
	}
	if got != [4]uint32{5, 3, 2048, 25000} || len(data) != 0 {
		t.Errorf("Unexpected payload %v", got)
	}

	if _, err := set.Encode(1, 2); err == nil {
		t.Error("Expected argument count error")
	}
	if _, err := set.Encode(1, "x", 2); err == nil {
		t.Error("Expected type error")
	}
	if stop, err := d.Command("emergency_stop"); err != nil || len(stop.Params) != 0 {
		t.Errorf("Unexpected emergency_stop %+v %v", stop, err)
	}
	if _, err := d.Command("set_hybrid"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Expected ErrUnknownMessage for a name prefix, got %v", err)
	}

	state, err := d.Response("hybrid_pwm_state")
	if err != nil {
		t.Fatal(err)
	}
	out := protocol.NewScratchOutput()
	for _, v := range []uint32{3, uint32(core.NoPin), 0, 0, 0, 8} {
		protocol.EncodeVLQUint(out, v)
	}
	f, err := state.Decode(out.Result())
	if err != nil {
		t.Fatal(err)
	}
	if f.Uint("oid") != 3 || core.Pin(f.Uint("pin")) != core.NoPin || f.Uint("error") != 8 {
		t.Errorf("Unexpected fields %v", f)
	}
	if _, err := state.Decode([]byte{3}); err == nil {
		t.Error("Expected error for a short response")
	}
}

// connectBoard serves a simulated board over a pipe and returns a client
// with the dictionary retrieved.
func connectBoard(t *testing.T) (*MCU, *sim.Board) {
	t.Helper()
	cfg := config.DefaultBoardConfig()
	b, err := sim.NewBoard(cfg)
	if err != nil {
		t.Fatal(err)
	}
	hostConn, mcuConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func(ctx context.Context) { done <- b.Serve(ctx, mcuConn) }(ctx)

	m := New(hostConn)
	t.Cleanup(func() {
		m.Close()
		cancel()
		<-done
	})

	qctx, qcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer qcancel()
	if err := m.RetrieveDictionary(qctx); err != nil {
		t.Fatalf("RetrieveDictionary failed: %v", err)
	}
	return m, b
}

func TestRetrieveDictionary(t *testing.T) {
	m, _ := connectBoard(t)
	d := m.Dictionary()
	if d.Config["MCU"] != "sim" {
		t.Errorf("Expected MCU sim, got %q", d.Config["MCU"])
	}
	if v, ok := d.Constant("HYBRID_PWM_MAX"); !ok || v != core.HybridPWMMax {
		t.Errorf("Expected HYBRID_PWM_MAX %d, got %d", core.HybridPWMMax, v)
	}
	if _, err := d.Command("config_hybrid_pwm"); err != nil {
		t.Error(err)
	}
	if p, err := m.PinNumber("EXP2"); err != nil || p != core.ExpanderPinBase+2 {
		t.Errorf("Expected exp2 at %d, got %d (%v)", core.ExpanderPinBase+2, p, err)
	}
	if len(m.DictionaryData()) == 0 {
		t.Error("Expected raw dictionary data")
	}
}

func TestSendBeforeDictionary(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	m := New(a)
	defer m.Close()
	if err := m.SetPWM(context.Background(), 0, 0.5, 100); !errors.Is(err, ErrNoDictionary) {
		t.Errorf("Expected ErrNoDictionary, got %v", err)
	}
}

func TestPWMClient(t *testing.T) {
	m, b := connectBoard(t)
	ctx := context.Background()

	if err := m.ConfigurePWM(ctx, 1, "gpio0", 0); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPWM(ctx, 1, 0.5, 20000); err != nil {
		t.Fatal(err)
	}
	st, err := m.QueryPWM(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if st.Pin != 0 || st.PinName != "gpio0" || st.Freq != 20000 || st.Backend != core.BackendHardware || st.Err != core.OK {
		t.Errorf("Unexpected state %+v", st)
	}
	if math.Abs(st.Value-0.5) > 0.001 {
		t.Errorf("Expected value 0.5, got %v", st.Value)
	}
	if d := b.PWMTimers["TIM2"].Channel(1).Duty(); math.Abs(d-0.5) > 0.001 {
		t.Errorf("Expected TIM2 channel 1 at 0.5, got %v", d)
	}

	if err := m.ConfigurePWM(ctx, 2, "gpio12", 0); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPWM(ctx, 2, 0.25, 100); err != nil {
		t.Fatal(err)
	}
	if st, err := m.QueryPWM(ctx, 2); err != nil || st.Backend != core.BackendSoftware {
		t.Fatalf("Expected software backend on gpio12, got %+v (%v)", st, err)
	}

	status, err := m.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "pin gpio0 freq 20000") || !strings.Contains(status, "pin gpio12 freq 100") {
		t.Errorf("Unexpected status %q", status)
	}

	var stats *Stats
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if stats, err = m.Stats(ctx, false); err != nil {
			t.Fatal(err)
		}
		if stats.Interrupts > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stats.Interrupts == 0 || stats.Active != 1 {
		t.Errorf("Expected scheduler activity on one channel, got %+v", stats)
	}

	if err := m.FreePWM(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if st, err := m.QueryPWM(ctx, 2); err != nil || st.Pin != core.NoPin || st.Err != core.ErrNotAllocated {
		t.Errorf("Expected oid 2 gone, got %+v (%v)", st, err)
	}
}

func TestEmergencyStop(t *testing.T) {
	m, _ := connectBoard(t)
	ctx := context.Background()
	defer m.ClearShutdown(ctx)

	if err := m.ConfigurePWM(ctx, 4, "gpio2", 1); err != nil {
		t.Fatal(err)
	}
	if err := m.EmergencyStop(ctx); err != nil {
		t.Fatal(err)
	}
	if !core.IsShutdown() {
		t.Error("Expected firmware shut down")
	}
	st, err := m.QueryPWM(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if st.Err != core.ErrNotAllocated {
		t.Errorf("Expected not_allocated after emergency stop, got %s", st.Err)
	}
	if err := m.ClearShutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if core.IsShutdown() {
		t.Error("Expected shutdown cleared")
	}
}
