package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"hybridpwm/core"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]byte(`{
		"timers": [{"name": "TIM1", "channels": [{"pin": "gpio2", "channel": 1}]}],
		"expanders": [{"address": 65}],
		"outputs": {"fan": {"pin": "gpio2", "duty": 0.5, "frequency": 25000}}
	}`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.MCU != DefaultMCU || cfg.ClockHz != DefaultClockHz {
		t.Errorf("Expected mcu %s clock %d, got %s %d", DefaultMCU, DefaultClockHz, cfg.MCU, cfg.ClockHz)
	}
	if cfg.Scheduler.TickRate != core.DefaultTickRate {
		t.Errorf("Expected tick rate %d, got %d", core.DefaultTickRate, cfg.Scheduler.TickRate)
	}
	if cfg.Scheduler.MinimumInterruptDeltaUS != core.DefaultMinimumInterruptDeltaUS {
		t.Errorf("Expected minimum delta %d, got %d", core.DefaultMinimumInterruptDeltaUS, cfg.Scheduler.MinimumInterruptDeltaUS)
	}
	if cfg.Timers[0].ClockHz != DefaultClockHz {
		t.Errorf("Expected timer clock inherited, got %d", cfg.Timers[0].ClockHz)
	}
	e := cfg.Expanders[0]
	if e.Name != "pca9685@41" || e.Frequency != DefaultExpanderFreq {
		t.Errorf("Expected pca9685@41 at %d Hz, got %s at %d Hz", DefaultExpanderFreq, e.Name, e.Frequency)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	if _, err := Load([]byte(`{"timers": [`)); err == nil {
		t.Error("Expected parse error")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.json")
	if err := os.WriteFile(path, []byte(`{"mcu": "rp2040", "clock_hz": 125000000}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.MCU != "rp2040" || cfg.ClockHz != 125000000 {
		t.Errorf("Expected rp2040 at 125 MHz, got %s at %d", cfg.MCU, cfg.ClockHz)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "tick rate above clock",
			json: `{"clock_hz": 1000, "scheduler": {"tick_rate": 2000}}`,
			want: "tick_rate 2000 above clock",
		},
		{
			name: "resolution",
			json: `{"compare_resolution_bits": 20}`,
			want: "compare_resolution_bits 20",
		},
		{
			name: "duplicate timer",
			json: `{"timers": [{"name": "T"}, {"name": "T"}]}`,
			want: "timer T: defined twice",
		},
		{
			name: "pin routed twice",
			json: `{"timers": [{"name": "A", "channels": [{"pin": "gpio1", "channel": 1}]},
				{"name": "B", "channels": [{"pin": "gpio1", "channel": 2}]}]}`,
			want: "already routed to A",
		},
		{
			name: "channel range",
			json: `{"timers": [{"name": "A", "channels": [{"pin": "gpio1", "channel": 16}]}]}`,
			want: "channel 16 out of range",
		},
		{
			name: "expander address",
			json: `{"expanders": [{"address": 200}]}`,
			want: "not a 7-bit address",
		},
		{
			name: "expanders overlap",
			json: `{"expanders": [{"address": 64}, {"address": 65, "first_channel": 8}]}`,
			want: "overlaps pca9685@40",
		},
		{
			name: "output without expander",
			json: `{"outputs": {"led": {"pin": "exp3"}}}`,
			want: "no expander provides exp3",
		},
		{
			name: "output duty",
			json: `{"outputs": {"led": {"pin": "gpio3", "duty": 1.5}}}`,
			want: "duty 1.5 outside [0,1]",
		},
		{
			name: "output pin shared",
			json: `{"outputs": {"a": {"pin": "gpio3"}, "b": {"pin": "3"}}}`,
			want: "already used by",
		},
		{
			name: "bad pin",
			json: `{"outputs": {"a": {"pin": "pa3"}}}`,
			want: `invalid pin "pa3"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load([]byte(tt.json))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			err = cfg.Validate()
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateTooManyOutputs(t *testing.T) {
	cfg := DefaultBoardConfig()
	cfg.Outputs = make(map[string]OutputConfig)
	for i := 0; i <= core.MaxPWMPins; i++ {
		cfg.Outputs["out"+strconv.Itoa(i)] = OutputConfig{Pin: "gpio" + strconv.Itoa(i)}
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "outputs, at most") {
		t.Errorf("Expected output count error, got %v", err)
	}
}

func TestParsePin(t *testing.T) {
	tests := []struct {
		in   string
		want core.Pin
		ok   bool
	}{
		{"gpio0", 0, true},
		{"GPIO25", 25, true},
		{" 17 ", 17, true},
		{"exp0", core.ExpanderPinBase, true},
		{"exp15", core.ExpanderPinBase + 15, true},
		{"256", core.NoPin, false},
		{"gpio", core.NoPin, false},
		{"pb7", core.NoPin, false},
		{"exp-1", core.NoPin, false},
	}
	for _, tt := range tests {
		got, err := ParsePin(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParsePin(%q): expected ok=%v, got err %v", tt.in, tt.ok, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePin(%q): expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestOutputNamesInPinOrder(t *testing.T) {
	cfg := DefaultBoardConfig()
	cfg.Outputs = map[string]OutputConfig{
		"heater": {Pin: "exp2"},
		"fan":    {Pin: "gpio9"},
		"led":    {Pin: "gpio1"},
	}
	got := cfg.OutputNames()
	want := []string{"led", "fan", "heater"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestOptions(t *testing.T) {
	cfg := DefaultBoardConfig()
	cfg.Scheduler.MinimumInterruptDeltaUS = 80
	cfg.CompareResolutionBits = 10
	opts := cfg.Options()
	if opts.TickRate != core.DefaultTickRate || opts.MinimumInterruptDeltaUS != 80 || opts.CompareResolutionBits != 10 {
		t.Errorf("Unexpected options %+v", opts)
	}
	if opts.GPIO != nil || opts.Lookup != nil || opts.Timer != nil {
		t.Error("Expected platform fields left empty")
	}
}

func TestDefaultBoardConfigIsValid(t *testing.T) {
	cfg := DefaultBoardConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected default board valid, got %v", err)
	}
	if len(cfg.Timers) != 2 || len(cfg.Expanders) != 1 {
		t.Errorf("Expected two timers and one expander, got %d and %d", len(cfg.Timers), len(cfg.Expanders))
	}
}
