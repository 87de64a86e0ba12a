package mcu

import (
	"context"
	"fmt"
	"math"
	"strings"

	"hybridpwm/config"
	"hybridpwm/core"
)

const (
	defaultPWMMax = core.HybridPWMMax
	statusChunk   = 48
)

// PinState is the decoded hybrid_pwm_state response.
type PinState struct {
	OID     uint8
	Pin     core.Pin
	PinName string
	Freq    uint32
	Value   float64
	Backend core.BackendKind
	Err     core.Code
}

func (s *PinState) String() string {
	if s.Pin == core.NoPin {
		return fmt.Sprintf("oid %d: %s", s.OID, s.Err)
	}
	return fmt.Sprintf("oid %d %s: value=%.3f freq=%d backend=%s error=%s",
		s.OID, s.PinName, s.Value, s.Freq, s.Backend, s.Err)
}

// Stats is the decoded hybrid_pwm_stats response.
type Stats struct {
	Interrupts uint32
	Flips      uint32
	Adjusted   uint32
	Late       uint32
	Overruns   uint32
	Fastest    uint32
	Slowest    uint32
	Active     int
}

func (m *MCU) pwmMax() uint32 {
	if m.dictionary != nil {
		if v, ok := m.dictionary.Constant("HYBRID_PWM_MAX"); ok && v > 0 {
			return v
		}
	}
	return defaultPWMMax
}

func (m *MCU) toValue(duty float64) uint32 {
	max := m.pwmMax()
	switch {
	case duty <= 0 || math.IsNaN(duty):
		return 0
	case duty >= 1:
		return max
	}
	return uint32(math.Round(duty * float64(max)))
}

// PinNumber resolves a pin name through the dictionary's pin enumeration,
// falling back to the "gpioN" / "expN" / number syntax.
func (m *MCU) PinNumber(name string) (core.Pin, error) {
	if m.dictionary != nil {
		if v, ok := m.dictionary.Enum("pin", strings.ToLower(name)); ok {
			return core.Pin(v), nil
		}
	}
	return config.ParsePin(name)
}

// PinName is the reverse of PinNumber.
func (m *MCU) PinName(pin core.Pin) string {
	if m.dictionary != nil {
		if name, ok := m.dictionary.EnumName("pin", int(pin)); ok {
			return name
		}
	}
	return pin.String()
}

// ConfigurePWM binds oid to pin at duty 0..1.
func (m *MCU) ConfigurePWM(ctx context.Context, oid uint8, pin string, duty float64) error {
	p, err := m.PinNumber(pin)
	if err != nil {
		return err
	}
	return m.Send(ctx, "config_hybrid_pwm", oid, uint32(p), m.toValue(duty))
}

// SetPWM sets duty and frequency of oid. A frequency of 0 gives a static level.
func (m *MCU) SetPWM(ctx context.Context, oid uint8, duty float64, freq uint32) error {
	return m.Send(ctx, "set_hybrid_pwm", oid, m.toValue(duty), freq)
}

// FreePWM releases oid and its pin.
func (m *MCU) FreePWM(ctx context.Context, oid uint8) error {
	return m.Send(ctx, "free_hybrid_pwm", oid)
}

// QueryPWM returns the state of oid.
func (m *MCU) QueryPWM(ctx context.Context, oid uint8) (*PinState, error) {
	f, err := m.Query(ctx, "query_hybrid_pwm", "hybrid_pwm_state", oid)
	if err != nil {
		return nil, err
	}
	st := &PinState{
		OID:     uint8(f.Uint("oid")),
		Pin:     core.Pin(f.Uint("pin")),
		Freq:    f.Uint("freq"),
		Value:   float64(f.Uint("value")) / float64(m.pwmMax()),
		Backend: core.BackendKind(f.Uint("backend")),
		Err:     core.CodeFromNumber(uint8(f.Uint("error"))),
	}
	st.PinName = m.PinName(st.Pin)
	return st, nil
}

// Status returns the firmware's status dump, one line per allocated pin.
func (m *MCU) Status(ctx context.Context) (string, error) {
	var sb strings.Builder
	for offset := uint32(0); ; {
		f, err := m.Query(ctx, "query_hybrid_pwm_status", "hybrid_pwm_status", offset, statusChunk)
		if err != nil {
			return "", err
		}
		if got := f.Uint("offset"); got != offset {
			return "", fmt.Errorf("status offset mismatch: got %d, expected %d", got, offset)
		}
		data := f.Bytes("data")
		sb.Write(data)
		offset += uint32(len(data))
		if len(data) < statusChunk {
			return sb.String(), nil
		}
	}
}

// Stats returns the software scheduler counters, clearing them if reset.
func (m *MCU) Stats(ctx context.Context, reset bool) (*Stats, error) {
	f, err := m.Query(ctx, "query_hybrid_pwm_stats", "hybrid_pwm_stats", reset)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Interrupts: f.Uint("interrupts"),
		Flips:      f.Uint("flips"),
		Adjusted:   f.Uint("adjusted"),
		Late:       f.Uint("late"),
		Overruns:   f.Uint("overruns"),
		Fastest:    f.Uint("fastest"),
		Slowest:    f.Uint("slowest"),
		Active:     int(f.Uint("active")),
	}, nil
}

// EmergencyStop frees every pin and puts the firmware in shutdown.
func (m *MCU) EmergencyStop(ctx context.Context) error {
	return m.Send(ctx, "emergency_stop")
}

// ClearShutdown leaves the shutdown state.
func (m *MCU) ClearShutdown(ctx context.Context) error {
	return m.Send(ctx, "clear_shutdown")
}
