package core

import "hybridpwm/protocol"

// HybridPWMMax is the full-scale value of the value=%hu command arguments.
const HybridPWMMax = 4095

// pwmObject is the state behind an oid. pin is nil when config failed.
type pwmObject struct {
	pin *HybridPin
	err Code
}

var (
	pwmObjects = make(map[uint8]*pwmObject)

	// status text is captured at offset 0 so every chunk comes from one dump
	statusSnapshot []byte
)

// InitHybridPWMCommands registers the hybrid PWM commands and constants
func InitHybridPWMCommands() {
	RegisterCommand("config_hybrid_pwm", "oid=%c pin=%u value=%hu", handleConfigHybridPWM)
	RegisterCommand("set_hybrid_pwm", "oid=%c value=%hu freq=%u", handleSetHybridPWM)
	RegisterCommand("free_hybrid_pwm", "oid=%c", handleFreeHybridPWM)
	RegisterCommand("query_hybrid_pwm", "oid=%c", handleQueryHybridPWM)
	RegisterCommand("query_hybrid_pwm_status", "offset=%u count=%c", handleQueryHybridPWMStatus)
	RegisterCommand("query_hybrid_pwm_stats", "reset=%c", handleQueryHybridPWMStats)

	RegisterResponse("hybrid_pwm_state", "oid=%c pin=%u freq=%u value=%hu backend=%c error=%c")
	RegisterResponse("hybrid_pwm_status", "offset=%u data=%*s")
	RegisterResponse("hybrid_pwm_stats", "interrupts=%u flips=%u adjusted=%u late=%u overruns=%u fastest=%u slowest=%u active=%c")

	RegisterConstant("HYBRID_PWM_MAX", uint32(HybridPWMMax))
	RegisterConstant("MAX_PWM_CHANNELS", uint32(MaxPWMChannels))
	RegisterConstant("MAX_PWM_PINS", uint32(MaxPWMPins))
}

func resetPWMObjects() {
	pwmObjects = make(map[uint8]*pwmObject)
	statusSnapshot = nil
}

func valueToDuty(v uint32) float32 {
	if v >= HybridPWMMax {
		return 1
	}
	return float32(v) / HybridPWMMax
}

func dutyToValue(d float32) uint32 {
	if d <= 0 {
		return 0
	}
	if d >= 1 {
		return HybridPWMMax
	}
	return uint32(d*HybridPWMMax + 0.5)
}

// handleConfigHybridPWM creates the pin facade for an oid
// Format: config_hybrid_pwm oid=%c pin=%u value=%hu
func handleConfigHybridPWM(data *[]byte) error {
	var oid, pin, value uint32
	if err := protocol.DecodeArgs(data, &oid, &pin, &value); err != nil {
		return err
	}

	if old, ok := pwmObjects[uint8(oid)]; ok && old.pin != nil {
		_ = old.pin.Free()
	}
	p, err := MustHybridPWM().Allocate(Pin(pin), valueToDuty(value))
	pwmObjects[uint8(oid)] = &pwmObject{pin: p, err: CodeOf(err)}
	if err != nil {
		DebugPrintln("[PWM] config oid=" + utoa(oid) + " failed: " + err.Error())
	}
	return nil
}

// handleSetHybridPWM sets duty and frequency
// Format: set_hybrid_pwm oid=%c value=%hu freq=%u
func handleSetHybridPWM(data *[]byte) error {
	var oid, value, freq uint32
	if err := protocol.DecodeArgs(data, &oid, &value, &freq); err != nil {
		return err
	}

	obj, ok := pwmObjects[uint8(oid)]
	if !ok || obj.pin == nil || IsShutdown() {
		return nil
	}
	// allocation failures leave the pin static; the host reads the code back
	obj.err = CodeOf(obj.pin.Set(valueToDuty(value), freq))
	return nil
}

// handleFreeHybridPWM releases the pin of an oid
// Format: free_hybrid_pwm oid=%c
func handleFreeHybridPWM(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	obj, ok := pwmObjects[uint8(oid)]
	if !ok {
		return nil
	}
	if obj.pin != nil {
		_ = obj.pin.Free()
	}
	delete(pwmObjects, uint8(oid))
	return nil
}

// handleQueryHybridPWM reports the state of an oid
// Response: hybrid_pwm_state oid=%c pin=%u freq=%u value=%hu backend=%c error=%c
func handleQueryHybridPWM(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	st := PinState{Pin: NoPin}
	code := ErrNotAllocated
	if obj, ok := pwmObjects[uint8(oid)]; ok {
		code = obj.err
		if obj.pin != nil {
			st = obj.pin.State()
		}
	}
	SendResponse("hybrid_pwm_state", func(output protocol.OutputBuffer) {
		protocol.EncodeArgs(output, oid, uint32(st.Pin), st.Freq,
			dutyToValue(st.Value), uint32(st.Backend), uint32(code.Number()))
	})
	return nil
}

// handleQueryHybridPWMStatus returns a chunk of the status dump
// Format: query_hybrid_pwm_status offset=%u count=%c
func handleQueryHybridPWMStatus(data *[]byte) error {
	var offset, count uint32
	if err := protocol.DecodeArgs(data, &offset, &count); err != nil {
		return err
	}
	if offset == 0 || statusSnapshot == nil {
		statusSnapshot = MustHybridPWM().AppendStatus(statusSnapshot[:0])
	}
	var chunk []byte
	if offset < uint32(len(statusSnapshot)) {
		end := offset + count
		if end > uint32(len(statusSnapshot)) {
			end = uint32(len(statusSnapshot))
		}
		chunk = statusSnapshot[offset:end]
	}
	SendResponse("hybrid_pwm_status", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
	return nil
}

// handleQueryHybridPWMStats reports the software scheduler counters
// Format: query_hybrid_pwm_stats reset=%c
func handleQueryHybridPWMStats(data *[]byte) error {
	reset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	var st SchedulerStats
	active := 0
	if s := MustHybridPWM().Scheduler(); s != nil {
		st = s.Stats()
		active = s.ActiveChannels()
		if reset != 0 {
			s.ResetStats()
		}
	}
	SendResponse("hybrid_pwm_stats", func(output protocol.OutputBuffer) {
		protocol.EncodeArgs(output, st.Interrupts, st.Flips, st.Adjusted, st.Late,
			st.Overruns, st.FastestService, st.SlowestService, uint32(active))
	})
	return nil
}
