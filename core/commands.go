package core

import (
	"sync/atomic"

	"hybridpwm/protocol"
)

var isShutdown uint32 // atomic bool

// InitCoreCommands registers the protocol bootstrap and shutdown commands.
// Klipper's bootstrap dictionary fixes identify_response at ID 0 and
// identify at ID 1, so this must run before any other registration.
func InitCoreCommands() {
	RegisterCommand("identify_response", "offset=%u data=%*s", nil)   // ID 0
	RegisterCommand("identify", "offset=%u count=%c", handleIdentify) // ID 1

	RegisterCommand("emergency_stop", "", handleEmergencyStop)
	RegisterCommand("clear_shutdown", "", handleClearShutdown)
	RegisterCommand("set_debug", "enable=%c", handleSetDebug)
}

// handleIdentify returns chunks of the data dictionary
func handleIdentify(data *[]byte) error {
	var offset, count uint32
	if err := protocol.DecodeArgs(data, &offset, &count); err != nil {
		return err
	}
	chunk := GetGlobalDictionary().GetChunk(offset, uint8(count))
	SendResponse("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
	return nil
}

// handleEmergencyStop frees every PWM output, leaving all pins low
func handleEmergencyStop(data *[]byte) error {
	TryShutdown()
	return nil
}

func handleClearShutdown(data *[]byte) error {
	atomic.StoreUint32(&isShutdown, 0)
	return nil
}

func handleSetDebug(data *[]byte) error {
	enable, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	SetDebugEnabled(enable != 0)
	return nil
}

// TryShutdown stops all PWM activity and enters the shutdown state.
func TryShutdown() {
	atomic.StoreUint32(&isShutdown, 1)
	if hybridPWM != nil {
		hybridPWM.FreeAll()
	}
	resetPWMObjects()
}

// IsShutdown returns true if the firmware is in shutdown state
func IsShutdown() bool {
	return atomic.LoadUint32(&isShutdown) != 0
}

// Global transport for sending responses (set by main)
var globalTransport *protocol.Transport

func SetGlobalTransport(transport *protocol.Transport) {
	globalTransport = transport
}

// SendResponse sends a registered response message through the global transport
func SendResponse(responseName string, args func(output protocol.OutputBuffer)) {
	if globalTransport == nil {
		return
	}
	cmd, ok := globalRegistry.GetCommandByName(responseName)
	if !ok {
		// all responses are registered at init
		panic("Response not registered: " + responseName)
	}
	globalTransport.SendCommand(cmd.ID, args)
}
