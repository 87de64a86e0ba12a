// Package protocol implements the Klipper communication protocol: VLQ
// argument encoding, CRC16 message blocks, and the MCU and host ends of
// the acknowledged transport.
package protocol

import "errors"

// Version is the protocol implementation version reported by tools.
const Version = "0.1.0"

// Protocol constants
const (
	MessageMax = 512 // output scratch size, several blocks per flush

	MessageSeqMask  = 0x0F
	MessageSeqShift = 4
)

var errHandlerPanic = errors.New("command handler panicked")
