// Package serial opens the link to a PWM MCU: a native serial port, or a
// TCP socket when the device is written "tcp:host:port" (the simulator).
package serial

import (
	"io"
	"strings"
)

// Port is a connection to the MCU.
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3") or "tcp:host:port"
	Device string

	// Baud rate (USB CDC ignores this)
	Baud int

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int
}

const tcpPrefix = "tcp:"

// DefaultConfig returns the configuration used by pwmctl.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000,
		ReadTimeout: 100,
	}
}

// IsTCP reports whether the device names a TCP endpoint.
func (c *Config) IsTCP() bool {
	return strings.HasPrefix(c.Device, tcpPrefix)
}

// Address returns the host:port of a TCP device.
func (c *Config) Address() string {
	return strings.TrimPrefix(c.Device, tcpPrefix)
}
