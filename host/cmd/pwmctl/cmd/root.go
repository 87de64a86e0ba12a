package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hybridpwm/host/mcu"
	"hybridpwm/host/serial"
)

var (
	// Global flags
	portName string
	baudRate int
	timeout  time.Duration
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "pwmctl",
	Short: "Hybrid PWM controller",
	Long: `Drive hybrid PWM outputs on a microcontroller: each pin gets a hardware
timer channel when one is free and falls back to software PWM otherwise.

Examples:
  pwmctl simulate --listen 127.0.0.1:7777          # Serve a simulated board
  pwmctl -p tcp:127.0.0.1:7777 set gpio0 0.5 20000  # 50% at 20 kHz on gpio0
  pwmctl -p /dev/ttyACM0 status                    # List allocated pins
  pwmctl -p /dev/ttyACM0 stats --reset             # Scheduler counters
  pwmctl local --pwm gpio18 gpio18=0.25@25000      # This host's own pins`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "/dev/ttyACM0",
		"serial device, or tcp:host:port for a simulator")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 250000, "baud rate")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 5*time.Second,
		"timeout for connecting and each command")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// connect opens the MCU named by the global flags and fetches its dictionary.
func connect(cmd *cobra.Command) (*mcu.MCU, error) {
	cfg := serial.DefaultConfig(portName)
	cfg.Baud = baudRate

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	m, err := mcu.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", portName, err)
	}
	m.Timeout = timeout
	if verbose {
		d := m.Dictionary()
		fmt.Fprintf(cmd.ErrOrStderr(), "Connected to %s: %s (%s), dictionary %d bytes\n",
			portName, d.Config["MCU"], d.Version, len(m.DictionaryData()))
	}
	return m, nil
}
