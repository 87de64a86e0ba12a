package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hybridpwm/config"
	"hybridpwm/sim"
)

var (
	simConfigFile string
	simListen     string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Serve a simulated hybrid PWM board over TCP",
	Long: `Run the firmware against simulated timers, GPIO and a PCA9685 expander,
and serve its command interface on a TCP port. Other pwmctl commands reach it
with --port tcp:<address>. One host connection is served at a time; pin
state survives reconnects.

The board file is JSON (see config.Config). Without one, the default board
has TIM2 on gpio0-3, TIM3 on gpio4-7 and a PCA9685 at 0x40 as exp0-15.

Examples:
  pwmctl simulate --listen 127.0.0.1:7777
  pwmctl simulate --config board.json --listen :7777`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().StringVarP(&simConfigFile, "config", "c", "", "board configuration file")
	simulateCmd.Flags().StringVarP(&simListen, "listen", "l", "127.0.0.1:7777", "TCP address to serve on")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultBoardConfig()
	if simConfigFile != "" {
		var err error
		if cfg, err = config.LoadFile(simConfigFile); err != nil {
			return err
		}
	}
	b, err := sim.NewBoard(cfg)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", simListen)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Simulating %s on %s\n", cfg.MCU, ln.Addr())
	for _, name := range cfg.OutputNames() {
		fmt.Fprintf(out, "  %-10s %s\n", name, b.Outputs[name].Describe())
	}
	return serveBoard(ctx, ln, b, out)
}

// serveBoard accepts host connections one at a time until ctx is done.
func serveBoard(ctx context.Context, ln net.Listener, b *sim.Board, out io.Writer) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if verbose {
			fmt.Fprintf(out, "host connected from %s\n", conn.RemoteAddr())
		}
		err = b.Serve(ctx, conn)
		conn.Close()
		if err != nil && ctx.Err() == nil {
			fmt.Fprintf(out, "connection closed: %v\n", err)
		}
	}
}
