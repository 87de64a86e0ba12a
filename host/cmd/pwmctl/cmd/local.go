package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"hybridpwm/config"
	"hybridpwm/core"
	"hybridpwm/periphpwm"
)

var (
	localPWMPins  []string
	localSoftware bool
	localTickRate uint32
)

var localCmd = &cobra.Command{
	Use:   "local <pin>=<duty>[@freq]...",
	Short: "Drive PWM on this host's own GPIO pins",
	Long: `Run the hybrid PWM controller on the machine pwmctl runs on, through the
periph.io host drivers (Raspberry Pi and other Linux boards). Pins listed with
--pwm use their hardware PWM function; the rest are toggled by the software
scheduler. The outputs stay set until pwmctl is interrupted, then every pin
is driven low.

Examples:
  pwmctl local --pwm gpio18 gpio18=0.25@25000     # fan on hardware PWM
  pwmctl local gpio17=0.5@100 gpio27=1            # software PWM and a static high`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLocal,
}

func init() {
	rootCmd.AddCommand(localCmd)

	localCmd.Flags().StringSliceVar(&localPWMPins, "pwm", nil, "pins with a hardware PWM function")
	localCmd.Flags().BoolVar(&localSoftware, "software", true, "enable the software scheduler")
	localCmd.Flags().Uint32Var(&localTickRate, "tick-rate", core.DefaultTickRate, "software scheduler ticks per second")
}

// localOutput is one <pin>=<duty>[@freq] argument.
type localOutput struct {
	pin  core.Pin
	duty float32
	freq uint32
}

func parseLocalOutput(arg string) (localOutput, error) {
	name, value, ok := strings.Cut(arg, "=")
	if !ok {
		return localOutput{}, fmt.Errorf("expected <pin>=<duty>[@freq], got %q", arg)
	}
	pin, err := config.ParsePin(name)
	if err != nil {
		return localOutput{}, err
	}
	if pin >= core.ExpanderPinBase {
		return localOutput{}, fmt.Errorf("pin %q is not a host GPIO", name)
	}
	dutyStr, freqStr, hasFreq := strings.Cut(value, "@")
	duty, err := strconv.ParseFloat(dutyStr, 32)
	if err != nil || duty < 0 || duty > 1 {
		return localOutput{}, fmt.Errorf("duty must be between 0 and 1, got %q", dutyStr)
	}
	out := localOutput{pin: pin, duty: float32(duty)}
	if hasFreq {
		f, err := strconv.ParseUint(freqStr, 10, 32)
		if err != nil {
			return localOutput{}, fmt.Errorf("invalid frequency %q", freqStr)
		}
		out.freq = uint32(f)
	}
	return out, nil
}

func runLocal(cmd *cobra.Command, args []string) error {
	outputs := make([]localOutput, 0, len(args))
	for _, a := range args {
		o, err := parseLocalOutput(a)
		if err != nil {
			return err
		}
		outputs = append(outputs, o)
	}
	opts := periphpwm.LocalOptions{Software: localSoftware, TickRate: localTickRate}
	for _, name := range localPWMPins {
		pin, err := config.ParsePin(name)
		if err != nil {
			return err
		}
		opts.PWMPins = append(opts.PWMPins, pin)
	}

	h, err := periphpwm.NewLocal(opts)
	if err != nil {
		return err
	}
	defer h.FreeAll()

	out := cmd.OutOrStdout()
	for _, o := range outputs {
		p, err := h.Allocate(o.pin, o.duty)
		if err != nil {
			return err
		}
		if err := p.Set(o.duty, o.freq); err != nil {
			fmt.Fprintf(out, "%s: %v, driven static\n", o.pin, err)
		}
	}
	fmt.Fprint(out, h.Status())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}
