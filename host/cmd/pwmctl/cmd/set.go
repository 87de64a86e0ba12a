package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var setOID uint8

var setCmd = &cobra.Command{
	Use:   "set <pin> <duty> [freq]",
	Short: "Set duty cycle and frequency of a pin",
	Long: `Bind an oid to a pin and set its duty cycle (0..1) and frequency in Hz.
Without a frequency, or with 0, the pin is driven as a static level: high for
duty >= 0.5, low below.

Examples:
  pwmctl set gpio0 0.5 20000          # hardware or software PWM at 20 kHz
  pwmctl set --oid 3 exp4 0.25 1000   # PCA9685 channel 4
  pwmctl set gpio13 1                 # static high`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runSet,
}

func init() {
	rootCmd.AddCommand(setCmd)

	setCmd.Flags().Uint8VarP(&setOID, "oid", "o", 0, "object id for the pin")
}

func runSet(cmd *cobra.Command, args []string) error {
	duty, err := strconv.ParseFloat(args[1], 64)
	if err != nil || duty < 0 || duty > 1 {
		return fmt.Errorf("duty must be between 0 and 1, got %q", args[1])
	}
	var freq uint64
	if len(args) == 3 {
		if freq, err = strconv.ParseUint(args[2], 10, 32); err != nil {
			return fmt.Errorf("invalid frequency %q", args[2])
		}
	}

	m, err := connect(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx := cmd.Context()
	if err := m.ConfigurePWM(ctx, setOID, args[0], 0); err != nil {
		return err
	}
	if err := m.SetPWM(ctx, setOID, duty, uint32(freq)); err != nil {
		return err
	}
	st, err := m.QueryPWM(ctx, setOID)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), st)
	return nil
}
