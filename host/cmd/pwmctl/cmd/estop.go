package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var estopClear bool

var estopCmd = &cobra.Command{
	Use:   "estop",
	Short: "Emergency stop: free every pin and drive it low",
	Long: `Free every hybrid PWM pin and put the firmware in shutdown, where further
set commands are ignored. Use --clear to leave shutdown.`,
	Args: cobra.NoArgs,
	RunE: runEstop,
}

func init() {
	rootCmd.AddCommand(estopCmd)

	estopCmd.Flags().BoolVar(&estopClear, "clear", false, "clear the shutdown state instead")
}

func runEstop(cmd *cobra.Command, args []string) error {
	m, err := connect(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	if estopClear {
		if err := m.ClearShutdown(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "shutdown cleared")
		return nil
	}
	if err := m.EmergencyStop(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "emergency stop sent")
	return nil
}
