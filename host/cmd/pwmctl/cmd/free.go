package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var freeCmd = &cobra.Command{
	Use:   "free <oid>...",
	Short: "Release pins",
	Long:  `Stop the waveform of each oid, drive its pin low and release the backend.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFree,
}

func init() {
	rootCmd.AddCommand(freeCmd)
}

func runFree(cmd *cobra.Command, args []string) error {
	oids := make([]uint8, 0, len(args))
	for _, a := range args {
		oid, err := strconv.ParseUint(a, 10, 8)
		if err != nil {
			return fmt.Errorf("invalid oid %q", a)
		}
		oids = append(oids, uint8(oid))
	}

	m, err := connect(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	for _, oid := range oids {
		if err := m.FreePWM(cmd.Context(), oid); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "oid %d freed\n", oid)
	}
	return nil
}
