package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var (
	statusOIDs []uint
	statsReset bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show allocated pins",
	Long: `Print one line per allocated pin with its frequency, duty and backend.
With --oid, print the state of the given oids instead, including the error
code of the last allocation.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show software PWM scheduler counters",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Print the MCU data dictionary",
	Args:  cobra.NoArgs,
	RunE:  runIdentify,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(identifyCmd)

	statusCmd.Flags().UintSliceVarP(&statusOIDs, "oid", "o", nil, "oids to query")
	statsCmd.Flags().BoolVarP(&statsReset, "reset", "r", false, "clear the counters after reading")
}

func runStatus(cmd *cobra.Command, args []string) error {
	m, err := connect(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	out := cmd.OutOrStdout()
	if len(statusOIDs) == 0 {
		status, err := m.Status(cmd.Context())
		if err != nil {
			return err
		}
		if status == "" {
			fmt.Fprintln(out, "no pins allocated")
			return nil
		}
		fmt.Fprint(out, status)
		return nil
	}
	for _, oid := range statusOIDs {
		if oid > 255 {
			return fmt.Errorf("invalid oid %d", oid)
		}
		st, err := m.QueryPWM(cmd.Context(), uint8(oid))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, st)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	m, err := connect(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	st, err := m.Stats(cmd.Context(), statsReset)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "active channels:  %d\n", st.Active)
	fmt.Fprintf(out, "interrupts:       %d\n", st.Interrupts)
	fmt.Fprintf(out, "phase flips:      %d\n", st.Flips)
	fmt.Fprintf(out, "delta adjusted:   %d\n", st.Adjusted)
	fmt.Fprintf(out, "late phases:      %d\n", st.Late)
	fmt.Fprintf(out, "overruns:         %d\n", st.Overruns)
	fmt.Fprintf(out, "service ticks:    %d..%d\n", st.Fastest, st.Slowest)
	return nil
}

func runIdentify(cmd *cobra.Command, args []string) error {
	m, err := connect(cmd)
	if err != nil {
		return err
	}
	defer m.Close()

	d := m.Dictionary()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Version: %s\n", d.Version)
	fmt.Fprintln(out, "Constants:")
	for _, name := range sortedKeys(d.Config) {
		fmt.Fprintf(out, "  %s = %s\n", name, d.Config[name])
	}
	fmt.Fprintln(out, "Commands:")
	for _, sig := range sortedKeys(d.Commands) {
		fmt.Fprintf(out, "  %3d  %s\n", d.Commands[sig], sig)
	}
	fmt.Fprintln(out, "Responses:")
	for _, sig := range sortedKeys(d.Responses) {
		fmt.Fprintf(out, "  %3d  %s\n", d.Responses[sig], sig)
	}
	fmt.Fprintf(out, "Pins: %d\n", len(d.Enumerations["pin"]))
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
