package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"ragent/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show recorded token and tool usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		tracker, err := usage.NewTracker(cfg.Usage.Path)
		if err != nil {
			return err
		}
		st := tracker.Stats()
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "Total: %d tokens (%d in, %d out)\n", st.Total.Total, st.Total.Input, st.Total.Output)

		if len(st.ByOperation) > 0 {
			fmt.Fprintln(out, "\nBy operation:")
			for _, op := range sortedKeys(st.ByOperation) {
				c := st.ByOperation[op]
				fmt.Fprintf(out, "  %-12s %8d in %8d out\n", op, c.Input, c.Output)
			}
		}

		if len(st.ByModel) > 0 {
			fmt.Fprintln(out, "\nBy model:")
			for _, model := range sortedKeys(st.ByModel) {
				m := st.ByModel[model]
				fmt.Fprintf(out, "  %s: %d calls, %d in, %d out\n", model, m.Calls, m.InputTokens, m.OutputTokens)
				for _, tool := range sortedKeys(m.ToolInvocationCounts) {
					fmt.Fprintf(out, "    %-22s %d\n", tool, m.ToolInvocationCounts[tool])
				}
			}
		}
		return nil
	},
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
