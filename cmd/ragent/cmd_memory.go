package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"ragent/internal/store"
)

var memoryLimit int

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Facts remembered about the user (add, list, forget)",
	Long: `Remembered facts are injected into the preload context when a question
refers to the user ("my", "I prefer", "remember", ...). The model can add
facts itself with the remember_fact tool.`,
}

var memoryAddCmd = &cobra.Command{
	Use:   "add [fact]",
	Short: "Remember a fact",
	Args:  cobra.MinimumNArgs(1),
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		id, err := s.AddUserFact(cmd.Context(), joinArgs(args))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "remembered fact #%d\n", id)
		return nil
	}),
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remembered facts, newest first",
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		facts, err := s.UserFacts(cmd.Context(), memoryLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(facts) == 0 {
			fmt.Fprintln(out, "No facts remembered.")
			return nil
		}
		for _, f := range facts {
			fmt.Fprintf(out, "#%d  %s  %s\n", f.ID, f.CreatedAt.Format("2006-01-02"), f.Fact)
		}
		return nil
	}),
}

var memoryForgetCmd = &cobra.Command{
	Use:   "forget <id>",
	Short: "Forget one fact",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid fact id %q", args[0])
		}
		removed, err := s.DeleteUserFact(cmd.Context(), id)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("no fact #%d", id)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "forgot fact #%d\n", id)
		return nil
	}),
}

func init() {
	memoryListCmd.Flags().IntVar(&memoryLimit, "limit", 50, "Maximum facts to list")

	memoryCmd.AddCommand(memoryAddCmd)
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memoryForgetCmd)
}
