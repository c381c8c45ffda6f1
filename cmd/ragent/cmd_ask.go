package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ragent/internal/engine"
	"ragent/internal/logging"
	"ragent/internal/preload"
)

var (
	askNoPreload   bool
	askShowContext bool
	askMaxTurns    int
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question with retrieval and tools",
	Long: `Runs the preload pipeline for the question, injects the ranked evidence
as context and drives the tool-calling conversation until the model answers.

Examples:
  ragent ask "what changed in the go 1.22 loop variable semantics?"
  ragent ask --show-context "summarize the documents in ./notes"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askNoPreload, "no-preload", false, "Skip the preload pipeline")
	askCmd.Flags().BoolVar(&askShowContext, "show-context", false, "Print the preloaded context before the answer")
	askCmd.Flags().IntVar(&askMaxTurns, "max-turns", 0, "Override engine.max_turns")
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := joinArgs(args)
	if question == "" {
		return fmt.Errorf("question is empty")
	}
	if askMaxTurns > 0 {
		cfg.Engine.MaxTurns = askMaxTurns
	}

	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	svc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	stderr := cmd.ErrOrStderr()
	svc.LLM.SetStatusFunc(func(notice string) {
		if notice != "" {
			fmt.Fprintf(stderr, "… %s\n", notice)
		}
	})

	stopSummaries := svc.Summarizer.Start(ctx, 30*time.Second)
	defer stopSummaries()

	var preloaded preload.Result
	if !askNoPreload {
		preloaded = svc.Preload.Run(ctx, question)
		if verbose {
			printPreloadStats(stderr, preloaded.Stats)
		}
	}

	out := cmd.OutOrStdout()
	if askShowContext && preloaded.Context != "" {
		fmt.Fprintf(out, "%s\n\n---\n\n", preloaded.Context)
	}

	res := svc.Engine.Run(ctx, preloaded.Context, question)
	logging.Boot("ask finished: state=%s turns=%d tool_calls=%d compactions=%d",
		res.State, res.Turns, res.ToolCalls, res.Compactions)

	if res.State != engine.StateDone {
		if res.Answer != "" {
			fmt.Fprintln(out, res.Answer)
		}
		return fmt.Errorf("conversation halted (%s): %w", res.Reason, res.Err)
	}
	fmt.Fprintln(out, strings.TrimSpace(res.Answer))
	return nil
}

func printPreloadStats(w io.Writer, st preload.Stats) {
	fmt.Fprintf(w, "preload: mode=%s web=%v candidates=%d included=%d truncated=%d dropped=%d chars=%d/%d elapsed=%s\n",
		st.Mode, st.WebIntent, st.Candidates, st.Included, st.Truncated, st.Dropped, st.ContextChars, st.BudgetChars,
		st.Elapsed.Round(time.Millisecond))
	for _, stage := range st.Stages {
		if stage.Skipped {
			fmt.Fprintf(w, "  %-8s skipped\n", stage.Stage)
			continue
		}
		fmt.Fprintf(w, "  %-8s %s\n", stage.Stage, stage.Duration.Round(time.Millisecond))
	}
	for _, warning := range st.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}
