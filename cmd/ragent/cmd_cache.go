package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ragent/internal/llm"
	"ragent/internal/store"
	"ragent/internal/summarize"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Content cache operations (stats, get, invalidate, cleanup, summarize)",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show content cache statistics",
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		st, err := s.Stats(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Cache: %s\n", cfg.Cache.Path)
		fmt.Fprintf(out, "  entries:           %d\n", st.Entries)
		fmt.Fprintf(out, "  expired:           %d\n", st.Expired)
		fmt.Fprintf(out, "  local documents:   %d\n", st.Local)
		fmt.Fprintf(out, "  pending summaries: %d\n", st.PendingSummaries)
		fmt.Fprintf(out, "  chunk vectors:     %d\n", st.ChunkVectors)
		fmt.Fprintf(out, "  vector SQL:        %v\n", s.VectorSQL())
		return nil
	}),
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <url-or-path>",
	Short: "Print a cached document",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		entry, err := s.GetEntry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("not cached: %s", args[0])
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "# %s\nSource: %s\nFetched: %s (expires %s)\nSummary: %s\n\n%s\n",
			entry.Title, entry.URL,
			entry.FetchTimestamp.Format("2006-01-02 15:04"), entry.ExpiresAt.Format("2006-01-02 15:04"),
			entry.SummaryStatus, entry.Content)
		if entry.Summary != "" {
			fmt.Fprintf(out, "\n## Summary\n\n%s\n", strings.TrimSpace(entry.Summary))
		}
		return nil
	}),
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <url-or-path>",
	Short: "Remove one document from the cache",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		removed, err := s.Invalidate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !removed {
			fmt.Fprintf(cmd.OutOrStdout(), "not cached: %s\n", args[0])
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", args[0])
		return nil
	}),
}

var cacheCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired cache entries",
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		n, err := s.CleanupExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired entries\n", n)
		return nil
	}),
}

var cacheSummarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Summarize cached pages waiting for a summary",
	RunE: withStore(func(cmd *cobra.Command, s *store.Store, args []string) error {
		ctx, cancel := commandContext(cmd.Context())
		defer cancel()

		client := llm.New(llm.Config{
			BaseURL:      cfg.LLM.BaseURL,
			APIKey:       cfg.LLM.APIKey,
			Model:        cfg.LLM.Model,
			Timeout:      cfg.GetLLMTimeout(),
			MaxRetries:   cfg.LLM.MaxRetries,
			RetryBackoff: cfg.GetLLMRetryBackoff(),
			Temperature:  cfg.LLM.Temperature,
		})
		total := 0
		w := summarize.NewWorker(s, client)
		for {
			n, err := w.RunOnce(ctx)
			total += n
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "summarized %d entries\n", total)
		return nil
	}),
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	cacheCmd.AddCommand(cacheCleanupCmd)
	cacheCmd.AddCommand(cacheSummarizeCmd)
}

// withStore opens the cache around fn.
func withStore(fn func(cmd *cobra.Command, s *store.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		return fn(cmd, s, args)
	}
}
