package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"ragent/internal/embedding"
	"ragent/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path...]",
	Short: "Add local documents to the corpus",
	Long: `Ingests markdown, text and HTML files into the content cache and embeds
their chunks for research-mode retrieval. Directories are walked
recursively; unchanged files are skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var watchDebounce = ingest.DefaultDebounce

var watchCmd = &cobra.Command{
	Use:   "watch [dir...]",
	Short: "Ingest directories and keep them in sync",
	Long: `Ingests the given directories, then watches them and re-ingests files as
they change. Deleted files are removed from the corpus. Stops on Ctrl+C or
when --timeout elapses.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", ingest.DefaultDebounce, "Quiet period before a changed file is re-ingested")
}

// newIngester opens the cache and embedder only; ingestion needs nothing else.
func newIngester(cmd *cobra.Command) (*ingest.Ingester, func(), error) {
	s, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	var embedder embedding.Engine
	if e, err := embedding.NewEngine(embeddingConfig(cfg, nil)); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "embedding disabled: %v\n", err)
	} else {
		embedder = e
	}
	return ingest.New(s, embedder, cfg.Retrieval), func() { _ = s.Close() }, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	ing, closeFn, err := newIngester(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	st := ing.IngestPaths(ctx, args)
	printIngestStats(cmd.OutOrStdout(), st)
	if st.Files == 0 && len(st.Errors) > 0 {
		return fmt.Errorf("nothing ingested")
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd.Context())
	defer cancel()

	ing, closeFn, err := newIngester(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	out := cmd.OutOrStdout()
	printIngestStats(out, ing.IngestPaths(ctx, args))

	w, err := ingest.NewWatcher(ing, watchDebounce)
	if err != nil {
		return err
	}
	for _, dir := range args {
		if err := w.Add(dir); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "watching %d directories\n", len(w.WatchedDirs()))

	err = w.Run(ctx)
	ws := w.Stats()
	fmt.Fprintf(out, "watch stopped: events=%d ingested=%d removed=%d errors=%d\n",
		ws.Events, ws.Ingested, ws.Removed, ws.Errors)
	return err
}

func printIngestStats(w io.Writer, st ingest.Stats) {
	fmt.Fprintf(w, "files=%d ingested=%d unchanged=%d skipped=%d embedded=%d errors=%d\n",
		st.Files, st.Ingested, st.Unchanged, st.Skipped, st.Embedded, len(st.Errors))
	for _, e := range st.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
}
