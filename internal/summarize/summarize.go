// Package summarize fills in summaries for cache entries queued as pending.
// The conversation engine substitutes these summaries for oversized tool
// results when it compacts history.
package summarize

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ragent/internal/logging"
	"ragent/internal/retrieval"
	"ragent/internal/store"
)

const (
	defaultBatch      = 5
	defaultInputChars = 24000
	defaultMaxTokens  = 400
	defaultInterval   = time.Minute
)

const systemPrompt = `You summarize documents for later reference. Write a dense summary of at most 200 words.
Keep names, numbers, versions and dates. Do not add commentary.`

// Queue is the part of the store the worker needs.
type Queue interface {
	PendingSummaries(ctx context.Context, limit int) ([]store.CacheEntry, error)
	SetSummary(ctx context.Context, id, contentHash, summary string, status store.SummaryStatus) error
}

// Worker summarizes pending entries with a chat model.
type Worker struct {
	queue      Queue
	completer  retrieval.Completer
	batch      int
	inputChars int
	maxTokens  int
}

// NewWorker returns a worker reading from queue.
func NewWorker(queue Queue, completer retrieval.Completer) *Worker {
	return &Worker{
		queue:      queue,
		completer:  completer,
		batch:      defaultBatch,
		inputChars: defaultInputChars,
		maxTokens:  defaultMaxTokens,
	}
}

// RunOnce summarizes up to one batch of pending entries and returns how many
// were completed. A failed completion marks the entry failed and moves on.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	pending, err := w.queue.PendingSummaries(ctx, w.batch)
	if err != nil {
		return 0, fmt.Errorf("list pending summaries: %w", err)
	}

	done := 0
	for _, entry := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		summary, err := w.completer.Complete(ctx, systemPrompt, w.prompt(entry), w.maxTokens)
		status := store.SummaryDone
		if err != nil || strings.TrimSpace(summary) == "" {
			if ctx.Err() != nil {
				return done, ctx.Err()
			}
			logging.StoreWarn("Summarizing %s failed: %v", entry.URL, err)
			status, summary = store.SummaryFailed, ""
		}
		if err := w.queue.SetSummary(ctx, entry.ID, entry.ContentHash, strings.TrimSpace(summary), status); err != nil {
			return done, fmt.Errorf("save summary for %s: %w", entry.URL, err)
		}
		if status == store.SummaryDone {
			done++
			logging.StoreDebug("Summarized %s (%d chars)", entry.URL, len(summary))
		}
	}
	return done, nil
}

func (w *Worker) prompt(entry store.CacheEntry) string {
	content := entry.Content
	if runes := []rune(content); len(runes) > w.inputChars {
		content = string(runes[:w.inputChars])
	}
	var b strings.Builder
	if entry.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", entry.Title)
	}
	fmt.Fprintf(&b, "Source: %s\n\n%s", entry.URL, content)
	return b.String()
}

// Start runs RunOnce every interval until stop is called or ctx ends.
// stop blocks until the loop has exited.
func (w *Worker) Start(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = defaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logging.StoreWarn("Summary worker pass failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}
