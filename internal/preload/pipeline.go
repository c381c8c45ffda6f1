// Package preload gathers grounding context for a query before the first
// model call: local ingestion, user memory, classification and expansion,
// candidate gathering, scoring, and budget-aware formatting.
package preload

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ragent/internal/config"
	"ragent/internal/embedding"
	"ragent/internal/fetch"
	"ragent/internal/ingest"
	"ragent/internal/logging"
	"ragent/internal/retrieval"
	"ragent/internal/search"
	"ragent/internal/store"
)

// Stage names, in execution order.
const (
	StageLocal    = "local"
	StageMemory   = "memory"
	StageClassify = "classify"
	StageGather   = "gather"
	StageScore    = "score"
	StageFormat   = "format"
)

const (
	maxFacts       = 20
	queryKeyphrase = 8
)

// WebSearcher runs one web search.
type WebSearcher interface {
	Search(ctx context.Context, query string, count int) ([]search.Result, error)
}

// Deps are the services the pipeline draws on. Nil services switch off the
// stages that need them.
type Deps struct {
	Store     *store.Store
	Ingester  *ingest.Ingester
	Search    WebSearcher
	Fetcher   *fetch.Fetcher
	Embedder  embedding.Engine
	Scorer    *retrieval.Scorer
	Expander  *retrieval.Expander
	Completer retrieval.Completer // memory check in llm mode

	Retrieval config.RetrievalConfig
	Context   config.ContextConfig
}

// StageTiming records one stage's duration.
type StageTiming struct {
	Stage    string
	Duration time.Duration
	Skipped  bool
}

// Stats describes one run.
type Stats struct {
	Mode          retrieval.Mode
	WebIntent     bool
	Reasons       []string
	SubQueries    []string
	LocalFiles    int
	LocalIngested int
	Facts         int
	Candidates    int
	Included      int
	Truncated     int
	Dropped       int
	ContextChars  int
	BudgetChars   int
	Degraded      bool
	Elapsed       time.Duration
	Stages        []StageTiming
	Warnings      []string
}

// Result is the preload context and how it was built.
type Result struct {
	Context    string
	Candidates []retrieval.Candidate // ranked, after the candidate cap
	Facts      []string
	Stats      Stats
}

// Pipeline runs the preload stages.
type Pipeline struct {
	deps Deps
}

// New returns a pipeline over deps.
func New(deps Deps) *Pipeline {
	if deps.Retrieval.GatherConcurrency <= 0 {
		deps.Retrieval.GatherConcurrency = 4
	}
	if deps.Retrieval.MaxCandidates <= 0 {
		deps.Retrieval.MaxCandidates = 12
	}
	if deps.Retrieval.ChunkHitsPerQuery <= 0 {
		deps.Retrieval.ChunkHitsPerQuery = 6
	}
	return &Pipeline{deps: deps}
}

// run carries the state of one pipeline pass.
type run struct {
	p     *Pipeline
	query string
	res   Result

	mu       sync.Mutex // guards warnings during gathering
	plan     retrieval.Plan
	seedURLs []string
}

func (r *run) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.mu.Lock()
	r.res.Stats.Warnings = append(r.res.Stats.Warnings, msg)
	r.mu.Unlock()
	logging.PreloadWarn("%s", msg)
}

func (r *run) stage(name string, enabled bool, fn func()) {
	if !enabled {
		r.res.Stats.Stages = append(r.res.Stats.Stages, StageTiming{Stage: name, Skipped: true})
		return
	}
	start := time.Now()
	fn()
	d := time.Since(start)
	r.res.Stats.Stages = append(r.res.Stats.Stages, StageTiming{Stage: name, Duration: d})
	logging.PreloadDebug("Stage %s took %v", name, d)
}

// Run builds the preload context for query. Failures in any stage become
// warnings; Run itself never fails.
func (p *Pipeline) Run(ctx context.Context, query string) Result {
	start := time.Now()
	r := &run{p: p, query: query}
	cfg := p.deps.Retrieval

	r.stage(StageLocal, cfg.EnableLocal && p.deps.Ingester != nil, func() { r.ingestLocal(ctx) })
	r.stage(StageMemory, cfg.EnableMemory && p.deps.Store != nil, func() { r.loadMemory(ctx) })
	r.stage(StageClassify, true, func() { r.classify(ctx) })

	var candidates []retrieval.Candidate
	r.stage(StageGather, true, func() { candidates = r.gather(ctx) })
	r.res.Stats.Candidates = len(candidates)

	r.stage(StageScore, len(candidates) > 0 && p.deps.Scorer != nil, func() {
		report := p.deps.Scorer.Score(ctx, candidates, query, retrieval.ExtractKeyphrases(query, queryKeyphrase), r.seedURLs)
		r.res.Stats.Degraded = report.Degraded
		for _, w := range report.Warnings {
			r.warn("scoring: %s", w)
		}
	})
	if p.deps.Scorer == nil {
		for i := range candidates {
			candidates[i].Rank = i + 1
		}
	}
	if len(candidates) > cfg.MaxCandidates {
		candidates = candidates[:cfg.MaxCandidates]
	}
	r.res.Candidates = candidates

	r.stage(StageFormat, true, func() { r.format() })

	r.res.Stats.Elapsed = time.Since(start)
	logging.Preload("Preload: mode=%s web=%v candidates=%d included=%d chars=%d in %v",
		r.plan.Mode, r.plan.WebIntent, r.res.Stats.Candidates, r.res.Stats.Included,
		r.res.Stats.ContextChars, r.res.Stats.Elapsed)
	return r.res
}

func (r *run) ingestLocal(ctx context.Context) {
	paths := ingest.PathsInQuery(r.query)
	for _, dir := range r.p.deps.Retrieval.CorpusDirs {
		if _, err := os.Stat(dir); err != nil {
			r.warn("corpus directory %s: %v", dir, err)
			continue
		}
		paths = append(paths, dir)
	}
	if len(paths) == 0 {
		return
	}
	st := r.p.deps.Ingester.IngestPaths(ctx, paths)
	r.res.Stats.LocalFiles = st.Files
	r.res.Stats.LocalIngested = st.Ingested
	for _, e := range st.Errors {
		r.warn("ingest: %s", e)
	}
}

func (r *run) loadMemory(ctx context.Context) {
	if !r.wantsMemory(ctx) {
		return
	}
	facts, err := r.p.deps.Store.UserFacts(ctx, maxFacts)
	if err != nil {
		r.warn("user facts: %v", err)
		return
	}
	for _, f := range facts {
		r.res.Facts = append(r.res.Facts, f.Fact)
	}
	r.res.Stats.Facts = len(facts)
}

func (r *run) classify(ctx context.Context) {
	localDocs := 0
	if r.p.deps.Store != nil {
		n, err := r.p.deps.Store.CountLocal(ctx)
		if err != nil {
			r.warn("count local documents: %v", err)
		}
		localDocs = n
	}
	r.plan = retrieval.Classify(r.query, localDocs, r.p.deps.Retrieval.SmallCorpusThreshold)
	r.seedURLs = r.plan.URLs

	subs := []string{r.query}
	if r.p.deps.Retrieval.EnableExpansion && r.p.deps.Expander != nil {
		if expanded := r.p.deps.Expander.Expand(ctx, r.query); len(expanded) > 0 {
			subs = expanded
		}
	}

	st := &r.res.Stats
	st.Mode = r.plan.Mode
	st.WebIntent = r.plan.WebIntent
	st.Reasons = r.plan.Reasons
	st.SubQueries = subs
}

// gather collects candidates from the web and the local corpus, one task
// per source and sub-query, bounded by GatherConcurrency. A failing task
// only costs its own candidates.
func (r *run) gather(ctx context.Context) []retrieval.Candidate {
	var (
		mu    sync.Mutex
		bags  = make(map[int][]retrieval.Candidate)
		order int
		g     errgroup.Group
	)
	g.SetLimit(r.p.deps.Retrieval.GatherConcurrency)

	submit := func(fn func() []retrieval.Candidate) {
		slot := order
		order++
		g.Go(func() error {
			cands := fn()
			mu.Lock()
			bags[slot] = cands
			mu.Unlock()
			return nil
		})
	}

	subs := r.res.Stats.SubQueries
	webOn := r.plan.WebIntent && r.p.deps.Retrieval.EnableWeb

	if webOn && r.p.deps.Fetcher != nil {
		for _, u := range r.plan.URLs {
			submit(func() []retrieval.Candidate { return r.namedURL(ctx, u) })
		}
	}
	if webOn && r.p.deps.Search != nil {
		for _, q := range subs {
			submit(func() []retrieval.Candidate { return r.webSearch(ctx, q) })
		}
	}
	if r.plan.LocalIntent && r.p.deps.Store != nil {
		if r.plan.Mode == retrieval.ModeResearch && r.canSearchChunks() {
			for _, q := range subs {
				submit(func() []retrieval.Candidate { return r.chunkHits(ctx, q) })
			}
		} else {
			if r.plan.Mode == retrieval.ModeResearch {
				r.warn("research mode without embeddings; using whole documents")
			}
			submit(func() []retrieval.Candidate { return r.wholeDocuments(ctx) })
		}
	}
	_ = g.Wait()

	// Merge in submission order so results do not depend on scheduling.
	var out []retrieval.Candidate
	seen := make(map[string]bool)
	for i := 0; i < order; i++ {
		for _, c := range bags[i] {
			key := dedupeKey(c)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, c)
		}
	}
	return out
}

func dedupeKey(c retrieval.Candidate) string {
	if n, err := store.NormalizeURL(c.URL); err == nil && c.SourceType == retrieval.SourceWeb {
		return n
	}
	return c.URL + "\x00" + c.Title
}

func (r *run) canSearchChunks() bool {
	return r.p.deps.Embedder != nil
}

func (r *run) namedURL(ctx context.Context, rawURL string) []retrieval.Candidate {
	if s := r.p.deps.Store; s != nil {
		if entry, err := s.GetEntry(ctx, rawURL); err == nil && entry != nil {
			return []retrieval.Candidate{{URL: entry.URL, SourceType: retrieval.SourceWeb, Title: entry.Title, Text: entry.Content}}
		}
	}
	page, err := r.p.deps.Fetcher.Fetch(ctx, rawURL)
	if err != nil {
		r.warn("fetch %s: %v", rawURL, err)
		return nil
	}
	if s := r.p.deps.Store; s != nil {
		if _, err := s.Cache(ctx, rawURL, page.Content, page.Title, page.Links, false); err != nil {
			r.warn("cache %s: %v", rawURL, err)
		}
	}
	return []retrieval.Candidate{{URL: rawURL, SourceType: retrieval.SourceWeb, Title: page.Title, Text: page.Content}}
}

func (r *run) webSearch(ctx context.Context, q string) []retrieval.Candidate {
	results, err := r.p.deps.Search.Search(ctx, q, 0)
	if err != nil {
		r.warn("web search %q: %v", q, err)
		return nil
	}
	out := make([]retrieval.Candidate, 0, len(results))
	for _, res := range results {
		out = append(out, retrieval.Candidate{
			URL:        res.URL,
			SourceType: retrieval.SourceWeb,
			Title:      res.Title,
			Snippet:    res.Snippet,
		})
	}
	return out
}

func (r *run) wholeDocuments(ctx context.Context) []retrieval.Candidate {
	entries, err := r.p.deps.Store.LocalEntries(ctx)
	if err != nil {
		r.warn("local documents: %v", err)
		return nil
	}
	out := make([]retrieval.Candidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, retrieval.Candidate{URL: e.URL, SourceType: retrieval.SourceCorpus, Title: e.Title, Text: e.Content})
	}
	return out
}

func (r *run) chunkHits(ctx context.Context, q string) []retrieval.Candidate {
	vec, err := r.p.deps.Embedder.Embed(ctx, q)
	if err != nil {
		r.warn("embed sub-query %q: %v", q, err)
		return nil
	}
	hits, err := r.p.deps.Store.SearchChunks(ctx, r.p.deps.Embedder.Name(), vec, store.SearchOptions{
		LocalOnly: true,
		Limit:     r.p.deps.Retrieval.ChunkHitsPerQuery,
	})
	if err != nil {
		r.warn("chunk search %q: %v", q, err)
		return nil
	}
	out := make([]retrieval.Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, retrieval.Candidate{
			URL:        h.URL,
			SourceType: retrieval.SourceCorpus,
			Title:      fmt.Sprintf("%s (part %d)", h.Title, h.Index+1),
			Text:       h.Text,
		})
	}
	return out
}
