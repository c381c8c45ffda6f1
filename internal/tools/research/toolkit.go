package research

import (
	"context"
	"sync"
	"time"

	"ragent/internal/config"
	"ragent/internal/fetch"
	"ragent/internal/retrieval"
	"ragent/internal/search"
	"ragent/internal/store"
	"ragent/internal/tools"
)

const (
	fetchToolTimeout     = 45 * time.Second
	fetchURLsToolTimeout = 2 * time.Minute
	searchToolTimeout    = 30 * time.Second
	relevantToolTimeout  = time.Minute
	memoryToolTimeout    = 10 * time.Second

	defaultPoolSize = 5
	maxFetchURLs    = 20
)

// Deps are the services the research tools run against. Nil services
// disable the tools that need them.
type Deps struct {
	Store   *store.Store
	Fetcher *fetch.Fetcher
	Search  *search.Client
	Scorer  *retrieval.Scorer
	Config  config.ToolsConfig
}

// Toolkit is the research capability.
type Toolkit struct {
	deps  Deps
	reads *ReadTracker // used when the context carries no tracker
}

// New returns the research capability over deps.
func New(deps Deps) *Toolkit {
	if deps.Config.FetchPoolSize <= 0 {
		deps.Config.FetchPoolSize = defaultPoolSize
	}
	return &Toolkit{deps: deps, reads: NewReadTracker()}
}

// Name implements tools.Capability.
func (k *Toolkit) Name() string { return "research" }

// Tools implements tools.Capability.
func (k *Toolkit) Tools() []*tools.Tool {
	var out []*tools.Tool
	if k.deps.Fetcher != nil {
		out = append(out, k.webFetchTool(), k.fetchURLsTool())
	}
	if k.deps.Search != nil {
		out = append(out, k.webSearchTool())
	}
	if k.deps.Store != nil && k.deps.Scorer != nil {
		out = append(out, k.relevantContentTool())
	}
	if k.deps.Store != nil {
		out = append(out, k.rememberFactTool())
	}
	return out
}

func (k *Toolkit) tracker(ctx context.Context) *ReadTracker {
	if rt := ReadTrackerFrom(ctx); rt != nil {
		return rt
	}
	return k.reads
}

// ReadTracker remembers which URLs were read during one conversation so the
// model is told instead of silently re-reading a page.
type ReadTracker struct {
	mu    sync.Mutex
	seen  map[string]bool
	order []string
}

// NewReadTracker returns an empty tracker.
func NewReadTracker() *ReadTracker {
	return &ReadTracker{seen: make(map[string]bool)}
}

// claim marks key as read and reports whether it was unread before.
func (r *ReadTracker) claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[key] {
		return false
	}
	r.seen[key] = true
	r.order = append(r.order, key)
	return true
}

// release forgets key after a failed read so it can be retried.
func (r *ReadTracker) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.seen[key] {
		return
	}
	delete(r.seen, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Has reports whether the normalized URL was read.
func (r *ReadTracker) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[key]
}

// URLs returns the read URLs in the order they were read.
func (r *ReadTracker) URLs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type readTrackerKey struct{}

// WithReadTracker scopes rt to one conversation.
func WithReadTracker(ctx context.Context, rt *ReadTracker) context.Context {
	return context.WithValue(ctx, readTrackerKey{}, rt)
}

// ReadTrackerFrom returns the conversation's tracker, or nil.
func ReadTrackerFrom(ctx context.Context) *ReadTracker {
	rt, _ := ctx.Value(readTrackerKey{}).(*ReadTracker)
	return rt
}
