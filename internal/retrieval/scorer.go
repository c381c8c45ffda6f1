package retrieval

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"ragent/internal/config"
	"ragent/internal/embedding"
	"ragent/internal/logging"
)

// SourceType says where a candidate came from.
type SourceType string

const (
	SourceWeb    SourceType = "web"
	SourceCorpus SourceType = "corpus"
)

// Candidate is one retrieval result being ranked. The score fields are
// filled in by Scorer.Score.
type Candidate struct {
	URL        string
	SourceType SourceType
	Hostname   string
	Title      string
	Text       string
	Snippet    string

	SemanticScore float64
	OverlapRatio  float64
	BonusScore    float64
	PenaltyScore  float64
	FinalScore    float64
	Rank          int
	WhySelected   []string
}

// body returns the text the candidate would contribute as context.
func (c *Candidate) body() string {
	if strings.TrimSpace(c.Text) != "" {
		return c.Text
	}
	return c.Snippet
}

// ScoreReport describes one scoring pass.
type ScoreReport struct {
	ScoringQuery string
	Warnings     []string
	Degraded     bool // embeddings unavailable; semantic scores are zero
}

// Scorer ranks candidates by embedding similarity and heuristics.
type Scorer struct {
	embedder embedding.Engine
	cfg      config.ScoringConfig
	noise    []*regexp.Regexp
}

// NewScorer compiles the noise path patterns. embedder may be nil, in which
// case every pass is degraded.
func NewScorer(embedder embedding.Engine, cfg config.ScoringConfig) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{embedder: embedder, cfg: cfg}
	for _, p := range cfg.NoisePathPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("noise pattern %q: %w", p, err)
		}
		s.noise = append(s.noise, re)
	}
	return s, nil
}

// Score fills in the scores of candidates, sorts them best first and assigns
// ranks 1..n. Seed URLs grant a same-domain bonus to candidates on their
// hosts.
func (s *Scorer) Score(ctx context.Context, candidates []Candidate, query string, keyphrases, seedURLs []string) ScoreReport {
	var report ScoreReport
	if len(candidates) == 0 {
		return report
	}
	timer := logging.StartTimer(logging.CategoryRetrieval, "scorer.Score")
	defer timer.Stop()

	report.ScoringQuery = s.scoringQuery(candidates, query, keyphrases)

	docs := make([]string, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		if c.Hostname == "" {
			c.Hostname = hostOf(c.URL)
		}
		docs[i] = s.docText(c)
	}

	semantic, warning := s.semanticScores(ctx, report.ScoringQuery, docs)
	if warning != "" {
		report.Warnings = append(report.Warnings, warning)
		report.Degraded = true
		logging.RetrievalWarn("Scoring degraded: %s", warning)
	}

	phrases := normalizePhrases(keyphrases)
	seeds := seedHosts(seedURLs)

	for i := range candidates {
		c := &candidates[i]
		c.SemanticScore = semantic[i]
		c.OverlapRatio = overlapRatio(strings.ToLower(docs[i]), phrases)
		noisy := s.isNoise(c.URL)

		var reasons []string
		reasons = append(reasons, fmt.Sprintf("semantic %.2f", c.SemanticScore))

		c.BonusScore = s.cfg.OverlapWeight * c.OverlapRatio
		if c.OverlapRatio > 0 {
			matched := int(c.OverlapRatio*float64(len(phrases)) + 0.5)
			reasons = append(reasons, fmt.Sprintf("keyphrase overlap %d/%d", matched, len(phrases)))
		}
		if !noisy && seeds[stripWWW(c.Hostname)] &&
			(c.SemanticScore >= s.cfg.SameDomainMinSignal || c.OverlapRatio > 0) {
			c.BonusScore += s.cfg.SameDomainBonus
			reasons = append(reasons, "same domain as seed "+stripWWW(c.Hostname))
		}

		c.PenaltyScore = 0
		if utf8.RuneCountInString(strings.TrimSpace(c.body())) < s.cfg.ShortTextChars {
			c.PenaltyScore += s.cfg.ShortTextPenalty
		}
		if noisy {
			c.PenaltyScore += s.cfg.NoisePathPenalty
			reasons = append(reasons, "noisy path")
		}

		c.FinalScore = c.SemanticScore + c.BonusScore - c.PenaltyScore
		if s.cfg.MaxReasons > 0 && len(reasons) > s.cfg.MaxReasons {
			reasons = reasons[:s.cfg.MaxReasons]
		}
		c.WhySelected = reasons
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].FinalScore > candidates[j].FinalScore
	})
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	logging.RetrievalDebug("Scored %d candidates (query=%q, degraded=%v)", len(candidates), report.ScoringQuery, report.Degraded)
	return report
}

// scoringQuery picks what the candidates are compared against: the query,
// else the keyphrases, else the lead of the first two candidates.
func (s *Scorer) scoringQuery(candidates []Candidate, query string, keyphrases []string) string {
	if q := strings.TrimSpace(query); q != "" {
		return q
	}
	if kp := strings.TrimSpace(strings.Join(keyphrases, " ")); kp != "" {
		return kp
	}
	var parts []string
	for i := 0; i < len(candidates) && i < 2; i++ {
		parts = append(parts, candidates[i].Title, lead(candidates[i].body(), s.cfg.LeadTextChars))
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// docText is the title, lead text and URL path words of a candidate. It is
// never blank so that the batch stays aligned with the candidates.
func (s *Scorer) docText(c *Candidate) string {
	parts := []string{c.Title, lead(c.body(), s.cfg.LeadTextChars), pathTokens(c.URL)}
	doc := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	if doc == "" {
		doc = c.URL
	}
	if strings.TrimSpace(doc) == "" {
		doc = "untitled"
	}
	return doc
}

func (s *Scorer) semanticScores(ctx context.Context, query string, docs []string) ([]float64, string) {
	scores := make([]float64, len(docs))
	if s.embedder == nil {
		return scores, "no embedding engine configured"
	}
	if query == "" {
		return scores, "no scoring query"
	}

	inputs := append([]string{query}, docs...)
	vecs, err := s.embedder.EmbedBatch(ctx, inputs)
	if err != nil {
		return scores, fmt.Sprintf("embedding failed: %v", err)
	}
	if len(vecs) != len(inputs) {
		return scores, fmt.Sprintf("embedding returned %d vectors for %d inputs", len(vecs), len(inputs))
	}
	for i := range docs {
		cos, err := embedding.CosineSimilarity(vecs[0], vecs[i+1])
		if err == nil && cos > 0 {
			scores[i] = cos
		}
	}
	return scores, ""
}

func (s *Scorer) isNoise(rawURL string) bool {
	target := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		target = u.RequestURI()
	}
	for _, re := range s.noise {
		if re.MatchString(target) {
			return true
		}
	}
	return false
}

func normalizePhrases(keyphrases []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range keyphrases {
		p = strings.ToLower(strings.Join(strings.Fields(p), " "))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func overlapRatio(lowerDoc string, phrases []string) float64 {
	if len(phrases) == 0 {
		return 0
	}
	hits := 0
	for _, p := range phrases {
		if strings.Contains(lowerDoc, p) {
			hits++
		}
	}
	return float64(hits) / float64(len(phrases))
}

func seedHosts(seedURLs []string) map[string]bool {
	hosts := make(map[string]bool)
	for _, raw := range seedURLs {
		if h := hostOf(raw); h != "" {
			hosts[stripWWW(h)] = true
		}
	}
	return hosts
}

func hostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func stripWWW(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// pathTokens turns /docs/getting-started/install.html into
// "docs getting started install".
func pathTokens(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	p := u.Path
	if ext := strings.LastIndex(p, "."); ext > strings.LastIndex(p, "/") {
		p = p[:ext]
	}
	words := strings.FieldsFunc(p, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(words, " ")
}

// lead returns the first max runes of text.
func lead(text string, max int) string {
	text = strings.TrimSpace(text)
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	return string([]rune(text)[:max])
}
