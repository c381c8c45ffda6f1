package config

import "fmt"

// RetrievalConfig configures chunking, expansion and the preload pipeline.
type RetrievalConfig struct {
	ChunkTargetChars     int      `yaml:"chunk_target_chars"`
	ChunkOverlapChars    int      `yaml:"chunk_overlap_chars"`
	MaxSubQueries        int      `yaml:"max_sub_queries"`
	MinExpansionChars    int      `yaml:"min_expansion_chars"`
	ExpansionMode        string   `yaml:"expansion_mode"` // deterministic or llm
	ExpansionMaxTokens   int      `yaml:"expansion_max_tokens"`
	CorpusDirs           []string `yaml:"corpus_dirs"`
	SmallCorpusThreshold int      `yaml:"small_corpus_threshold"`
	MaxCandidates        int      `yaml:"max_candidates"`
	ChunkHitsPerQuery    int      `yaml:"chunk_hits_per_query"`
	GatherConcurrency    int      `yaml:"gather_concurrency"`
	EnableLocal          bool     `yaml:"enable_local"`
	EnableMemory         bool     `yaml:"enable_memory"`
	MemoryMode           string   `yaml:"memory_mode"` // deterministic or llm
	EnableExpansion      bool     `yaml:"enable_expansion"`
	EnableWeb            bool     `yaml:"enable_web"`
	MaxFileBytes         int64    `yaml:"max_file_bytes"`
}

// DefaultRetrievalConfig returns retrieval defaults.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		ChunkTargetChars:     1200,
		ChunkOverlapChars:    150,
		MaxSubQueries:        4,
		MinExpansionChars:    24,
		ExpansionMode:        "deterministic",
		ExpansionMaxTokens:   200,
		SmallCorpusThreshold: 10,
		MaxCandidates:        12,
		ChunkHitsPerQuery:    6,
		GatherConcurrency:    4,
		EnableLocal:          true,
		EnableMemory:         true,
		MemoryMode:           "deterministic",
		EnableExpansion:      true,
		EnableWeb:            true,
		MaxFileBytes:         4 << 20,
	}
}

// ScoringConfig holds the candidate scoring heuristics. None of these values
// has a derivation; they are tuning knobs.
type ScoringConfig struct {
	OverlapWeight       float64  `yaml:"overlap_weight"`
	SameDomainBonus     float64  `yaml:"same_domain_bonus"`
	SameDomainMinSignal float64  `yaml:"same_domain_min_signal"`
	ShortTextChars      int      `yaml:"short_text_chars"`
	ShortTextPenalty    float64  `yaml:"short_text_penalty"`
	NoisePathPenalty    float64  `yaml:"noise_path_penalty"`
	LeadTextChars       int      `yaml:"lead_text_chars"`
	MaxReasons          int      `yaml:"max_reasons"`
	NoisePathPatterns   []string `yaml:"noise_path_patterns"`
}

// DefaultScoringConfig returns scoring defaults.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		OverlapWeight:       0.35,
		SameDomainBonus:     0.10,
		SameDomainMinSignal: 0.25,
		ShortTextChars:      200,
		ShortTextPenalty:    0.10,
		NoisePathPenalty:    0.25,
		LeadTextChars:       600,
		MaxReasons:          4,
		NoisePathPatterns: []string{
			`/page/\d+`,
			`[?&](page|p|start|offset)=\d+`,
			`[?&]utm_[a-z]+=`,
			`/(login|signin|sign-in|signup|sign-up|register|auth|sso)(/|$)`,
			`/(tag|tags|category|categories|author)/`,
			`/(redirect|redir|track|click|out)(/|\?|$)`,
			`/(share|print)(/|\?|$)`,
		},
	}
}

// Validate rejects weights that would break scoring monotonicity.
func (s ScoringConfig) Validate() error {
	if s.OverlapWeight < 0 {
		return fmt.Errorf("scoring.overlap_weight must not be negative")
	}
	if s.SameDomainBonus < 0 || s.ShortTextPenalty < 0 || s.NoisePathPenalty < 0 {
		return fmt.Errorf("scoring bonuses and penalties must not be negative")
	}
	return nil
}

// ContextConfig configures context-window budgeting and compaction.
type ContextConfig struct {
	ContextSize         int     `yaml:"context_size"` // model context window in tokens
	ThresholdFraction   float64 `yaml:"threshold_fraction"`
	CharsPerToken       float64 `yaml:"chars_per_token"`
	ToolResultMaxChars  int     `yaml:"tool_result_max_chars"`
	PreloadBudgetFrac   float64 `yaml:"preload_budget_fraction"`
	PreloadMinTruncated int     `yaml:"preload_min_truncated_chars"`
}

// PreloadBudgetChars derives the preload character budget from the window.
func (c ContextConfig) PreloadBudgetChars() int {
	cpt := c.CharsPerToken
	if cpt <= 0 {
		cpt = 4.0
	}
	return int(float64(c.ContextSize) * cpt * c.PreloadBudgetFrac)
}

// EngineConfig configures the conversation turn loop.
type EngineConfig struct {
	MaxTurns     int    `yaml:"max_turns"`
	SystemPrompt string `yaml:"system_prompt"`
}
