package memory

import "time"

// Config tunes the memory engine. Zero fields take the defaults from
// DefaultConfig.
type Config struct {
	Decay     DecayConfig    `json:"decay" yaml:"decay"`
	Relations RelationConfig `json:"relations" yaml:"relations"`
	Search    SearchConfig   `json:"search" yaml:"search"`
}

// DecayConfig parameterizes prominence.
type DecayConfig struct {
	HalfLife         time.Duration `json:"half_life" yaml:"half_life"`               // document age half-life at importance 5
	AccessHalfLife   time.Duration `json:"access_half_life" yaml:"access_half_life"` // last-access recency half-life
	ActiveThreshold  float64       `json:"active_threshold" yaml:"active_threshold"`
	DormantThreshold float64       `json:"dormant_threshold" yaml:"dormant_threshold"`
	ArchiveFloor     float64       `json:"archive_floor" yaml:"archive_floor"`
	LightBatch       int           `json:"light_batch" yaml:"light_batch"`
	LightWindow      time.Duration `json:"light_window" yaml:"light_window"`
}

// RelationConfig holds the similarity thresholds for relation detection.
type RelationConfig struct {
	ExtendThreshold float64 `json:"extend_threshold" yaml:"extend_threshold"`
	UpdateThreshold float64 `json:"update_threshold" yaml:"update_threshold"`
	MaxCandidates   int     `json:"max_candidates" yaml:"max_candidates"`
	MaxExtends      int     `json:"max_extends" yaml:"max_extends"`
	MaxClassify     int     `json:"max_classify" yaml:"max_classify"`
}

// SearchConfig holds hybrid search weights and limits.
type SearchConfig struct {
	KeywordWeight    float64 `json:"keyword_weight" yaml:"keyword_weight"`
	SemanticWeight   float64 `json:"semantic_weight" yaml:"semantic_weight"`
	ProminenceWeight float64 `json:"prominence_weight" yaml:"prominence_weight"`
	ExactBoost       float64 `json:"exact_boost" yaml:"exact_boost"`
	MinScore         float64 `json:"min_score" yaml:"min_score"`
	CandidateFactor  int     `json:"candidate_factor" yaml:"candidate_factor"`
	DefaultLimit     int     `json:"default_limit" yaml:"default_limit"`
	RerankTopN       int     `json:"rerank_top_n" yaml:"rerank_top_n"`
	RelatedPerResult int     `json:"related_per_result" yaml:"related_per_result"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Decay: DecayConfig{
			HalfLife:         90 * 24 * time.Hour,
			AccessHalfLife:   14 * 24 * time.Hour,
			ActiveThreshold:  0.5,
			DormantThreshold: 0.1,
			ArchiveFloor:     0.1,
			LightBatch:       200,
			LightWindow:      24 * time.Hour,
		},
		Relations: RelationConfig{
			ExtendThreshold: 0.75,
			UpdateThreshold: 0.92,
			MaxCandidates:   500,
			MaxExtends:      5,
			MaxClassify:     3,
		},
		Search: SearchConfig{
			KeywordWeight:    0.4,
			SemanticWeight:   0.4,
			ProminenceWeight: 0.2,
			ExactBoost:       1.5,
			MinScore:         0.25,
			CandidateFactor:  5,
			DefaultLimit:     10,
			RerankTopN:       10,
			RelatedPerResult: 3,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Decay.HalfLife <= 0 {
		c.Decay.HalfLife = d.Decay.HalfLife
	}
	if c.Decay.AccessHalfLife <= 0 {
		c.Decay.AccessHalfLife = d.Decay.AccessHalfLife
	}
	if c.Decay.ActiveThreshold <= 0 {
		c.Decay.ActiveThreshold = d.Decay.ActiveThreshold
	}
	if c.Decay.DormantThreshold <= 0 {
		c.Decay.DormantThreshold = d.Decay.DormantThreshold
	}
	if c.Decay.ArchiveFloor <= 0 {
		c.Decay.ArchiveFloor = d.Decay.ArchiveFloor
	}
	if c.Decay.LightBatch <= 0 {
		c.Decay.LightBatch = d.Decay.LightBatch
	}
	if c.Decay.LightWindow <= 0 {
		c.Decay.LightWindow = d.Decay.LightWindow
	}
	if c.Relations.ExtendThreshold <= 0 {
		c.Relations.ExtendThreshold = d.Relations.ExtendThreshold
	}
	if c.Relations.UpdateThreshold <= 0 {
		c.Relations.UpdateThreshold = d.Relations.UpdateThreshold
	}
	if c.Relations.MaxCandidates <= 0 {
		c.Relations.MaxCandidates = d.Relations.MaxCandidates
	}
	if c.Relations.MaxExtends <= 0 {
		c.Relations.MaxExtends = d.Relations.MaxExtends
	}
	if c.Relations.MaxClassify <= 0 {
		c.Relations.MaxClassify = d.Relations.MaxClassify
	}
	if c.Search.KeywordWeight <= 0 && c.Search.SemanticWeight <= 0 && c.Search.ProminenceWeight <= 0 {
		c.Search.KeywordWeight = d.Search.KeywordWeight
		c.Search.SemanticWeight = d.Search.SemanticWeight
		c.Search.ProminenceWeight = d.Search.ProminenceWeight
	}
	if c.Search.ExactBoost <= 0 {
		c.Search.ExactBoost = d.Search.ExactBoost
	}
	if c.Search.MinScore <= 0 {
		c.Search.MinScore = d.Search.MinScore
	}
	if c.Search.CandidateFactor <= 0 {
		c.Search.CandidateFactor = d.Search.CandidateFactor
	}
	if c.Search.DefaultLimit <= 0 {
		c.Search.DefaultLimit = d.Search.DefaultLimit
	}
	if c.Search.RerankTopN <= 0 {
		c.Search.RerankTopN = d.Search.RerankTopN
	}
	if c.Search.RelatedPerResult <= 0 {
		c.Search.RelatedPerResult = d.Search.RelatedPerResult
	}
	return c
}
