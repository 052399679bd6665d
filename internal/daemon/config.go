package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	illm "github.com/nous-labs/mneme/internal/llm"
	"github.com/nous-labs/mneme/pkg/channel"
)

// Config holds the daemon configuration. Durations are strings such as
// "5m" or "48h".
type Config struct {
	DBPath     string `json:"db_path,omitempty"`
	HTTPAddr   string `json:"http_addr,omitempty"`
	SessionGap string `json:"session_gap,omitempty"` // silence that starts a new session

	// AuthFile points at an auth.json holding provider API keys.
	AuthFile string `json:"auth_file,omitempty"`

	LLM         LLMConfig         `json:"llm"`
	Embeddings  EmbeddingsConfig  `json:"embeddings"`
	VectorIndex VectorIndexConfig `json:"vector_index"`
	Matrix      MatrixConfig      `json:"matrix"`
	Agent       AgentConfig       `json:"agent"`
	Gardener    GardenerConfig    `json:"gardener"`
	Proactive   ProactiveConfig   `json:"proactive"`
	Memory      MemoryConfig      `json:"memory"`

	// Routes pins users to a room before they have written from one.
	Routes map[string]channel.Route `json:"routes,omitempty"`
}

// LLMConfig holds the two completion tiers.
type LLMConfig struct {
	// Deep tier: summaries, fusion, proactive messages
	Deep illm.ProviderConfig `json:"deep"`
	// Fast tier: classification and reranking
	Fast illm.ProviderConfig `json:"fast"`
}

// EmbeddingsConfig selects the embedding model. An empty provider keeps
// the built-in lexical vectors.
type EmbeddingsConfig struct {
	Provider   string `json:"provider,omitempty"` // "tei", "openai" or ""
	URL        string `json:"url,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	Model      string `json:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty"`
	Prefixes   bool   `json:"prefixes,omitempty"` // nomic-style task prefixes (TEI)
	CacheMB    int    `json:"cache_mb,omitempty"` // 0 disables the cache
}

// VectorIndexConfig configures the optional pgvector mirror.
type VectorIndexConfig struct {
	PostgresURL  string `json:"postgres_url,omitempty"`
	Dimensions   int    `json:"dimensions,omitempty"`
	SyncInterval string `json:"sync_interval,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
}

// MatrixConfig holds Matrix connection settings.
type MatrixConfig struct {
	Enabled      bool     `json:"enabled"`
	Homeserver   string   `json:"homeserver"`    // e.g., http://synapse:8008
	UserID       string   `json:"user_id"`       // localpart, e.g., mneme
	Password     string   `json:"password"`      // bot password
	ServerName   string   `json:"server_name"`   // e.g., matrix.example.com
	AllowedUsers []string `json:"allowed_users"` // who may talk to the bot
	DataDir      string   `json:"data_dir"`
}

// AgentConfig points at an OpenCode serve instance that processes
// actionable proactive items.
type AgentConfig struct {
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// GardenerConfig holds the maintenance cadence.
type GardenerConfig struct {
	Disabled      bool   `json:"disabled,omitempty"`
	LightInterval string `json:"light_interval,omitempty"`
	DeepEvery     int    `json:"deep_every,omitempty"`
	SessionIdle   string `json:"session_idle,omitempty"`
	StepTimeout   string `json:"step_timeout,omitempty"`
	Retention     string `json:"retention,omitempty"`
}

// ProactiveConfig holds scheduling and delivery settings.
type ProactiveConfig struct {
	Disabled      bool     `json:"disabled,omitempty"`
	Timezone      string   `json:"timezone,omitempty"` // IANA name, also used for active hours
	QuietStart    int      `json:"quiet_start"`
	QuietEnd      int      `json:"quiet_end"`
	PollInterval  string   `json:"poll_interval,omitempty"`
	MaxAge        string   `json:"max_age,omitempty"`
	Actionable    []string `json:"actionable,omitempty"`
	DrainInterval string   `json:"drain_interval,omitempty"`
	MinGap        string   `json:"min_gap,omitempty"`
	HourlyCap     int      `json:"hourly_cap,omitempty"`
}

// MemoryConfig overrides the memory engine's thresholds. Zero values
// keep the engine defaults.
type MemoryConfig struct {
	HalfLife        string  `json:"half_life,omitempty"`
	AccessHalfLife  string  `json:"access_half_life,omitempty"`
	UpdateThreshold float64 `json:"update_threshold,omitempty"`
	ExtendThreshold float64 `json:"extend_threshold,omitempty"`
	MinScore        float64 `json:"min_score,omitempty"`
}

// LoadConfig merges the file at path (JSON, or YAML by extension) and the
// optional MNEME_PRIVATE_CONFIG overlay over the defaults.
func LoadConfig(path string) (*Config, error) {
	merged, err := json.Marshal(defaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	for _, p := range []string{path, os.Getenv("MNEME_PRIVATE_CONFIG")} {
		if p == "" {
			continue
		}
		overlay, err := readConfigFile(p)
		if err != nil {
			return nil, err
		}
		merged, err = deepMergeJSON(merged, overlay)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", p, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Resolve env var references in all $-prefixed values
	cfg.DBPath = resolveEnv(cfg.DBPath)
	cfg.HTTPAddr = resolveEnv(cfg.HTTPAddr)
	cfg.AuthFile = resolveEnv(cfg.AuthFile)
	cfg.LLM.Deep.APIKey = resolveEnv(cfg.LLM.Deep.APIKey)
	cfg.LLM.Deep.BaseURL = resolveEnv(cfg.LLM.Deep.BaseURL)
	cfg.LLM.Fast.APIKey = resolveEnv(cfg.LLM.Fast.APIKey)
	cfg.LLM.Fast.BaseURL = resolveEnv(cfg.LLM.Fast.BaseURL)
	cfg.Embeddings.URL = resolveEnv(cfg.Embeddings.URL)
	cfg.Embeddings.APIKey = resolveEnv(cfg.Embeddings.APIKey)
	cfg.VectorIndex.PostgresURL = resolveEnv(cfg.VectorIndex.PostgresURL)
	cfg.Matrix.Homeserver = resolveEnv(cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = resolveEnv(cfg.Matrix.UserID)
	cfg.Matrix.Password = resolveEnv(cfg.Matrix.Password)
	cfg.Matrix.ServerName = resolveEnv(cfg.Matrix.ServerName)
	cfg.Agent.URL = resolveEnv(cfg.Agent.URL)
	cfg.Agent.Password = resolveEnv(cfg.Agent.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// readConfigFile returns the file as JSON. YAML files are converted.
func readConfigFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var m map[string]any
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
		out, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("convert yaml config %s: %w", path, err)
		}
		return out, nil
	default:
		return data, nil
	}
}

// Validate checks every duration and timezone up front so a typo fails
// at startup rather than silently falling back.
func (c *Config) Validate() error {
	durations := map[string]string{
		"session_gap":                c.SessionGap,
		"vector_index.sync_interval": c.VectorIndex.SyncInterval,
		"agent.timeout":              c.Agent.Timeout,
		"gardener.light_interval":    c.Gardener.LightInterval,
		"gardener.session_idle":      c.Gardener.SessionIdle,
		"gardener.step_timeout":      c.Gardener.StepTimeout,
		"gardener.retention":         c.Gardener.Retention,
		"proactive.poll_interval":    c.Proactive.PollInterval,
		"proactive.max_age":          c.Proactive.MaxAge,
		"proactive.drain_interval":   c.Proactive.DrainInterval,
		"proactive.min_gap":          c.Proactive.MinGap,
		"memory.half_life":           c.Memory.HalfLife,
		"memory.access_half_life":    c.Memory.AccessHalfLife,
	}
	for key, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config %s: %w", key, err)
		}
	}
	if _, err := c.location(); err != nil {
		return err
	}
	if c.Proactive.QuietStart < 0 || c.Proactive.QuietStart > 23 || c.Proactive.QuietEnd < 0 || c.Proactive.QuietEnd > 23 {
		return fmt.Errorf("config proactive quiet hours must be 0-23")
	}
	switch c.Embeddings.Provider {
	case "", "tei", "openai":
	default:
		return fmt.Errorf("config embeddings.provider: unknown %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "tei" && c.Embeddings.URL == "" {
		return fmt.Errorf("config embeddings.url is required for tei")
	}
	return nil
}

func (c *Config) location() (*time.Location, error) {
	if c.Proactive.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Proactive.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config proactive.timezone: %w", err)
	}
	return loc, nil
}

// dur parses a validated duration string; empty yields zero so the
// component default applies.
func dur(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]any
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]any{}
	}

	var overlayMap map[string]any
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]any) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]any)
		srcObj, srcIsObj := v.(map[string]any)
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// defaultConfig returns a config seeded from the environment, suitable
// for a container deployment.
func defaultConfig() *Config {
	return &Config{
		DBPath:     envOr("MNEME_DB_PATH", ""),
		HTTPAddr:   envOr("MNEME_HTTP_ADDR", ":8080"),
		SessionGap: "30m",
		AuthFile:   envOr("MNEME_AUTH_FILE", ""),
		LLM: LLMConfig{
			Deep: illm.ProviderConfig{Type: envOr("MNEME_DEEP_PROVIDER", ""), Model: envOr("MNEME_DEEP_MODEL", "")},
			Fast: illm.ProviderConfig{Type: envOr("MNEME_FAST_PROVIDER", ""), Model: envOr("MNEME_FAST_MODEL", "")},
		},
		Embeddings: EmbeddingsConfig{
			Provider: envOr("MNEME_EMBEDDINGS", ""),
			URL:      envOr("MNEME_TEI_URL", ""),
			CacheMB:  64,
		},
		VectorIndex: VectorIndexConfig{
			PostgresURL:  envOr("MNEME_PG_URL", ""),
			Dimensions:   768,
			SyncInterval: "30s",
			BatchSize:    32,
		},
		Matrix: MatrixConfig{
			Enabled:    envOr("MATRIX_HOMESERVER", "") != "",
			Homeserver: envOr("MATRIX_HOMESERVER", ""),
			UserID:     envOr("MATRIX_BOT_USER", "mneme"),
			Password:   envOr("MATRIX_BOT_PASSWORD", ""),
			ServerName: envOr("MATRIX_SERVER_NAME", ""),
			DataDir:    envOr("MNEME_DATA_DIR", "data"),
		},
		Agent: AgentConfig{
			URL:      envOr("OPENCODE_API_URL", ""),
			Username: envOr("OPENCODE_SERVER_USERNAME", "opencode"),
			Password: envOr("OPENCODE_SERVER_PASSWORD", ""),
			Timeout:  "5m",
		},
		Gardener: GardenerConfig{
			LightInterval: "5m",
			DeepEvery:     72,
		},
		Proactive: ProactiveConfig{
			Timezone:      envOr("MNEME_TIMEZONE", ""),
			QuietStart:    22,
			QuietEnd:      8,
			PollInterval:  "1m",
			MaxAge:        "48h",
			DrainInterval: "30s",
			MinGap:        "5m",
			HourlyCap:     6,
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
