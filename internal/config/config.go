// Package config defines the engine's configuration value object.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rcliao/hybrid-memory/internal/embedding"
	"github.com/rcliao/hybrid-memory/internal/model"
)

// Config is resolved once at startup and passed to the memory facade.
type Config struct {
	// Retrieval defaults, used when a request leaves a field at its zero value.
	KEpi            int          `yaml:"k_epi" env:"K_EPI"`
	KSem            int          `yaml:"k_sem" env:"K_SEM"`
	TokenBudget     int          `yaml:"token_budget" env:"TOKEN_BUDGET"`
	EpisodicTTLDays int          `yaml:"episodic_ttl_days" env:"EPISODIC_TTL_DAYS"`
	EpisodicFilters model.Filter `yaml:"episodic_filters" env:"EPI_FILTERS_JSON"`
	SemanticFilters model.Filter `yaml:"semantic_filters" env:"SEM_FILTERS_JSON"`
	RerankerEnabled bool         `yaml:"reranker_enabled" env:"RERANKER_ENABLED"`

	// Categories extends the built-in category registry.
	Categories []string `yaml:"categories" env:"CATEGORIES"`

	Episodic  EpisodicConfig    `yaml:"episodic" env:"EPISODIC"`
	Semantic  SemanticConfig    `yaml:"semantic" env:"SEMANTIC"`
	Embedding embedding.Options `yaml:"embedding" env:"EMBEDDING"`
	Tokenizer TokenizerConfig   `yaml:"tokenizer" env:"TOKENIZER"`
	Trace     TraceConfig       `yaml:"trace" env:"TRACE"`
	Journal   JournalConfig     `yaml:"journal" env:"JOURNAL"`
	Log       LogConfig         `yaml:"log" env:"LOG"`
}

// EpisodicConfig bounds the episodic store.
type EpisodicConfig struct {
	WindowSize      int            `yaml:"window_size" env:"WINDOW_SIZE"`
	PerSession      bool           `yaml:"per_session" env:"PER_SESSION"`
	RequireSession  bool           `yaml:"require_session" env:"REQUIRE_SESSION"`
	CategoryWindows map[string]int `yaml:"category_windows" env:"-"`
	CategoryTTLDays map[string]int `yaml:"category_ttl_days" env:"-"`
}

// SemanticConfig configures the semantic store.
type SemanticConfig struct {
	Dimension int `yaml:"dimension" env:"DIMENSION"`
	// Backend is "flat" or "chromem".
	Backend     string `yaml:"backend" env:"BACKEND"`
	ScrubPII    bool   `yaml:"scrub_pii" env:"SCRUB_PII"`
	ChunkTokens int    `yaml:"chunk_tokens" env:"CHUNK_TOKENS"`
	AllowPII    bool   `yaml:"allow_pii" env:"ALLOW_PII"`
}

// TokenizerConfig selects the token counter.
type TokenizerConfig struct {
	Kind     string `yaml:"kind" env:"KIND"`
	Encoding string `yaml:"encoding" env:"ENCODING"`
}

// TraceConfig selects and configures the trace sink.
type TraceConfig struct {
	// Sink is one of none, jsonl, sqlite, redis or memory.
	Sink          string `yaml:"sink" env:"SINK"`
	Path          string `yaml:"path" env:"PATH"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisKey      string `yaml:"redis_key" env:"REDIS_KEY"`
	RedactPII     bool   `yaml:"redact_pii" env:"REDACT_PII"`
	Async         bool   `yaml:"async" env:"ASYNC"`
	Buffer        int    `yaml:"buffer" env:"BUFFER"`
}

// JournalConfig locates the SQLite journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Trace sink names.
const (
	SinkNone   = "none"
	SinkJSONL  = "jsonl"
	SinkSQLite = "sqlite"
	SinkRedis  = "redis"
	SinkMemory = "memory"
)

// Semantic backends.
const (
	BackendFlat    = "flat"
	BackendChromem = "chromem"
)

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		KEpi:            4,
		KSem:            3,
		TokenBudget:     1600,
		EpisodicTTLDays: 30,
		EpisodicFilters: model.Filter{},
		SemanticFilters: model.Filter{},
		RerankerEnabled: false,
		Episodic: EpisodicConfig{
			WindowSize: 2000,
			PerSession: true,
		},
		Semantic: SemanticConfig{
			Dimension:   embedding.DefaultHashDims,
			Backend:     BackendFlat,
			ChunkTokens: 256,
		},
		Embedding: embedding.Options{
			Provider:  "hash",
			Dims:      embedding.DefaultHashDims,
			CacheSize: 1024,
		},
		Tokenizer: TokenizerConfig{Kind: "estimate"},
		Trace: TraceConfig{
			Sink:     SinkJSONL,
			Path:     "out/traces.jsonl",
			RedisKey: "hybrid-memory:traces",
		},
		Journal: JournalConfig{Path: "out/memory.db"},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.KEpi >= 0, "k_epi must not be negative")
	check(c.KSem >= 0, "k_sem must not be negative")
	check(c.TokenBudget > 0, "token_budget must be positive")
	check(c.EpisodicTTLDays > 0, "episodic_ttl_days must be positive")
	check(c.EpisodicTTLDays <= model.MaxTTLDays, "episodic_ttl_days must not exceed %d", model.MaxTTLDays)
	check(c.Episodic.WindowSize > 0, "episodic.window_size must be positive")
	check(c.Semantic.Dimension > 0, "semantic.dimension must be positive")
	check(c.Semantic.ChunkTokens >= 0, "semantic.chunk_tokens must not be negative")
	check(oneOf(c.Semantic.Backend, BackendFlat, BackendChromem), "unknown semantic.backend %q", c.Semantic.Backend)
	check(oneOf(c.Trace.Sink, SinkNone, SinkJSONL, SinkSQLite, SinkRedis, SinkMemory), "unknown trace.sink %q", c.Trace.Sink)
	check(c.Trace.Sink != SinkRedis || c.Trace.RedisAddr != "", "trace.redis_addr is required for the redis sink")
	check(c.Trace.Sink != SinkSQLite || c.Journal.Path != "", "journal.path is required for the sqlite trace sink")
	check(oneOf(c.Log.Format, "", "json", "console"), "unknown log.format %q", c.Log.Format)

	if err := c.EpisodicFilters.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("episodic_filters: %w", err))
	}
	if err := c.SemanticFilters.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("semantic_filters: %w", err))
	}

	reg, err := c.Registry()
	if err != nil {
		errs = append(errs, err)
	} else {
		for name, days := range c.Episodic.CategoryTTLDays {
			check(reg.Has(normalize(name)), "category_ttl_days: unknown category %q", name)
			check(days > 0, "category_ttl_days[%s] must be positive", name)
			check(days <= model.MaxTTLDays, "category_ttl_days[%s] must not exceed %d", name, model.MaxTTLDays)
		}
		for name, size := range c.Episodic.CategoryWindows {
			check(reg.Has(normalize(name)), "category_windows: unknown category %q", name)
			check(size > 0, "category_windows[%s] must be positive", name)
		}
	}
	return errors.Join(errs...)
}

// Registry builds the category registry from the built-ins plus Categories.
func (c *Config) Registry() (*model.Registry, error) {
	return model.NewRegistry(c.Categories...)
}

// CategoryTTL returns the per-category TTL overrides keyed by category.
func (c *Config) CategoryTTL() map[model.Category]int {
	return categoryMap(c.Episodic.CategoryTTLDays)
}

// CategoryWindows returns the per-category window caps keyed by category.
func (c *Config) CategoryWindows() map[model.Category]int {
	return categoryMap(c.Episodic.CategoryWindows)
}

func categoryMap(in map[string]int) map[model.Category]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[model.Category]int, len(in))
	for k, v := range in {
		out[normalize(k)] = v
	}
	return out
}

func normalize(name string) model.Category {
	return model.Category(strings.ToLower(strings.TrimSpace(name)))
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}
