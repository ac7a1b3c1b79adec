// Package config loads and validates the engine's configuration: the LLM
// extraction settings, the sleep-cycle options enumerated in spec §4.6, the
// attention gate's tunables, and the graph store's connection settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Environment is the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// ExtractionConfig configures the LLM-backed extractor (spec §4.3, §6).
type ExtractionConfig struct {
	Enabled    bool          `validate:"-"`
	Endpoint   string        `validate:"required_if=Enabled true"`
	Model      string        `validate:"required_if=Enabled true"`
	APIKey     string        `validate:"-"`
	MaxRetries int           `validate:"gte=0,lte=10"`
	Timeout    time.Duration `validate:"gt=0"`
}

// SleepCycleOptions configures the seven-phase consolidator (spec §4.6).
// Field names mirror the option names the spec text uses so the mapping
// from prose to config is direct.
type SleepCycleOptions struct {
	DedupClusterThreshold float64 `validate:"gt=0,lte=1"` // Phase 1 findDuplicateClusters threshold (0.75)
	DedupThreshold        float64 `validate:"gt=0,lte=1"` // high-sim vs medium-sim split (0.95)
	MaxSemanticDedupPairs int     `validate:"gte=1"`      // Phase 1b cap (500)
	SkipSemanticDedup     bool    `validate:"-"`

	LLMConcurrency int `validate:"gte=1"` // bounded fan-out width (8)

	ParetoPercentile float64 `validate:"gt=0,lt=1"` // Phase 2 (0.8 => top 20%)

	SkipPromotion       bool `validate:"-"`
	PromotionMinAgeDays int  `validate:"gte=0"` // Phase 3 (7)

	ExtractionBatchSize int           `validate:"gte=1"` // Phase 4 page size (50)
	ExtractionDelayMs   time.Duration `validate:"gte=0"` // Phase 4 inter-page sleep (1000ms)

	RetentionThreshold   float64 `validate:"gt=0,lt=1"` // Phase 5 decay cutoff
	BaseHalfLifeDays     float64 `validate:"gt=0"`
	ImportanceMultiplier float64 `validate:"gte=0"`

	AgentID string `validate:"-"` // optional tenant filter
}

// DefaultSleepCycleOptions returns the numeric defaults spec §4.6 names.
func DefaultSleepCycleOptions() SleepCycleOptions {
	return SleepCycleOptions{
		DedupClusterThreshold: 0.75,
		DedupThreshold:        0.95,
		MaxSemanticDedupPairs: 500,
		SkipSemanticDedup:     false,
		LLMConcurrency:        8,
		ParetoPercentile:      0.8,
		SkipPromotion:         true,
		PromotionMinAgeDays:   7,
		ExtractionBatchSize:   50,
		ExtractionDelayMs:      1000 * time.Millisecond,
		RetentionThreshold:    0.15,
		BaseHalfLifeDays:      30,
		ImportanceMultiplier:  1.0,
	}
}

// GateConfig tunes the attention gate's thresholds. Spec §4.1 fixes these
// numbers, but they are still exposed so operators can adjust them (e.g. for
// a non-English deployment) without a code change.
type GateConfig struct {
	UserMinLength      int `validate:"gte=0"`
	UserMaxLength      int `validate:"gtfield=UserMinLength"`
	UserMinWords       int `validate:"gte=0"`
	AssistantMaxLength int `validate:"gtfield=UserMinLength"`
	AssistantMinWords  int `validate:"gte=0"`
	MaxEmoji           int `validate:"gte=0"`
	FencedBlockRatio   float64 `validate:"gt=0,lte=1"`
}

// DefaultGateConfig returns the thresholds spec §4.1 specifies.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		UserMinLength:      30,
		UserMaxLength:      2000,
		UserMinWords:       8,
		AssistantMaxLength: 1000,
		AssistantMinWords:  10,
		MaxEmoji:           3,
		FencedBlockRatio:   0.5,
	}
}

// StoreConfig configures the graph store's DynamoDB-backed adjacency-list
// implementation (internal/graphstore/dynamo), generalizing the single-table
// design the teacher repository uses for its note graph.
type StoreConfig struct {
	TableName string `validate:"required"`
	AWSRegion string `validate:"required"`
}

// Config is the engine's complete, validated configuration.
type Config struct {
	Environment Environment       `validate:"required,oneof=development staging production"`
	LogLevel    string            `validate:"required"`
	Extraction  ExtractionConfig  `validate:"required"`
	SleepCycle  SleepCycleOptions `validate:"required"`
	Gate        GateConfig        `validate:"required"`
	Store       StoreConfig       `validate:"required"`
}

var validate = validator.New()

// Load builds a Config from environment variables, applying the spec's
// documented defaults, then validates it with struct tags the way
// brain2-backend/internal/config does.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: Environment(getEnv("ENVIRONMENT", string(Development))),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Extraction: ExtractionConfig{
			Enabled:    getEnvBool("EXTRACTION_ENABLED", true),
			Endpoint:   getEnv("LLM_ENDPOINT", "http://localhost:11434/v1/chat/completions"),
			Model:      getEnv("LLM_MODEL", "gpt-4o-mini"),
			APIKey:     getEnv("LLM_API_KEY", ""),
			MaxRetries: getEnvInt("LLM_MAX_RETRIES", 2),
			Timeout:    time.Duration(getEnvInt("LLM_TIMEOUT_MS", 30000)) * time.Millisecond,
		},
		SleepCycle: DefaultSleepCycleOptions(),
		Gate:       DefaultGateConfig(),
		Store: StoreConfig{
			TableName: getEnv("GRAPH_TABLE_NAME", "memory-graph"),
			AWSRegion: getEnv("AWS_REGION", "us-west-2"),
		},
	}

	if v := os.Getenv("SLEEP_CYCLE_AGENT_ID"); v != "" {
		cfg.SleepCycle.AgentID = v
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
