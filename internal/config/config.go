package config

import "time"

// ModelSelection is the parsed form of MODEL_SELECTION ("provider:model").
type ModelSelection struct {
	Provider string
	Model    string
}

type HTTPConfig struct {
	Host string
	Port int
}

type LLMConfig struct {
	Selection ModelSelection
	// BaseURL targets any OpenAI-compatible upstream. Derived from the
	// provider when LLM_BASE_URL is not set.
	BaseURL string
	APIKey  string
	Timeout time.Duration

	SystemPrompt          string
	ProfilePath           string
	ContextWindowMessages int
}

type EmbeddingConfig struct {
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxAttempts int
	BatchSize   int
}

type BoundaryConfig struct {
	IdleThreshold      time.Duration
	DropFraction       float64
	MaxTrackedSessions int
	TranscriptDir      string
}

type ExtractionConfig struct {
	// MinBaseConfidence drops model candidates before calibration.
	MinBaseConfidence float64
	// MinConfidence is the persistence floor applied after calibration.
	MinConfidence  float64
	MaxConcurrency int
}

type BackfillConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

type Config struct {
	Env        string
	HTTP       HTTPConfig
	LLM        LLMConfig
	Embedding  EmbeddingConfig
	Boundary   BoundaryConfig
	Extraction ExtractionConfig
	Backfill   BackfillConfig
}
