package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEmbeddingBaseURL = "http://localhost:11434"
	defaultEmbeddingModel   = "nomic-embed-text"
)

func Load() (*Config, error) {
	cfg := defaultConfig()

	sel := strings.TrimSpace(os.Getenv("MODEL_SELECTION"))
	if sel == "" {
		return nil, fmt.Errorf("MODEL_SELECTION is required (provider:model)")
	}
	provider, model, ok := strings.Cut(sel, ":")
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if !ok || provider == "" || model == "" {
		return nil, fmt.Errorf("MODEL_SELECTION must be provider:model, got %q", sel)
	}
	cfg.LLM.Selection = ModelSelection{Provider: provider, Model: model}
	cfg.LLM.BaseURL = baseURLForProvider(provider)

	if v := strings.TrimSpace(os.Getenv("LOG_MODE")); v != "" {
		cfg.Env = v
	}
	if v := strings.TrimSpace(os.Getenv("HOST")); v != "" {
		cfg.HTTP.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("PORT invalid: %q", v)
		}
		cfg.HTTP.Port = p
	}

	if v := strings.TrimSpace(os.Getenv("LLM_BASE_URL")); v != "" {
		cfg.LLM.BaseURL = strings.TrimRight(v, "/")
	}
	cfg.LLM.APIKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	if v := strings.TrimSpace(os.Getenv("LLM_TIMEOUT_SECONDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 600 {
			return nil, fmt.Errorf("LLM_TIMEOUT_SECONDS must be in [1, 600], got %q", v)
		}
		cfg.LLM.Timeout = time.Duration(n) * time.Second
	}
	if v := os.Getenv("SYSTEM_PROMPT"); strings.TrimSpace(v) != "" {
		cfg.LLM.SystemPrompt = v
	}
	cfg.LLM.ProfilePath = strings.TrimSpace(os.Getenv("PROFILE_PATH"))
	if v := strings.TrimSpace(os.Getenv("CONTEXT_WINDOW_MESSAGES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("CONTEXT_WINDOW_MESSAGES invalid: %q", v)
		}
		cfg.LLM.ContextWindowMessages = n
	}

	if v := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL")); v != "" {
		cfg.Embedding.BaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("EMBEDDING_MODEL")); v != "" {
		cfg.Embedding.Model = v
	}

	if v := strings.TrimSpace(os.Getenv("TRANSCRIPT_DIR")); v != "" {
		cfg.Boundary.TranscriptDir = v
	}
	if v := strings.TrimSpace(os.Getenv("BOUNDARY_IDLE_MINUTES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1440 {
			return nil, fmt.Errorf("BOUNDARY_IDLE_MINUTES must be in [1, 1440], got %q", v)
		}
		cfg.Boundary.IdleThreshold = time.Duration(n) * time.Minute
	}
	if v := strings.TrimSpace(os.Getenv("BOUNDARY_DROP_FRACTION")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return nil, fmt.Errorf("BOUNDARY_DROP_FRACTION must be in [0, 1], got %q", v)
		}
		cfg.Boundary.DropFraction = f
	}
	if v := strings.TrimSpace(os.Getenv("MAX_TRACKED_SESSIONS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 10 || n > 100000 {
			return nil, fmt.Errorf("MAX_TRACKED_SESSIONS must be in [10, 100000], got %q", v)
		}
		cfg.Boundary.MaxTrackedSessions = n
	}

	if v := strings.TrimSpace(os.Getenv("EXTRACTION_MIN_CONFIDENCE")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return nil, fmt.Errorf("EXTRACTION_MIN_CONFIDENCE must be in [0, 1], got %q", v)
		}
		cfg.Extraction.MinConfidence = f
	}

	if v := strings.TrimSpace(os.Getenv("BACKFILL_POLL_SECONDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("BACKFILL_POLL_SECONDS invalid: %q", v)
		}
		cfg.Backfill.PollInterval = time.Duration(n) * time.Second
	}
	if v := strings.TrimSpace(os.Getenv("BACKFILL_BATCH_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("BACKFILL_BATCH_SIZE invalid: %q", v)
		}
		cfg.Backfill.BatchSize = n
	}
	// Backfill batches ride the embedding batch API; never exceed its cap.
	if cfg.Backfill.BatchSize > cfg.Embedding.BatchSize {
		cfg.Backfill.BatchSize = cfg.Embedding.BatchSize
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Env: "development",
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		LLM: LLMConfig{
			Timeout:               30 * time.Second,
			SystemPrompt:          "You are a helpful assistant with long-term memory of this user.",
			ContextWindowMessages: 20,
		},
		Embedding: EmbeddingConfig{
			BaseURL:     defaultEmbeddingBaseURL,
			Model:       defaultEmbeddingModel,
			Timeout:     30 * time.Second,
			MaxAttempts: 3,
			BatchSize:   10,
		},
		Boundary: BoundaryConfig{
			IdleThreshold:      10 * time.Minute,
			DropFraction:       0.5,
			MaxTrackedSessions: 1000,
			TranscriptDir:      "./transcripts",
		},
		Extraction: ExtractionConfig{
			MinBaseConfidence: 0.6,
			MinConfidence:     0.4,
			MaxConcurrency:    5,
		},
		Backfill: BackfillConfig{
			PollInterval: 30 * time.Second,
			BatchSize:    10,
		},
	}
}

func baseURLForProvider(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return "https://api.openai.com"
	case "ollama":
		return "http://localhost:11434"
	default:
		return "http://localhost:8000"
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
