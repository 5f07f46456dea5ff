package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir                  string   `json:"data_dir"`
	LogLevel                 string   `json:"log_level"`
	EventFile                string   `json:"event_file"`
	ProviderFilter           []string `json:"provider_filter"`
	TimeWindowHours          int      `json:"time_window_hours"`
	MaxWorkers               int      `json:"max_workers"`
	MatchThreshold           float64  `json:"match_threshold"`
	TopicReuseThreshold      float64  `json:"topic_reuse_threshold"`
	ExtractionTimeoutSeconds int      `json:"extraction_timeout_seconds"`
	MaxRetryAttempts         int      `json:"max_retry_attempts"`
	IngestSchedule           string   `json:"ingest_schedule"`
	LLM                      struct {
		Provider     string  `json:"provider"`
		BaseURL      string  `json:"base_url"`
		APIKey       string  `json:"api_key"`
		Model        string  `json:"model"`
		MaxTokens    int     `json:"max_tokens"`
		Temperature  float32 `json:"temperature"`
		PromptBudget int     `json:"prompt_budget"`
	} `json:"llm"`
	Embedding struct {
		Provider string `json:"provider"`
		BaseURL  string `json:"base_url"`
		APIKey   string `json:"api_key"`
		Model    string `json:"model"`
		Dims     int    `json:"dims"`
	} `json:"embedding"`
}

// TopicDBPath returns the topic store location under DataDir.
func (c *Config) TopicDBPath() string {
	return filepath.Join(c.DataDir, "topics.db")
}

// TruthDBPath returns the ground-truth store location under DataDir.
func (c *Config) TruthDBPath() string {
	return filepath.Join(c.DataDir, "groundtruth.db")
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:                  filepath.Join(os.Getenv("HOME"), ".logsift"),
		LogLevel:                 "info",
		EventFile:                "events.jsonl",
		TimeWindowHours:          24,
		MaxWorkers:               4,
		MatchThreshold:           0.60,
		TopicReuseThreshold:      0.95,
		ExtractionTimeoutSeconds: 30,
		MaxRetryAttempts:         3,
		IngestSchedule:           "@hourly",
	}
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 1000
	cfg.LLM.Temperature = 0
	cfg.LLM.PromptBudget = 2048
	cfg.Embedding.Provider = "ollama"
	cfg.Embedding.BaseURL = "http://localhost:11434"
	cfg.Embedding.Model = "nomic-embed-text"
	cfg.Embedding.Dims = 768

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.LLM.BaseURL = baseURL
	}
	if apiKey := os.Getenv("EMBEDDING_API_KEY"); apiKey != "" {
		cfg.Embedding.APIKey = apiKey
	}
	if baseURL := os.Getenv("EMBEDDING_BASE_URL"); baseURL != "" {
		cfg.Embedding.BaseURL = baseURL
	}
	if dataDir := os.Getenv("LOGSIFT_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize fills zero-valued tunables back in with defaults so a sparse
// config file stays usable.
func (c *Config) normalize() {
	if c.MaxWorkers < 1 {
		c.MaxWorkers = 4
	}
	if c.ExtractionTimeoutSeconds < 1 {
		c.ExtractionTimeoutSeconds = 30
	}
	if c.MaxRetryAttempts < 1 {
		c.MaxRetryAttempts = 3
	}
	if c.TimeWindowHours < 1 {
		c.TimeWindowHours = 24
	}
}

func (c *Config) validate() error {
	if c.MatchThreshold < 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("match_threshold must be in [0, 1], got %g", c.MatchThreshold)
	}
	if c.TopicReuseThreshold < 0 || c.TopicReuseThreshold > 1 {
		return fmt.Errorf("topic_reuse_threshold must be in [0, 1], got %g", c.TopicReuseThreshold)
	}
	return nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
