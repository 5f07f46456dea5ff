package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/user/logsift/internal/classify"
	"github.com/user/logsift/internal/config"
	"github.com/user/logsift/internal/extract"
	"github.com/user/logsift/internal/groundtruth"
	"github.com/user/logsift/internal/parser"
	"github.com/user/logsift/internal/pipeline"
	"github.com/user/logsift/internal/source"
	"github.com/user/logsift/internal/topic"
	"github.com/user/logsift/pkg/embedding"
	"github.com/user/logsift/pkg/llm"
	"github.com/user/logsift/pkg/llm/openai"
)

// app bundles the wired pipeline and its stores.
type app struct {
	cfg          *config.Config
	topics       *topic.Store
	truth        *groundtruth.Store
	orchestrator *pipeline.Orchestrator
}

func (a *app) Close() {
	if a.topics != nil {
		a.topics.Close()
	}
	if a.truth != nil {
		a.truth.Close()
	}
}

// buildApp wires the full stack from config: rule registry, model provider,
// embedder, topic and ground-truth stores, and the orchestrator on top.
// eventLimit caps events per run; 0 means no cap.
func buildApp(cfg *config.Config, eventLimit int) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	registry, err := parser.NewRegistry(parser.DefaultRules())
	if err != nil {
		return nil, fmt.Errorf("load parsing rules: %w", err)
	}

	embedder, err := embedding.New(embedding.Config{
		Provider: cfg.Embedding.Provider,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
		Model:    cfg.Embedding.Model,
		Dims:     cfg.Embedding.Dims,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	topics, err := topic.Open(cfg.TopicDBPath(), embedder, cfg.TopicReuseThreshold)
	if err != nil {
		return nil, fmt.Errorf("open topic store: %w", err)
	}

	truth, err := groundtruth.Open(cfg.TruthDBPath())
	if err != nil {
		topics.Close()
		return nil, fmt.Errorf("open ground-truth store: %w", err)
	}

	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	var extractor pipeline.Extractor
	if cfg.LLM.APIKey != "" || cfg.LLM.BaseURL != "https://api.openai.com/v1" {
		ex, err := extract.New(provider, cfg.LLM.Model, cfg.LLM.PromptBudget)
		if err != nil {
			topics.Close()
			truth.Close()
			return nil, fmt.Errorf("create extractor: %w", err)
		}
		extractor = ex
	} else {
		slog.Warn("no model credentials, parse misses will go to the unresolved queue")
	}

	classifier := classify.New(topics, embedder, provider, cfg.MatchThreshold)

	retry := pipeline.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.MaxRetryAttempts

	orchestrator := pipeline.New(
		source.Limit(source.NewJSONLReader(cfg.EventFile), eventLimit),
		registry,
		extractor,
		classifier,
		topics,
		truth,
		pipeline.Options{
			MaxWorkers:        cfg.MaxWorkers,
			ExtractionTimeout: time.Duration(cfg.ExtractionTimeoutSeconds) * time.Second,
			Retry:             retry,
		},
	)

	return &app{
		cfg:          cfg,
		topics:       topics,
		truth:        truth,
		orchestrator: orchestrator,
	}, nil
}

// window returns the configured ingestion window ending now.
func (a *app) window() source.Window {
	return source.Window{
		Since: time.Now().Add(-time.Duration(a.cfg.TimeWindowHours) * time.Hour),
	}
}
