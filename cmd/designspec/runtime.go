// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"net/http"

	"github.com/pdiddy/rct-designspec/internal/batch"
	"github.com/pdiddy/rct-designspec/internal/cache"
	"github.com/pdiddy/rct-designspec/internal/extract"
	"github.com/pdiddy/rct-designspec/internal/ledger"
	"github.com/pdiddy/rct-designspec/internal/pipeline"
	"github.com/pdiddy/rct-designspec/internal/secrets"
	"github.com/pdiddy/rct-designspec/internal/validate"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

// apiKey resolves the OpenAI key from config, environment, or secrets.
func apiKey(cfg types.ExtractionConfig) string {
	return secrets.Resolve(loadedSecrets, secrets.OpenAIKey, cfg.APIKey)
}

func httpClient(cfg types.ExtractionConfig) *http.Client {
	return &http.Client{Timeout: cfg.Timeout}
}

// newBackend returns the model backend, or nil when no API key is
// configured. Without a backend only cached responses can be used.
func newBackend(cfg types.ExtractionConfig) extract.Backend {
	key := apiKey(cfg)
	if key == "" {
		return nil
	}
	return &extract.OpenAIBackend{
		APIKey:     key,
		BaseURL:    cfg.BaseURL,
		UserAgent:  cfg.UserAgent,
		Client:     httpClient(cfg),
		MaxRetries: cfg.MaxRetries,
	}
}

func newBatchClient(cfg types.ExtractionConfig) *batch.OpenAIClient {
	return &batch.OpenAIClient{
		APIKey:     apiKey(cfg),
		BaseURL:    cfg.BaseURL,
		UserAgent:  cfg.UserAgent,
		Client:     httpClient(cfg),
		MaxRetries: cfg.MaxRetries,
	}
}

// newPipeline wires the extractor, validator and ledger for one run.
func newPipeline(cfg types.ExtractionConfig, c *cache.Cache, l *ledger.Ledger, runID string) *pipeline.Pipeline {
	backend := newBackend(cfg)
	if backend == nil {
		log.Warn("no OpenAI API key configured; only cached responses will be used")
	}
	return &pipeline.Pipeline{
		Extractor: &extract.Extractor{
			Backend:       backend,
			Cache:         c,
			Model:         cfg.Model,
			PromptVersion: cfg.PromptVersion,
			MaxRetries:    cfg.MaxRetries,
			Logger:        stageLogger("extract"),
		},
		Validator:     validate.New(cfg.Validation),
		Ledger:        l,
		RunID:         runID,
		Logger:        stageLogger("pipeline"),
		RetryBudget:   cfg.RetryBudget,
		Workers:       cfg.Workers,
		PapersDir:     cfg.PapersDir,
		MaxPaperChars: cfg.MaxPaperChars,
	}
}

// beginRun opens the ledger and records a run. Ledger problems are logged
// and the run continues without an audit trail.
func beginRun(ctx context.Context, cfg types.PipelineConfig, delivery types.Delivery, in, out string) (*ledger.Ledger, string) {
	l, err := ledger.Open(cfg.Ledger)
	if err != nil {
		log.Warn("ledger unavailable", "err", err)
		return nil, ""
	}
	runID, err := l.BeginRun(ctx, ledger.Run{
		Delivery:      delivery,
		Model:         cfg.Extraction.Model,
		PromptVersion: cfg.Extraction.PromptVersion,
		InputPath:     in,
		OutputPath:    out,
	})
	if err != nil {
		log.Warn("ledger unavailable", "err", err)
		l.Close()
		return nil, ""
	}
	return l, runID
}

// finishRun stores the run summary and closes the ledger.
func finishRun(ctx context.Context, l *ledger.Ledger, runID string, s pipeline.Summary) {
	if l == nil {
		return
	}
	if err := l.FinishRun(ctx, runID, ledger.RunSummary{Total: s.Total, Passed: s.Passed, NeedsManual: s.NeedsManual}); err != nil {
		log.Warn("ledger write failed", "err", err)
	}
	l.Close()
}
