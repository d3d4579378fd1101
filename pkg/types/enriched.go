// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// EnrichedSchemaVersion tags every enriched output line.
const EnrichedSchemaVersion = "design_specs_enriched.v1"

// Delivery names the channel an extraction came back through.
type Delivery string

const (
	DeliverySync  Delivery = "sync"
	DeliveryBatch Delivery = "batch"
)

// CacheEntry is one stored model response.
type CacheEntry struct {
	RCTID         string    `json:"rct_id" yaml:"rct_id"`
	PromptVersion string    `json:"prompt_version" yaml:"prompt_version"`
	Model         string    `json:"model" yaml:"model"`
	Fingerprint   string    `json:"fingerprint" yaml:"fingerprint"`
	RawResponse   string    `json:"raw_response" yaml:"raw_response"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// LLMMeta describes how the derived design spec was obtained.
type LLMMeta struct {
	Provider      string   `json:"provider" yaml:"provider"`
	Model         string   `json:"model" yaml:"model"`
	PromptVersion string   `json:"prompt_version" yaml:"prompt_version"`
	Fingerprint   string   `json:"fingerprint" yaml:"fingerprint"`
	CacheKey      string   `json:"cache_key,omitempty" yaml:"cache_key,omitempty"`
	Delivery      Delivery `json:"delivery" yaml:"delivery"`
	BatchID       string   `json:"batch_id,omitempty" yaml:"batch_id,omitempty"`
	Attempts      int      `json:"attempts" yaml:"attempts"`

	// CreatedAt is the timestamp of the cached response, so reruns that hit
	// the cache reproduce the same output.
	CreatedAt *time.Time `json:"created_at" yaml:"created_at"`
}

// Provenance carries the registry record the enrichment was derived from.
type Provenance struct {
	Registry TrialRecord `json:"registry" yaml:"registry"`
}

// Enrichment groups the model-derived fields and their quality assessment.
type Enrichment struct {
	LLM      LLMMeta          `json:"llm" yaml:"llm"`
	Derived  DesignSpec       `json:"derived" yaml:"derived"`
	Evidence []EvidenceQuote  `json:"evidence" yaml:"evidence"`
	Quality  ValidationResult `json:"quality" yaml:"quality"`
}

// EnrichedRecord is one line of the final dataset. There is exactly one per
// input record; records needing review carry quality.needs_manual = true.
type EnrichedRecord struct {
	SchemaVersion string     `json:"schema_version" yaml:"schema_version"`
	RCTID         string     `json:"rct_id" yaml:"rct_id"`
	Provenance    Provenance `json:"provenance" yaml:"provenance"`
	Enrichment    Enrichment `json:"enrichment" yaml:"enrichment"`
}
