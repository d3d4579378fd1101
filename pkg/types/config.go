package types

import "time"

// HTTPConfig holds shared HTTP settings used by stages that make network requests.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "designspec/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`
}

// AIConfig holds shared settings for stages that call a Generative AI API.
type AIConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// Model is the AI model identifier (e.g. "gpt-5.2").
	Model string `json:"model" yaml:"model" mapstructure:"model"`

	// APIKey is the authentication key for the AI API.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`

	// BaseURL is the API root (default "https://api.openai.com/v1").
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url"`

	// MaxRetries is the number of retry attempts for transient API failures (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
}

// ValidationConfig fixes the quote anchoring parameters.
type ValidationConfig struct {
	// SimilarityFloor is the minimum share of a quote's normalized characters
	// that must match a contiguous source span (default 0.85).
	SimilarityFloor float64 `json:"similarity_floor" yaml:"similarity_floor" mapstructure:"similarity_floor"`

	// MinFuzzyLength is the normalized length below which a quote must match
	// exactly (default 20).
	MinFuzzyLength int `json:"min_fuzzy_length" yaml:"min_fuzzy_length" mapstructure:"min_fuzzy_length"`
}

// ExtractionConfig holds settings for the extraction stage.
type ExtractionConfig struct {
	AIConfig `yaml:",inline" mapstructure:",squash"`

	// PromptVersion tags cache keys and outputs. Bumping it misses the cache.
	PromptVersion string `json:"prompt_version" yaml:"prompt_version" mapstructure:"prompt_version"`

	// RetryBudget is the number of strict retries after a failed validation (default 1).
	RetryBudget int `json:"retry_budget" yaml:"retry_budget" mapstructure:"retry_budget"`

	// Workers bounds how many records are extracted in parallel (default 4).
	Workers int `json:"workers" yaml:"workers" mapstructure:"workers"`

	// CachePath is the JSON cache file (default ".llm_cache_design_extract.json").
	CachePath string `json:"cache_path" yaml:"cache_path" mapstructure:"cache_path"`

	// PapersDir optionally holds full paper text as <rct_id>.txt.
	PapersDir string `json:"papers_dir,omitempty" yaml:"papers_dir,omitempty" mapstructure:"papers_dir"`

	// MaxPaperChars truncates paper text embedded in the prompt (default 60000).
	MaxPaperChars int `json:"max_paper_chars" yaml:"max_paper_chars" mapstructure:"max_paper_chars"`

	Validation ValidationConfig `json:"validation" yaml:"validation" mapstructure:"validation"`
}

// BatchConfig holds settings for the asynchronous batch channel.
type BatchConfig struct {
	// Dir is the batch working directory (manifest.json, input.jsonl, job.json, output/).
	Dir string `json:"dir" yaml:"dir" mapstructure:"dir"`

	// PollInterval is the base delay between status polls (default 30s).
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" mapstructure:"poll_interval"`

	// MaxPollInterval caps the polling backoff (default 10m).
	MaxPollInterval time.Duration `json:"max_poll_interval" yaml:"max_poll_interval" mapstructure:"max_poll_interval"`

	// CompletionWindow is passed to the batch service (default "24h").
	CompletionWindow string `json:"completion_window" yaml:"completion_window" mapstructure:"completion_window"`
}

// LedgerConfig holds settings for the SQLite audit ledger.
type LedgerConfig struct {
	// Dir contains ledger.db and exports (default "data/ledger").
	Dir string `json:"dir" yaml:"dir" mapstructure:"dir"`

	// MaxResults is the default maximum number of query results (default 20).
	MaxResults int `json:"max_results" yaml:"max_results" mapstructure:"max_results"`
}

// LogConfig selects logger output.
type LogConfig struct {
	Level string `json:"level" yaml:"level" mapstructure:"level"`
	JSON  bool   `json:"json" yaml:"json" mapstructure:"json"`
}

// PipelineConfig groups all stage configurations for the pipeline.
type PipelineConfig struct {
	Extraction ExtractionConfig `json:"extraction" yaml:"extraction" mapstructure:"extraction"`
	Batch      BatchConfig      `json:"batch" yaml:"batch" mapstructure:"batch"`
	Ledger     LedgerConfig     `json:"ledger" yaml:"ledger" mapstructure:"ledger"`
	Log        LogConfig        `json:"log" yaml:"log" mapstructure:"log"`
}

// Defaults returns a PipelineConfig with every documented default filled in.
func Defaults() PipelineConfig {
	return PipelineConfig{
		Extraction: ExtractionConfig{
			AIConfig: AIConfig{
				HTTPConfig: HTTPConfig{
					Timeout:   180 * time.Second,
					UserAgent: "designspec/0.1",
				},
				Model:      "gpt-5.2",
				BaseURL:    "https://api.openai.com/v1",
				MaxRetries: 3,
			},
			PromptVersion: "v3.1",
			RetryBudget:   1,
			Workers:       4,
			CachePath:     ".llm_cache_design_extract.json",
			MaxPaperChars: 60000,
			Validation: ValidationConfig{
				SimilarityFloor: 0.85,
				MinFuzzyLength:  20,
			},
		},
		Batch: BatchConfig{
			Dir:              "data/batch",
			PollInterval:     30 * time.Second,
			MaxPollInterval:  10 * time.Minute,
			CompletionWindow: "24h",
		},
		Ledger: LedgerConfig{
			Dir:        "data/ledger",
			MaxResults: 20,
		},
		Log: LogConfig{Level: "info"},
	}
}
