// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

// envKeyReplacer maps nested keys to environment names, so extraction.model
// is read from DESIGNSPEC_EXTRACTION_MODEL.
var envKeyReplacer = strings.NewReplacer(".", "_")

// setDefaults registers every configurable key so it can be overridden from
// the environment as well as the config file.
func setDefaults(d types.PipelineConfig) {
	e := d.Extraction
	viper.SetDefault("extraction.timeout", e.Timeout)
	viper.SetDefault("extraction.user_agent", e.UserAgent)
	viper.SetDefault("extraction.model", e.Model)
	viper.SetDefault("extraction.api_key", e.APIKey)
	viper.SetDefault("extraction.base_url", e.BaseURL)
	viper.SetDefault("extraction.max_retries", e.MaxRetries)
	viper.SetDefault("extraction.prompt_version", e.PromptVersion)
	viper.SetDefault("extraction.retry_budget", e.RetryBudget)
	viper.SetDefault("extraction.workers", e.Workers)
	viper.SetDefault("extraction.cache_path", e.CachePath)
	viper.SetDefault("extraction.papers_dir", e.PapersDir)
	viper.SetDefault("extraction.max_paper_chars", e.MaxPaperChars)
	viper.SetDefault("extraction.validation.similarity_floor", e.Validation.SimilarityFloor)
	viper.SetDefault("extraction.validation.min_fuzzy_length", e.Validation.MinFuzzyLength)

	viper.SetDefault("batch.dir", d.Batch.Dir)
	viper.SetDefault("batch.poll_interval", d.Batch.PollInterval)
	viper.SetDefault("batch.max_poll_interval", d.Batch.MaxPollInterval)
	viper.SetDefault("batch.completion_window", d.Batch.CompletionWindow)

	viper.SetDefault("ledger.dir", d.Ledger.Dir)
	viper.SetDefault("ledger.max_results", d.Ledger.MaxResults)

	viper.SetDefault("log.level", d.Log.Level)
	viper.SetDefault("log.json", d.Log.JSON)
}

// loadConfig decodes the merged configuration (defaults, file, environment,
// bound flags) into a PipelineConfig.
func loadConfig() (types.PipelineConfig, error) {
	cfg := types.Defaults()
	if err := viper.Unmarshal(&cfg); err != nil {
		return types.PipelineConfig{}, fmt.Errorf("decoding configuration: %w", err)
	}
	return cfg, nil
}

// bindFlags binds command flags to config keys. Binding happens when the
// command runs, so commands sharing a flag name do not override each other.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, flag := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			return fmt.Errorf("unknown flag %q", flag)
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding --%s: %w", flag, err)
		}
	}
	return nil
}

// commandConfig binds the command's flags and reloads the configuration.
func commandConfig(cmd *cobra.Command, keys map[string]string) (types.PipelineConfig, error) {
	if err := bindFlags(cmd, keys); err != nil {
		return types.PipelineConfig{}, err
	}
	return loadConfig()
}
