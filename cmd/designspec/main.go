// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the designspec CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/rct-designspec/internal/logger"
	"github.com/pdiddy/rct-designspec/internal/secrets"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	// loadedSecrets holds API keys loaded from .secrets/ and .env at startup.
	loadedSecrets map[string]string

	// log is the process logger, configured from log.level and log.json.
	log = logger.Discard()
)

// rootCmd is the base command for the designspec CLI.
var rootCmd = &cobra.Command{
	Use:   "designspec",
	Short: "Extract and validate experimental design specs from RCT registry entries",
	Long: `designspec turns AEA RCT Registry entries into canonical design specs.

normalize cleans a raw registry export into trial records. extract asks a
language model for each trial's design, anchors every claim to a verbatim
quote, validates the result, and retries in strict mode when validation
fails. Records that still fail are kept and flagged for manual review.
batch drives the same extraction through the asynchronous batch API, and
ledger queries the audit trail of past runs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log = logger.New(os.Stderr, cfg.Log)

		s, err := secrets.Load(".secrets/")
		if err != nil {
			return err
		}
		if err := secrets.LoadEnvFile(".env", s); err != nil {
			return err
		}
		loadedSecrets = s
		if len(s) > 0 {
			keys := make([]string, 0, len(s))
			for k := range s {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			log.Debug("loaded secrets", "keys", keys)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./designspec.yaml or ~/.config/designspec/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("log-json"))
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("designspec")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "designspec"))
		}
	}

	setDefaults(types.Defaults())
	viper.SetEnvPrefix("DESIGNSPEC")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// stageLogger returns the process logger tagged with a stage name.
func stageLogger(stage string) *charmlog.Logger {
	return log.With("stage", stage)
}
