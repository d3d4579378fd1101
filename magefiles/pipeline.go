//go:build mage

package main

import (
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Pipeline groups targets that run the CLI on the files in data/.
type Pipeline mg.Namespace

// input returns the value of env, or def when unset.
func input(env, def string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

// Normalize cleans the raw registry export (REGISTRY, default
// data/registry.json) into data/design_specs.jsonl.
func (Pipeline) Normalize() error {
	mg.Deps(Build, Init)
	return sh.RunV(binPath, "normalize", "--in", input("REGISTRY", "data/registry.json"))
}

// Extract runs synchronous extraction over data/design_specs.jsonl.
func (Pipeline) Extract() error {
	mg.Deps(Build, Init)
	return sh.RunV(binPath, "extract", "--papers-dir", "data/papers")
}

// Batch prepares and submits a batch job for data/design_specs.jsonl.
func (Pipeline) Batch() error {
	mg.Deps(Build, Init)
	return sh.RunV(binPath, "extract", "--mode", "batch", "--submit", "--papers-dir", "data/papers")
}

// Reconcile waits for the submitted batch and merges its outputs.
func (Pipeline) Reconcile() error {
	mg.Deps(Build)
	if err := sh.RunV(binPath, "batch", "poll", "--wait"); err != nil {
		return err
	}
	return sh.RunV(binPath, "batch", "reconcile", "--papers-dir", "data/papers")
}

// Review exports records needing manual review to data/ledger/export.yaml.
func (Pipeline) Review() error {
	mg.Deps(Build)
	return sh.RunV(binPath, "ledger", "export", "--needs-manual")
}
