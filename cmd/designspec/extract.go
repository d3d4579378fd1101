// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pdiddy/rct-designspec/internal/batch"
	"github.com/pdiddy/rct-designspec/internal/cache"
	"github.com/pdiddy/rct-designspec/internal/extract"
	"github.com/pdiddy/rct-designspec/internal/normalize"
	"github.com/pdiddy/rct-designspec/internal/pipeline"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract and validate design specs for trial records",
	Long: `Extract sends each trial record to the model, validates the returned
design spec against the record text, and retries once in strict mode when
validation fails. Every input record produces exactly one line in the
enriched output; records that still fail carry needs_manual = true.

Responses are cached by record, prompt version, model and input, so a rerun
with unchanged inputs makes no model calls and writes identical output.

With --mode batch the request file for the batch API is written to
--batch-dir instead; add --submit to upload it right away.`,
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().String("in", "data/design_specs.jsonl", "trial records to read (JSONL, JSON array, or raw registry export)")
	extractCmd.Flags().String("out", "data/design_specs_enriched.jsonl", "enriched JSONL to write or merge into")
	extractCmd.Flags().String("mode", "sync", "delivery mode: sync or batch")
	extractCmd.Flags().String("model", "", "model identifier (default gpt-5.2)")
	extractCmd.Flags().String("prompt-version", "", "prompt version tag (default v3.1)")
	extractCmd.Flags().String("cache", "", "response cache file")
	extractCmd.Flags().String("papers-dir", "", "directory of full paper text files named <rct_id>.txt")
	extractCmd.Flags().String("batch-dir", "", "batch working directory (batch mode)")
	extractCmd.Flags().Bool("submit", false, "submit the batch after preparing it (batch mode)")
	extractCmd.Flags().Int("workers", 0, "records extracted in parallel (default 4)")
	extractCmd.Flags().Int("retry-budget", 0, "strict retries after a failed validation (default 1)")
	extractCmd.Flags().Int("max", 0, "process at most this many records (0 = all)")

	rootCmd.AddCommand(extractCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := commandConfig(cmd, map[string]string{
		"extraction.model":          "model",
		"extraction.prompt_version": "prompt-version",
		"extraction.cache_path":     "cache",
		"extraction.papers_dir":     "papers-dir",
		"extraction.workers":        "workers",
		"extraction.retry_budget":   "retry-budget",
		"batch.dir":                 "batch-dir",
	})
	if err != nil {
		return err
	}
	in, _ := cmd.Flags().GetString("in")
	out, _ := cmd.Flags().GetString("out")
	mode, _ := cmd.Flags().GetString("mode")
	limit, _ := cmd.Flags().GetInt("max")

	records, summary, err := normalize.ReadRecords(in, os.Stderr)
	if err != nil {
		return err
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "sync":
		return extractSync(ctx, cfg, in, out, records, summary.Errors)
	case "batch":
		submit, _ := cmd.Flags().GetBool("submit")
		return extractBatch(ctx, cfg, records, summary.Errors, submit)
	}
	return fmt.Errorf("unsupported mode %q: use sync or batch", mode)
}

func extractSync(ctx context.Context, cfg types.PipelineConfig, in, out string, records []types.TrialRecord, schemaErrs []error) error {
	c, err := cache.Open(cfg.Extraction.CachePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn("closing cache", "err", err)
		}
	}()

	l, runID := beginRun(ctx, cfg, types.DeliverySync, in, out)
	p := newPipeline(cfg.Extraction, c, l, runID)
	log.Info("extracting", "records", len(records), "model", cfg.Extraction.Model, "prompt_version", cfg.Extraction.PromptVersion, "workers", cfg.Extraction.Workers)

	enriched, _, err := p.Run(ctx, records)
	if err != nil {
		if l != nil {
			l.Close()
		}
		return err
	}
	for _, e := range schemaErrs {
		enriched = append(enriched, pipeline.SchemaFailure(e, types.DeliverySync))
	}
	sum := pipeline.Summarize(enriched)

	if err := pipeline.MergeOutput(out, enriched); err != nil {
		return err
	}
	finishRun(ctx, l, runID, sum)
	printSummary(os.Stdout, sum, out)
	return nil
}

func extractBatch(ctx context.Context, cfg types.PipelineConfig, records []types.TrialRecord, schemaErrs []error, submit bool) error {
	d := batch.NewDir(cfg.Batch.Dir)
	if job, err := d.ReadJob(); err == nil && job.RemoteID != "" && !job.Status.IsTerminal() {
		return fmt.Errorf("%s holds in-flight batch %s; poll or reconcile it first", cfg.Batch.Dir, job.RemoteID)
	}

	paper := func(rctID string) string {
		text, err := extract.LoadPaper(cfg.Extraction.PapersDir, rctID, cfg.Extraction.MaxPaperChars)
		if err != nil {
			log.Warn("paper text unavailable", "rct_id", rctID, "err", err)
			return ""
		}
		return text
	}
	job, err := batch.Prepare(d, records, schemaErrs, paper, cfg.Extraction.Model, cfg.Extraction.PromptVersion)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Prepared batch %s with %d request(s) in %s\n", job.JobID, job.RequestCount, cfg.Batch.Dir)
	if len(schemaErrs) > 0 {
		log.Warn("entries without an rct_id are not batched; reconcile flags them", "count", len(schemaErrs))
	}

	if submit {
		job, err = batch.Submit(ctx, d, newBatchClient(cfg.Extraction), cfg.Batch.CompletionWindow)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Submitted as %s (%s)\n", job.RemoteID, job.RemoteStatus)
	}
	recordJob(ctx, cfg, job)
	return nil
}

// printSummary writes the run totals and error kind counts.
func printSummary(w io.Writer, s pipeline.Summary, out string) {
	fmt.Fprintf(w, "\nWrote %d record(s) to %s: %d passed, %d need manual review\n", s.Total, out, s.Passed, s.NeedsManual)
	if len(s.ByKind) == 0 {
		return
	}
	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-24s %d\n", k, s.ByKind[types.ErrorKind(k)])
	}
}
