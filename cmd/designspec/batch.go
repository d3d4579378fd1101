// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/rct-designspec/internal/batch"
	"github.com/pdiddy/rct-designspec/internal/cache"
	"github.com/pdiddy/rct-designspec/internal/ledger"
	"github.com/pdiddy/rct-designspec/internal/pipeline"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Drive extraction through the asynchronous batch API",
	Long: `Batch manages a job prepared with "extract --mode batch". The job state
lives in the batch directory, so every subcommand can be rerun after an
interruption: submit never uploads twice, poll never downloads an output
file twice, and reconcile produces the same enriched output each time.`,
}

// --- submit subcommand ---

var batchSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Upload the prepared requests and create the remote batch",
	RunE:  runBatchSubmit,
}

func runBatchSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := batchConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	job, err := batch.Submit(ctx, batch.NewDir(cfg.Batch.Dir), newBatchClient(cfg.Extraction), cfg.Batch.CompletionWindow)
	if err != nil {
		return err
	}
	recordJob(ctx, cfg, job)
	fmt.Fprintf(os.Stdout, "Batch %s submitted as %s (%s)\n", job.JobID, job.RemoteID, job.RemoteStatus)
	return nil
}

// --- poll subcommand ---

var batchPollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Check the remote batch and download finished outputs",
	Long: `Poll asks the batch service for the job status once. When the job has
finished, its output and error files are downloaded into the batch
directory. With --wait, polling repeats with exponential backoff until the
job finishes or the command is interrupted.`,
	RunE: runBatchPoll,
}

func runBatchPoll(cmd *cobra.Command, args []string) error {
	cfg, err := batchConfig(cmd)
	if err != nil {
		return err
	}
	wait, _ := cmd.Flags().GetBool("wait")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, client := batch.NewDir(cfg.Batch.Dir), newBatchClient(cfg.Extraction)
	var job types.BatchJob
	if wait {
		job, err = batch.Wait(ctx, d, client, cfg.Batch.PollInterval, cfg.Batch.MaxPollInterval, stageLogger("batch"))
	} else {
		job, err = batch.Poll(ctx, d, client)
	}
	if err != nil {
		return err
	}
	recordJob(ctx, cfg, job)
	fmt.Fprintf(os.Stdout, "Batch %s: %s (remote %s)\n", job.JobID, job.Status, job.RemoteStatus)
	if job.Error != "" {
		fmt.Fprintf(os.Stdout, "  %s\n", job.Error)
	}
	return nil
}

// --- reconcile subcommand ---

var batchReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Validate downloaded batch outputs and merge them into the enriched output",
	Long: `Reconcile matches every downloaded output line to the manifest by
custom_id, stores the responses in the cache, and runs each record through
validation. A record whose output is missing or corrupt still produces an
entry flagged for manual review. When an API key is configured, records
that fail validation get their strict retry synchronously.`,
	RunE: runBatchReconcile,
}

func runBatchReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := batchConfig(cmd, map[string]string{
		"extraction.cache_path":   "cache",
		"extraction.papers_dir":   "papers-dir",
		"extraction.retry_budget": "retry-budget",
	})
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("out")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := batch.NewDir(cfg.Batch.Dir)
	job, err := d.ReadJob()
	if err != nil {
		return err
	}
	manifest, err := d.ReadManifest()
	if err != nil {
		return err
	}
	outcomes, report, err := batch.Reconcile(d)
	if err != nil {
		return err
	}
	for _, id := range report.Unknown {
		log.Warn("batch output for unknown custom_id", "custom_id", id)
	}
	if report.Unattributed > 0 {
		log.Warn("batch output lines without a custom_id", "count", report.Unattributed)
	}

	c, err := cache.Open(cfg.Extraction.CachePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn("closing cache", "err", err)
		}
	}()
	stored, err := batch.StoreOutcomes(c, manifest, outcomes, job.UpdatedAt)
	if err != nil {
		return err
	}

	// Retries and cache keys must use the settings the batch was built with.
	cfg.Extraction.Model = manifest.Model
	cfg.Extraction.PromptVersion = manifest.PromptVersion

	l, runID := beginRun(ctx, cfg, types.DeliveryBatch, cfg.Batch.Dir, out)
	p := newPipeline(cfg.Extraction, c, l, runID)

	records := make([]types.TrialRecord, len(outcomes))
	drafts := make([]pipeline.Draft, len(outcomes))
	for i, o := range outcomes {
		records[i] = o.Entry.Record
		drafts[i] = pipeline.Draft{Raw: o.Raw, Err: o.Failure(), CacheKey: o.Entry.CacheKey, CreatedAt: o.CreatedAt}
	}
	batchID := job.RemoteID
	if batchID == "" {
		batchID = job.JobID
	}
	enriched, sum, err := p.FinalizeAll(ctx, records, batchID, drafts)
	if err != nil {
		if l != nil {
			l.Close()
		}
		return err
	}
	for _, msg := range manifest.SchemaErrors {
		enriched = append(enriched, pipeline.SchemaFailure(errors.New(msg), types.DeliveryBatch))
	}
	sum = pipeline.Summarize(enriched)

	if err := pipeline.MergeOutput(out, enriched); err != nil {
		return err
	}
	if l != nil {
		if err := l.PutBatchJob(ctx, cfg.Batch.Dir, job); err != nil {
			log.Warn("ledger write failed", "err", err)
		}
	}
	finishRun(ctx, l, runID, sum)

	fmt.Fprintf(os.Stdout, "Reconciled %d output line(s) from %d shard(s): %d succeeded, %d failed, %d newly cached\n",
		report.Lines, report.Shards, report.Succeeded, report.Failed, stored)
	printSummary(os.Stdout, sum, out)
	return nil
}

// --- status subcommand ---

var batchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the local job record",
	RunE:  runBatchStatus,
}

func runBatchStatus(cmd *cobra.Command, args []string) error {
	cfg, err := batchConfig(cmd)
	if err != nil {
		return err
	}
	job, err := batch.NewDir(cfg.Batch.Dir).ReadJob()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(job)
}

// batchConfig binds --batch-dir plus any extra flag keys.
func batchConfig(cmd *cobra.Command, extra ...map[string]string) (types.PipelineConfig, error) {
	keys := map[string]string{"batch.dir": "batch-dir"}
	for _, m := range extra {
		for k, v := range m {
			keys[k] = v
		}
	}
	return commandConfig(cmd, keys)
}

// recordJob mirrors the job state into the ledger.
func recordJob(ctx context.Context, cfg types.PipelineConfig, job types.BatchJob) {
	l, err := ledger.Open(cfg.Ledger)
	if err != nil {
		log.Warn("ledger unavailable", "err", err)
		return
	}
	defer l.Close()
	if err := l.PutBatchJob(ctx, cfg.Batch.Dir, job); err != nil {
		log.Warn("ledger write failed", "err", err)
	}
}

func init() {
	for _, c := range []*cobra.Command{batchSubmitCmd, batchPollCmd, batchReconcileCmd, batchStatusCmd} {
		c.Flags().String("batch-dir", "", "batch working directory (default data/batch)")
		batchCmd.AddCommand(c)
	}
	batchPollCmd.Flags().Bool("wait", false, "keep polling until the job finishes")

	batchReconcileCmd.Flags().String("out", "data/design_specs_enriched.jsonl", "enriched JSONL to write or merge into")
	batchReconcileCmd.Flags().String("cache", "", "response cache file")
	batchReconcileCmd.Flags().String("papers-dir", "", "directory of full paper text files named <rct_id>.txt")
	batchReconcileCmd.Flags().Int("retry-budget", 0, "strict retries after a failed validation (default 1)")

	rootCmd.AddCommand(batchCmd)
}
