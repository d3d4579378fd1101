// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/afero"

	"github.com/pdiddy/rct-designspec/internal/logger"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

// DefaultWindow is the completion window requested from the service.
const DefaultWindow = "24h"

// ErrNotSubmitted means the job has no remote batch yet.
var ErrNotSubmitted = errors.New("batch has not been submitted")

var errPending = errors.New("batch still in progress")

// Submit uploads input.jsonl and creates the remote batch. job.json is
// rewritten after each remote step, so a restart never uploads or submits
// twice. An already submitted job is returned unchanged.
func Submit(ctx context.Context, d Dir, c Client, window string) (types.BatchJob, error) {
	job, err := d.ReadJob()
	if err != nil {
		return types.BatchJob{}, err
	}
	if job.RemoteID != "" {
		return job, nil
	}
	if window == "" {
		window = DefaultWindow
	}

	if job.InputFileID == "" {
		data, err := afero.ReadFile(d.Fs, d.join(inputFile))
		if err != nil {
			return job, fmt.Errorf("reading %s: %w", inputFile, err)
		}
		id, err := c.UploadFile(ctx, inputFile, data)
		if err != nil {
			return job, err
		}
		job.InputFileID = id
		job.UpdatedAt = time.Now().UTC()
		if err := d.WriteJob(job); err != nil {
			return job, err
		}
	}

	remote, err := c.CreateBatch(ctx, job.InputFileID, Endpoint, window, map[string]string{"job_id": job.JobID})
	if err != nil {
		return job, err
	}
	job.RemoteID = remote.ID
	job.RemoteStatus = remote.Status
	job.Status = types.BatchSubmitted
	job.UpdatedAt = time.Now().UTC()
	if err := d.WriteJob(job); err != nil {
		return job, err
	}
	return job, nil
}

// Poll refreshes the job from the service once. When the batch is terminal,
// its output and error files are downloaded into output/; files already on
// disk are not fetched again. A job already terminal is returned unchanged.
func Poll(ctx context.Context, d Dir, c Client) (types.BatchJob, error) {
	job, err := d.ReadJob()
	if err != nil {
		return types.BatchJob{}, err
	}
	if job.RemoteID == "" {
		return job, ErrNotSubmitted
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	remote, err := c.GetBatch(ctx, job.RemoteID)
	if err != nil {
		return job, err
	}
	job.RemoteStatus = remote.Status
	job.Status = localStatus(remote.Status)
	if len(remote.Errors) > 0 {
		job.Error = strings.Join(remote.Errors, "; ")
	}

	if job.Status.IsTerminal() {
		for _, id := range []string{remote.OutputFileID, remote.ErrorFileID} {
			if id == "" {
				continue
			}
			if err := download(ctx, d, c, id); err != nil {
				return job, err
			}
			if !slices.Contains(job.OutputFileIDs, id) {
				job.OutputFileIDs = append(job.OutputFileIDs, id)
			}
		}
	}

	job.UpdatedAt = time.Now().UTC()
	if err := d.WriteJob(job); err != nil {
		return job, err
	}
	return job, nil
}

// Wait polls until the job is terminal or ctx is done. The delay between
// polls grows from interval up to maxInterval. Transient polling failures
// are logged and retried.
func Wait(ctx context.Context, d Dir, c Client, interval, maxInterval time.Duration, lg *log.Logger) (types.BatchJob, error) {
	if lg == nil {
		lg = logger.Discard()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxInterval < interval {
		maxInterval = interval
	}
	backoff := retry.WithCappedDuration(maxInterval, retry.NewExponential(interval))

	var job types.BatchJob
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		j, err := Poll(ctx, d, c)
		if err != nil {
			if errors.Is(err, ErrNotSubmitted) || errors.Is(err, ErrNotPrepared) || ctx.Err() != nil {
				return err
			}
			lg.Warn("batch poll failed", "job_id", j.JobID, "err", err)
			return retry.RetryableError(err)
		}
		job = j
		if !j.Status.IsTerminal() {
			lg.Info("batch pending", "job_id", j.JobID, "remote_status", j.RemoteStatus)
			return retry.RetryableError(errPending)
		}
		return nil
	})
	if err != nil {
		return job, err
	}
	return job, nil
}

// localStatus maps the service's status onto the job lifecycle. An expired
// batch is terminal; its partial output is still reconciled.
func localStatus(remote string) types.BatchStatus {
	switch remote {
	case "completed", "expired":
		return types.BatchCompleted
	case "failed", "cancelled":
		return types.BatchFailed
	case "validating":
		return types.BatchSubmitted
	}
	return types.BatchInProgress
}

func download(ctx context.Context, d Dir, c Client, fileID string) error {
	dest := d.join(outputDir, fileID+".jsonl")
	if ok, _ := afero.Exists(d.Fs, dest); ok {
		return nil
	}
	data, err := c.DownloadFile(ctx, fileID)
	if err != nil {
		return err
	}
	if err := d.Fs.MkdirAll(d.join(outputDir), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	return writeAtomic(d.Fs, dest, data)
}
