// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package batch runs extraction through an asynchronous batch service. A
// batch lives in a working directory:
//
//	manifest.json   custom_id -> input record snapshot and cache key
//	input.jsonl     one request line per record, same body as the sync path
//	job.json        durable job state, written before the first poll
//	output/*.jsonl  downloaded result and error shards
//
// Every step reads and writes only that directory, so a restarted process
// resumes where the last one stopped and reconciliation can be repeated.
package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/pdiddy/rct-designspec/internal/extract"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

const (
	manifestFile = "manifest.json"
	inputFile    = "input.jsonl"
	jobFile      = "job.json"
	outputDir    = "output"

	// Endpoint is the batch request target for every line.
	Endpoint = "/v1/responses"
)

// ErrNotPrepared means the directory holds no batch artifacts.
var ErrNotPrepared = errors.New("batch directory has not been prepared")

// Dir is a batch working directory on a filesystem.
type Dir struct {
	Fs   afero.Fs
	Path string
}

// NewDir returns the batch directory at p on the OS filesystem.
func NewDir(p string) Dir {
	return Dir{Fs: afero.NewOsFs(), Path: p}
}

func (d Dir) join(elem ...string) string {
	return path.Join(append([]string{d.Path}, elem...)...)
}

// RequestLine is one line of input.jsonl.
type RequestLine struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     extract.Request `json:"body"`
}

// PaperFunc returns the paper text for a record, or "".
type PaperFunc func(rctID string) string

// Prepare writes the request file, manifest and job for records. Requests
// are built exactly as the first synchronous attempt would build them, so a
// reconciled answer lands under the same cache key. Records repeating an
// rct_id after its first occurrence are skipped. Rejected input entries have
// no custom_id; their errors are kept in the manifest so reconciliation can
// still account for them.
func Prepare(d Dir, records []types.TrialRecord, rejected []error, paper PaperFunc, model, promptVersion string) (types.BatchJob, error) {
	manifest := types.Manifest{Model: model, PromptVersion: promptVersion, Entries: []types.ManifestEntry{}}
	for _, err := range rejected {
		manifest.SchemaErrors = append(manifest.SchemaErrors, err.Error())
	}
	var input bytes.Buffer
	enc := json.NewEncoder(&input)
	enc.SetEscapeHTML(false)

	seen := map[string]bool{}
	for _, rec := range records {
		if seen[rec.RCTID] {
			continue
		}
		seen[rec.RCTID] = true

		text := ""
		if paper != nil {
			text = paper(rec.RCTID)
		}
		call, err := extract.Prepare(rec, text, extract.ModeStrict, nil, model, promptVersion)
		if err != nil {
			return types.BatchJob{}, fmt.Errorf("preparing %s: %w", rec.RCTID, err)
		}
		line := RequestLine{CustomID: rec.RCTID, Method: "POST", URL: Endpoint, Body: call.Request}
		if err := enc.Encode(line); err != nil {
			return types.BatchJob{}, fmt.Errorf("encoding request for %s: %w", rec.RCTID, err)
		}
		manifest.Entries = append(manifest.Entries, types.ManifestEntry{
			CustomID:    rec.RCTID,
			Line:        len(manifest.Entries),
			Fingerprint: call.Fingerprint,
			CacheKey:    call.Key,
			Record:      rec,
		})
	}
	if len(manifest.Entries) == 0 {
		return types.BatchJob{}, errors.New("no records to batch")
	}

	if err := d.Fs.MkdirAll(d.join(outputDir), 0o755); err != nil {
		return types.BatchJob{}, fmt.Errorf("creating batch directory: %w", err)
	}
	if err := writeAtomic(d.Fs, d.join(inputFile), input.Bytes()); err != nil {
		return types.BatchJob{}, err
	}
	if err := writeJSON(d.Fs, d.join(manifestFile), manifest); err != nil {
		return types.BatchJob{}, err
	}
	now := time.Now().UTC()
	job := types.BatchJob{
		JobID:         uuid.NewString(),
		Status:        types.BatchPrepared,
		Model:         model,
		PromptVersion: promptVersion,
		RequestCount:  len(manifest.Entries),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := d.WriteJob(job); err != nil {
		return types.BatchJob{}, err
	}
	return job, nil
}

// ReadManifest loads manifest.json.
func (d Dir) ReadManifest() (types.Manifest, error) {
	var m types.Manifest
	if err := readJSON(d.Fs, d.join(manifestFile), &m); err != nil {
		return types.Manifest{}, err
	}
	return m, nil
}

// ReadJob loads job.json.
func (d Dir) ReadJob() (types.BatchJob, error) {
	var job types.BatchJob
	if err := readJSON(d.Fs, d.join(jobFile), &job); err != nil {
		return types.BatchJob{}, err
	}
	return job, nil
}

// WriteJob persists job.json atomically.
func (d Dir) WriteJob(job types.BatchJob) error {
	return writeJSON(d.Fs, d.join(jobFile), job)
}

func readJSON(fs afero.Fs, p string, v any) error {
	data, err := afero.ReadFile(fs, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", p, ErrNotPrepared)
		}
		return fmt.Errorf("reading %s: %w", p, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", p, err)
	}
	return nil
}

func writeJSON(fs afero.Fs, p string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path.Base(p), err)
	}
	return writeAtomic(fs, p, append(data, '\n'))
}

// writeAtomic writes to a temp file beside p and renames it into place.
func writeAtomic(fs afero.Fs, p string, data []byte) error {
	tmp, err := afero.TempFile(fs, path.Dir(p), "."+path.Base(p)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", p, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		fs.Remove(name)
		return fmt.Errorf("writing %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(name)
		return fmt.Errorf("closing temp file for %s: %w", p, err)
	}
	if err := fs.Rename(name, p); err != nil {
		fs.Remove(name)
		return fmt.Errorf("renaming %s: %w", p, err)
	}
	return nil
}
