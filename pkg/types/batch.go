// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// BatchStatus is the lifecycle state of a batch job.
type BatchStatus string

const (
	// BatchPrepared means the request artifacts exist locally but nothing
	// has been uploaded yet.
	BatchPrepared   BatchStatus = "prepared"
	BatchSubmitted  BatchStatus = "submitted"
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// IsTerminal reports whether polling can stop.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

// ManifestEntry references the input a custom_id was generated from.
type ManifestEntry struct {
	CustomID string `json:"custom_id" yaml:"custom_id"`

	// Line is the zero-based line of the request in input.jsonl.
	Line int `json:"line" yaml:"line"`

	// Fingerprint and CacheKey tie the request to the cache entry the
	// reconciled response is stored under.
	Fingerprint string `json:"fingerprint" yaml:"fingerprint"`
	CacheKey    string `json:"cache_key" yaml:"cache_key"`

	// Record is a snapshot of the trial record the request was built from,
	// so reconciliation never depends on the original input file.
	Record TrialRecord `json:"record" yaml:"record"`
}

// Manifest maps each custom_id in a batch to its input reference. Entries
// keep submission order.
type Manifest struct {
	Model         string          `json:"model" yaml:"model"`
	PromptVersion string          `json:"prompt_version" yaml:"prompt_version"`
	Entries       []ManifestEntry `json:"entries" yaml:"entries"`

	// SchemaErrors describes input entries that could not be normalized.
	// Reconciliation emits one flagged record for each.
	SchemaErrors []string `json:"schema_errors,omitempty" yaml:"schema_errors,omitempty"`
}

// Lookup returns the entry for a custom_id.
func (m *Manifest) Lookup(customID string) (ManifestEntry, bool) {
	for _, e := range m.Entries {
		if e.CustomID == customID {
			return e, true
		}
	}
	return ManifestEntry{}, false
}

// BatchJob is the durable record of one asynchronous submission. It is
// written to job.json before the first poll so a restarted process can resume.
type BatchJob struct {
	JobID         string      `json:"job_id" yaml:"job_id"`
	RemoteID      string      `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	InputFileID   string      `json:"input_file_id,omitempty" yaml:"input_file_id,omitempty"`
	OutputFileIDs []string    `json:"output_file_ids,omitempty" yaml:"output_file_ids,omitempty"`
	Status        BatchStatus `json:"status" yaml:"status"`
	RemoteStatus  string      `json:"remote_status,omitempty" yaml:"remote_status,omitempty"`
	Model         string      `json:"model" yaml:"model"`
	PromptVersion string      `json:"prompt_version" yaml:"prompt_version"`
	RequestCount  int         `json:"request_count" yaml:"request_count"`
	Error         string      `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt     time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" yaml:"updated_at"`
}
