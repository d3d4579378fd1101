// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package ledger keeps the audit trail of extraction runs in SQLite: every
// attempt with its action, cache outcome and error kind, the latest enriched
// record per trial, and the batch jobs submitted. It is what lets an operator
// reconstruct why a record ended up flagged for manual review.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

const dbFile = "ledger.db"

// Ledger is an open audit database. It is safe for concurrent use.
type Ledger struct {
	db         *sql.DB
	dir        string
	maxResults int
}

// Open opens or creates dir/ledger.db and its schema.
func Open(cfg types.LedgerConfig) (*Ledger, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}
	dbPath := filepath.Join(cfg.Dir, dbFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	// Pipeline workers write concurrently; one connection serializes them.
	db.SetMaxOpenConns(1)

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 20
	}
	l := &Ledger{db: db, dir: cfg.Dir, maxResults: maxResults}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating ledger schema: %w", err)
	}
	return l, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Dir returns the ledger directory.
func (l *Ledger) Dir() string {
	return l.dir
}

func (l *Ledger) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			delivery TEXT NOT NULL,
			model TEXT,
			prompt_version TEXT,
			input_path TEXT,
			output_path TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			total INTEGER DEFAULT 0,
			passed INTEGER DEFAULT 0,
			needs_manual INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id),
			rct_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			mode TEXT,
			action TEXT NOT NULL,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			cache_key TEXT,
			passed INTEGER NOT NULL DEFAULT 0,
			error_kinds TEXT,
			errors TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_rct_id ON attempts(rct_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_run_id ON attempts(run_id)`,
		`CREATE TABLE IF NOT EXISTS records (
			rct_id TEXT PRIMARY KEY,
			run_id TEXT REFERENCES runs(id),
			design_type TEXT,
			passed INTEGER NOT NULL,
			needs_manual INTEGER NOT NULL,
			completeness TEXT,
			delivery TEXT,
			record TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_design_type ON records(design_type)`,
		`CREATE TABLE IF NOT EXISTS batch_jobs (
			job_id TEXT PRIMARY KEY,
			remote_id TEXT,
			dir TEXT,
			status TEXT NOT NULL,
			model TEXT,
			prompt_version TEXT,
			request_count INTEGER,
			error TEXT,
			created_at TEXT,
			updated_at TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Run describes one invocation of the pipeline.
type Run struct {
	ID            string         `json:"id" yaml:"id"`
	Delivery      types.Delivery `json:"delivery" yaml:"delivery"`
	Model         string         `json:"model" yaml:"model"`
	PromptVersion string         `json:"prompt_version" yaml:"prompt_version"`
	InputPath     string         `json:"input_path" yaml:"input_path"`
	OutputPath    string         `json:"output_path" yaml:"output_path"`
	StartedAt     time.Time      `json:"started_at" yaml:"started_at"`
}

// RunSummary holds the counts recorded when a run finishes.
type RunSummary struct {
	Total       int `json:"total" yaml:"total"`
	Passed      int `json:"passed" yaml:"passed"`
	NeedsManual int `json:"needs_manual" yaml:"needs_manual"`
}

// BeginRun records the start of a run and returns its id. A new UUID is
// assigned when run.ID is empty.
func (l *Ledger) BeginRun(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, delivery, model, prompt_version, input_path, output_path, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Delivery), run.Model, run.PromptVersion, run.InputPath, run.OutputPath, stamp(run.StartedAt),
	)
	if err != nil {
		return "", fmt.Errorf("recording run: %w", err)
	}
	return run.ID, nil
}

// FinishRun stores the final counts of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID string, s RunSummary) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, total = ?, passed = ?, needs_manual = ? WHERE id = ?`,
		stamp(time.Now()), s.Total, s.Passed, s.NeedsManual, runID,
	)
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// Attempt is one logged step in a record's extraction.
type Attempt struct {
	RunID    string                  `json:"run_id" yaml:"run_id"`
	RCTID    string                  `json:"rct_id" yaml:"rct_id"`
	Attempt  int                     `json:"attempt" yaml:"attempt"`
	Mode     string                  `json:"mode,omitempty" yaml:"mode,omitempty"`
	Action   string                  `json:"action" yaml:"action"`
	CacheHit bool                    `json:"cache_hit" yaml:"cache_hit"`
	CacheKey string                  `json:"cache_key,omitempty" yaml:"cache_key,omitempty"`
	Passed   bool                    `json:"passed" yaml:"passed"`
	Errors   []types.ValidationError `json:"errors,omitempty" yaml:"errors,omitempty"`
	At       time.Time               `json:"at" yaml:"at"`
}

// RecordAttempt appends an attempt to the audit trail.
func (l *Ledger) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	kinds := make([]string, 0, len(a.Errors))
	for _, e := range a.Errors {
		kinds = append(kinds, string(e.Kind))
	}
	errsJSON, err := json.Marshal(a.Errors)
	if err != nil {
		return fmt.Errorf("marshaling attempt errors: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO attempts (run_id, rct_id, attempt, mode, action, cache_hit, cache_key, passed, error_kinds, errors, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.RCTID, a.Attempt, a.Mode, a.Action, a.CacheHit, a.CacheKey, a.Passed,
		strings.Join(kinds, ","), string(errsJSON), stamp(a.At),
	)
	if err != nil {
		return fmt.Errorf("recording attempt for %s: %w", a.RCTID, err)
	}
	return nil
}

// Attempts returns the logged attempts for a record, oldest first.
func (l *Ledger) Attempts(ctx context.Context, rctID string) ([]Attempt, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, rct_id, attempt, mode, action, cache_hit, cache_key, passed, errors, created_at
		 FROM attempts WHERE rct_id = ? ORDER BY id`, rctID)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a        Attempt
			mode     sql.NullString
			key      sql.NullString
			errsJSON sql.NullString
			at       string
		)
		if err := rows.Scan(&a.RunID, &a.RCTID, &a.Attempt, &mode, &a.Action, &a.CacheHit, &key, &a.Passed, &errsJSON, &at); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		a.Mode, a.CacheKey = mode.String, key.String
		if errsJSON.Valid && errsJSON.String != "" {
			json.Unmarshal([]byte(errsJSON.String), &a.Errors)
		}
		a.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutRecord stores the latest enriched record for its rct_id.
func (l *Ledger) PutRecord(ctx context.Context, runID string, rec types.EnrichedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record %s: %w", rec.RCTID, err)
	}
	q := rec.Enrichment.Quality
	var run any
	if runID != "" {
		run = runID
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO records (rct_id, run_id, design_type, passed, needs_manual, completeness, delivery, record, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(rct_id) DO UPDATE SET
			run_id=excluded.run_id, design_type=excluded.design_type, passed=excluded.passed,
			needs_manual=excluded.needs_manual, completeness=excluded.completeness,
			delivery=excluded.delivery, record=excluded.record, updated_at=excluded.updated_at`,
		rec.RCTID, run, string(rec.Enrichment.Derived.DesignType), q.Passed, q.NeedsManual,
		string(q.DesignCompleteness), string(rec.Enrichment.LLM.Delivery), string(data), stamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("storing record %s: %w", rec.RCTID, err)
	}
	return nil
}

// PutBatchJob upserts the state of a batch job submitted from dir.
func (l *Ledger) PutBatchJob(ctx context.Context, dir string, job types.BatchJob) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO batch_jobs (job_id, remote_id, dir, status, model, prompt_version, request_count, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET
			remote_id=excluded.remote_id, dir=excluded.dir, status=excluded.status,
			request_count=excluded.request_count, error=excluded.error, updated_at=excluded.updated_at`,
		job.JobID, job.RemoteID, dir, string(job.Status), job.Model, job.PromptVersion,
		job.RequestCount, job.Error, stamp(job.CreatedAt), stamp(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing batch job %s: %w", job.JobID, err)
	}
	return nil
}

// BatchJobs lists recorded batch jobs, most recently updated first.
func (l *Ledger) BatchJobs(ctx context.Context) ([]types.BatchJob, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT job_id, remote_id, status, model, prompt_version, request_count, error, created_at, updated_at
		 FROM batch_jobs ORDER BY updated_at DESC, job_id`)
	if err != nil {
		return nil, fmt.Errorf("querying batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.BatchJob
	for rows.Next() {
		var (
			j                types.BatchJob
			remote, jobErr   sql.NullString
			status           string
			created, updated string
		)
		if err := rows.Scan(&j.JobID, &remote, &status, &j.Model, &j.PromptVersion, &j.RequestCount, &jobErr, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning batch job: %w", err)
		}
		j.RemoteID, j.Error = remote.String, jobErr.String
		j.Status = types.BatchStatus(status)
		j.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
