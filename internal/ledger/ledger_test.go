// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(types.LedgerConfig{Dir: filepath.Join(t.TempDir(), "ledger"), MaxResults: 20})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func enriched(id string, dt types.DesignType, passed bool, errs ...types.ValidationError) types.EnrichedRecord {
	if errs == nil {
		errs = []types.ValidationError{}
	}
	return types.EnrichedRecord{
		SchemaVersion: types.EnrichedSchemaVersion,
		RCTID:         id,
		Provenance:    types.Provenance{Registry: types.TrialRecord{RCTID: id, Title: "Trial " + id}},
		Enrichment: types.Enrichment{
			LLM:     types.LLMMeta{Provider: "openai", Model: "gpt-5.2", PromptVersion: "v3.1", Delivery: types.DeliverySync, Attempts: 1},
			Derived: types.DesignSpec{DesignType: dt},
			Quality: types.ValidationResult{
				Passed:             passed,
				Errors:             errs,
				DesignCompleteness: types.CompletenessPartial,
				NeedsManual:        !passed,
			},
		},
	}
}

func TestBeginAndFinishRun(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	id, err := l.BeginRun(ctx, Run{Delivery: types.DeliverySync, Model: "gpt-5.2", PromptVersion: "v3.1"})
	require.NoError(t, err)
	assert.Len(t, id, 36, "uuid")

	require.NoError(t, l.FinishRun(ctx, id, RunSummary{Total: 3, Passed: 2, NeedsManual: 1}))

	var total, passed, manual int
	require.NoError(t, l.db.QueryRow(`SELECT total, passed, needs_manual FROM runs WHERE id = ?`, id).Scan(&total, &passed, &manual))
	assert.Equal(t, []int{3, 2, 1}, []int{total, passed, manual})

	assert.Error(t, l.FinishRun(ctx, "missing", RunSummary{}))
}

func TestRecordAttempts(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	runID, err := l.BeginRun(ctx, Run{Delivery: types.DeliverySync})
	require.NoError(t, err)

	first := Attempt{
		RunID: runID, RCTID: "A", Attempt: 0, Mode: "strict", Action: "extract",
		CacheKey: "k0", Errors: []types.ValidationError{{Kind: types.ErrQuoteNotFound, Message: "eq1 missing"}},
	}
	second := Attempt{RunID: runID, RCTID: "A", Attempt: 1, Mode: "strict_retry", Action: "extract", CacheHit: true, Passed: true}
	require.NoError(t, l.RecordAttempt(ctx, first))
	require.NoError(t, l.RecordAttempt(ctx, second))
	require.NoError(t, l.RecordAttempt(ctx, Attempt{RunID: runID, RCTID: "B", Action: "extract"}))

	got, err := l.Attempts(ctx, "A")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "strict", got[0].Mode)
	assert.False(t, got[0].Passed)
	assert.Equal(t, first.Errors, got[0].Errors)
	assert.Equal(t, "k0", got[0].CacheKey)
	assert.True(t, got[1].CacheHit)
	assert.True(t, got[1].Passed)
	assert.False(t, got[1].At.IsZero())

	var kinds string
	require.NoError(t, l.db.QueryRow(`SELECT error_kinds FROM attempts WHERE attempt = 0 AND rct_id = 'A'`).Scan(&kinds))
	assert.Equal(t, "QuoteNotFound", kinds)
}

func TestConcurrentAttempts(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	runID, err := l.BeginRun(ctx, Run{Delivery: types.DeliverySync})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.RecordAttempt(ctx, Attempt{RunID: runID, RCTID: "A", Attempt: i, Action: "extract"}))
		}(i)
	}
	wg.Wait()

	got, err := l.Attempts(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, got, 10)
}

func TestPutRecordUpserts(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	require.NoError(t, l.PutRecord(ctx, "", enriched("A", types.DesignFactorial, false,
		types.ValidationError{Kind: types.ErrDesignConsistency, Message: "no factors"})))
	require.NoError(t, l.PutRecord(ctx, "", enriched("A", types.DesignSimpleMultiarm, true)))

	got, err := l.Retrieve(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.DesignSimpleMultiarm, got[0].Enrichment.Derived.DesignType)
	assert.True(t, got[0].Enrichment.Quality.Passed)
}

func TestRetrieveFilters(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	records := []types.EnrichedRecord{
		enriched("A", types.DesignSimpleMultiarm, true),
		enriched("B", types.DesignFactorial, false, types.ValidationError{Kind: types.ErrDesignConsistency, Message: "no factors"}),
		enriched("C", types.DesignClusterRCT, false, types.ValidationError{Kind: types.ErrQuoteNotFound, Message: "eq2"}),
		enriched("D", types.DesignSimpleMultiarm, true),
	}
	for _, r := range records {
		require.NoError(t, l.PutRecord(ctx, "", r))
	}

	yes, no := true, false
	tests := []struct {
		name string
		opts QueryOptions
		want []string
	}{
		{"all", QueryOptions{}, []string{"A", "B", "C", "D"}},
		{"by id", QueryOptions{RCTID: "C"}, []string{"C"}},
		{"by design type", QueryOptions{DesignType: types.DesignSimpleMultiarm}, []string{"A", "D"}},
		{"needs manual", QueryOptions{NeedsManual: &yes}, []string{"B", "C"}},
		{"passed", QueryOptions{NeedsManual: &no}, []string{"A", "D"}},
		{"error kind", QueryOptions{ErrorKind: types.ErrQuoteNotFound}, []string{"C"}},
		{"limit", QueryOptions{MaxResults: 2}, []string{"A", "B"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Retrieve(ctx, tt.opts)
			require.NoError(t, err)
			var ids []string
			for _, r := range got {
				ids = append(ids, r.RCTID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestBatchJobs(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	job := types.BatchJob{JobID: "job-1", Status: types.BatchPrepared, Model: "gpt-5.2", PromptVersion: "v3.1", RequestCount: 10, CreatedAt: created, UpdatedAt: created}
	require.NoError(t, l.PutBatchJob(ctx, "data/batch", job))

	job.Status = types.BatchSubmitted
	job.RemoteID = "batch_abc"
	job.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, l.PutBatchJob(ctx, "data/batch", job))

	jobs, err := l.BatchJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.BatchSubmitted, jobs[0].Status)
	assert.Equal(t, "batch_abc", jobs[0].RemoteID)
	assert.Equal(t, 10, jobs[0].RequestCount)
	assert.True(t, created.Equal(jobs[0].CreatedAt))
}

func TestExport(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	runID, err := l.BeginRun(ctx, Run{Delivery: types.DeliverySync})
	require.NoError(t, err)

	require.NoError(t, l.PutRecord(ctx, runID, enriched("A", types.DesignSimpleMultiarm, true)))
	require.NoError(t, l.PutRecord(ctx, runID, enriched("B", types.DesignFactorial, false,
		types.ValidationError{Kind: types.ErrDesignConsistency, Message: "no factors"})))
	require.NoError(t, l.RecordAttempt(ctx, Attempt{RunID: runID, RCTID: "B", Action: "extract", Mode: "strict"}))

	yes := true
	path, err := l.ExportYAML(ctx, QueryOptions{NeedsManual: &yes})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.Dir(), "export.yaml"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var fromYAML []ExportEntry
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	require.Len(t, fromYAML, 1)
	assert.Equal(t, "B", fromYAML[0].RCTID)
	assert.Equal(t, "Trial B", fromYAML[0].Title)
	assert.True(t, fromYAML[0].NeedsManual)
	require.Len(t, fromYAML[0].Attempts, 1)
	assert.Equal(t, "strict", fromYAML[0].Attempts[0].Mode)

	path, err = l.ExportJSON(ctx, QueryOptions{})
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	var fromJSON []ExportEntry
	require.NoError(t, json.Unmarshal(data, &fromJSON))
	assert.Len(t, fromJSON, 2)
}
