// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/rct-designspec/internal/cache"
	"github.com/pdiddy/rct-designspec/internal/httputil"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

const validResponse = `{
  "design_type": "simple_multiarm",
  "unit_of_randomization_canonical": "individual participant",
  "is_clustered": false,
  "analysis_unit_canonical": null,
  "primary_outcomes_dedup": ["savings"],
  "arms": [
    {"arm_id": "a1", "name": "Control", "role": "control", "description": "No transfer", "evidence_quote_ids": ["eq1"]},
    {"arm_id": "a2", "name": "Treatment", "role": "treatment", "description": "Cash transfer", "evidence_quote_ids": ["eq1", "eq2"]}
  ],
  "factors": [],
  "assignment_rules": ["Individuals are randomly assigned to control or treatment."],
  "design_completeness": "complete",
  "extraction_sources": ["registry"],
  "evidence_quotes": [
    {"id": "eq1", "source_locator": "experimental_design", "quote": "randomly assigned to a control group or a treatment group", "supports": "arms"},
    {"id": "eq2", "source_locator": "intervention_text", "quote": "receive a cash transfer", "supports": "treatment"}
  ],
  "notes": ""
}`

// --- mock backends ---

type mockBackend struct {
	mu       sync.Mutex
	calls    int
	requests []Request
	fail     int   // fail this many calls first
	err      error // error returned while failing
	raw      string
	gate     chan struct{}
}

func (m *mockBackend) Complete(_ context.Context, req Request) (string, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.requests = append(m.requests, req)
	if m.calls <= m.fail {
		return "", m.err
	}
	return m.raw, nil
}

func (m *mockBackend) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestMain(m *testing.M) {
	backoffBase = time.Millisecond
	httputil.RetryBaseDelay = time.Millisecond
	os.Exit(m.Run())
}

func testRecord() types.TrialRecord {
	return types.TrialRecord{
		RCTID:              "AEARCTR-0000101",
		Title:              "Cash and Savings",
		DOIURL:             "https://doi.org/10.1257/rct.101",
		InterventionText:   "Households receive a cash transfer of 100 USD.",
		ExperimentalDesign: "Individuals are randomly assigned to a control group or a treatment group.",
		RandomizationUnit:  "individual",
		PrimaryOutcomes:    []string{"savings", "consumption"},
		SecondaryOutcomes:  []string{"health"},
	}
}

func newExtractor(t *testing.T, b Backend) *Extractor {
	t.Helper()
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, err)
	return &Extractor{Backend: b, Cache: c, Model: "gpt-5.2", PromptVersion: "v3.1", MaxRetries: 3}
}

// --- input rendering ---

func TestBuildInput(t *testing.T) {
	in := BuildInput(testRecord(), "")

	assert.True(t, strings.HasPrefix(in, "TITLE: Cash and Savings\nRCT_ID: AEARCTR-0000101\nDOI: https://doi.org/10.1257/rct.101\n"))
	assert.Contains(t, in, "\nINTERVENTION_TEXT:\nHouseholds receive a cash transfer of 100 USD.\n")
	assert.Contains(t, in, "\nPRIMARY_OUTCOMES_RAW:\nsavings, consumption\n")
	assert.Contains(t, in, "RANDOMIZATION_UNIT: individual")
	assert.NotContains(t, in, "EXPERIMENTAL_DESIGN_DETAILS")
	assert.NotContains(t, in, "FULL_PAPER_TEXT")

	withPaper := BuildInput(testRecord(), "  We randomized 400 households.  ")
	assert.True(t, strings.HasSuffix(withPaper, "\nFULL_PAPER_TEXT:\nWe randomized 400 households.\n"))
	assert.Equal(t, in, BuildInput(testRecord(), ""), "rendering is stable")
}

func TestSourceBlocks(t *testing.T) {
	blocks := SourceBlocks(testRecord(), "paper body")

	assert.Equal(t, "Households receive a cash transfer of 100 USD.", blocks[types.SourceInterventionText])
	assert.Equal(t, "savings, consumption", blocks[types.SourcePrimaryOutcomes])
	assert.Equal(t, "health", blocks[types.SourceSecondaryOutcomes])
	assert.Equal(t, "", blocks[types.SourceDesignDetails])
	assert.Equal(t, "paper body", blocks[types.SourcePaper])
	assert.Equal(t, BuildInput(testRecord(), ""), blocks[types.SourceRegistry])
	assert.Len(t, blocks, len(types.SourceLocators))
}

func TestLoadPaper(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AEARCTR-0000101.txt"), []byte("Ünïcode paper text"), 0o644))

	text, err := LoadPaper(dir, "AEARCTR-0000101", 7)
	require.NoError(t, err)
	assert.Equal(t, "Ünïcode", text)

	text, err = LoadPaper(dir, "AEARCTR-0000999", 100)
	require.NoError(t, err)
	assert.Empty(t, text)

	text, err = LoadPaper("", "AEARCTR-0000101", 100)
	require.NoError(t, err)
	assert.Empty(t, text)
}

// --- prompt and cache identity ---

func TestPrepare(t *testing.T) {
	rec := testRecord()
	first, err := Prepare(rec, "", ModeStrict, nil, "gpt-5.2", "v3.1")
	require.NoError(t, err)

	assert.Equal(t, "gpt-5.2", first.Request.Model)
	assert.Equal(t, 0.0, first.Request.Temperature)
	assert.Equal(t, "json_schema", first.Request.Text.Format.Type)
	assert.Equal(t, SchemaName, first.Request.Text.Format.Name)
	assert.True(t, first.Request.Text.Format.Strict)
	require.Len(t, first.Request.Input, 2)
	assert.NotContains(t, first.Request.Input[0].Content, "STRICT MODE")
	assert.Contains(t, first.Request.Input[1].Content, "RCT_ID: AEARCTR-0000101")
	assert.Equal(t, cache.Hash(BuildInput(rec, "")), first.InputHash)

	again, err := Prepare(rec, "", ModeStrict, nil, "gpt-5.2", "v3.1")
	require.NoError(t, err)
	assert.Equal(t, first.Key, again.Key, "key is deterministic")

	prior := []types.ValidationError{{Kind: types.ErrDesignConsistency, Message: "factorial design declares no factors"}}
	retry, err := Prepare(rec, "", ModeStrictRetry, prior, "gpt-5.2", "v3.1")
	require.NoError(t, err)
	assert.Contains(t, retry.Request.Input[0].Content, "STRICT MODE")
	assert.Contains(t, retry.Request.Input[0].Content, "DesignConsistencyError: factorial design declares no factors")
	assert.NotEqual(t, first.Key, retry.Key)
	assert.Equal(t, first.InputHash, retry.InputHash)

	bumped, err := Prepare(rec, "", ModeStrict, nil, "gpt-5.2", "v3.2")
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, bumped.Fingerprint)
	assert.NotEqual(t, first.Key, bumped.Key, "prompt version bump misses the cache")
}

// --- parsing ---

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		wantArms  int
		errSubstr string
	}{
		{name: "strict json", raw: validResponse, wantArms: 2},
		{name: "fenced with prose", raw: "Here you go:\n```json\n" + validResponse + "\n```\nThanks {not json}", wantArms: 2},
		{name: "empty", raw: "   ", wantErr: true, errSubstr: "empty"},
		{name: "no json", raw: "I cannot help with that.", wantErr: true, errSubstr: "not JSON"},
		{name: "array", raw: `[1, 2]`, wantErr: true, errSubstr: "not a JSON object"},
		{name: "bad enum", raw: strings.Replace(validResponse, `"simple_multiarm"`, `"adaptive"`, 1), wantErr: true, errSubstr: "schema violation"},
		{name: "missing field", raw: strings.Replace(validResponse, `"notes": ""`, `"extra": ""`, 1), wantErr: true, errSubstr: "schema violation"},
		{name: "truncated", raw: validResponse[:200], wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := Parse(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				var me *MalformedResponseError
				require.True(t, errors.As(err, &me))
				assert.Contains(t, err.Error(), tt.errSubstr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.DesignSimpleMultiarm, spec.DesignType)
			assert.Len(t, spec.Arms, tt.wantArms)
			assert.Nil(t, spec.AnalysisUnit)
			assert.Equal(t, types.SourceExperimentalDesign, spec.EvidenceQuotes[0].SourceLocator)
		})
	}
}

func TestFirstObject(t *testing.T) {
	got, ok := firstObject(`noise {"a": "}{", "b": {"c": "\"}"}} trailing }`)
	require.True(t, ok)
	assert.Equal(t, `{"a": "}{", "b": {"c": "\"}"}}`, got)

	_, ok = firstObject(`{"unterminated": true`)
	assert.False(t, ok)
}

// --- extractor ---

func TestExtractCachesResponse(t *testing.T) {
	b := &mockBackend{raw: validResponse}
	e := newExtractor(t, b)
	ctx := context.Background()

	first, err := e.Extract(ctx, testRecord(), "", ModeStrict, nil)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, validResponse, first.Raw)

	second, err := e.Extract(ctx, testRecord(), "", ModeStrict, nil)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Raw, second.Raw)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
	assert.Equal(t, 1, b.callCount())

	entry, ok := e.Cache.Lookup(first.Call.Key)
	require.True(t, ok)
	assert.Equal(t, "AEARCTR-0000101", entry.RCTID)
	assert.Equal(t, "v3.1", entry.PromptVersion)
	assert.Equal(t, first.Call.Fingerprint, entry.Fingerprint)
}

func TestExtractRetriesTransient(t *testing.T) {
	b := &mockBackend{raw: validResponse, fail: 2, err: &ExtractionError{Transient: true, Err: errors.New("connection reset")}}
	e := newExtractor(t, b)

	resp, err := e.Extract(context.Background(), testRecord(), "", ModeStrict, nil)
	require.NoError(t, err)
	assert.Equal(t, validResponse, resp.Raw)
	assert.Equal(t, 3, b.callCount())
}

func TestExtractExhaustsRetries(t *testing.T) {
	b := &mockBackend{fail: 100, err: &ExtractionError{Transient: true, Status: 503, Err: errors.New("unavailable")}}
	e := newExtractor(t, b)
	e.MaxRetries = 2

	_, err := e.Extract(context.Background(), testRecord(), "", ModeStrict, nil)
	require.Error(t, err)
	var xe *ExtractionError
	require.True(t, errors.As(err, &xe))
	assert.Equal(t, 503, xe.Status)
	assert.Equal(t, 3, b.callCount(), "one call plus two retries")
	assert.Equal(t, 0, e.Cache.Len(), "failures are not cached")
}

func TestExtractDoesNotRetryPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"client error", &ExtractionError{Status: 400, Err: errors.New("bad request")}},
		{"malformed", &MalformedResponseError{Reason: "no output text"}},
		{"plain error", errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mockBackend{fail: 100, err: tt.err}
			e := newExtractor(t, b)

			_, err := e.Extract(context.Background(), testRecord(), "", ModeStrict, nil)
			require.Error(t, err)
			assert.Equal(t, 1, b.callCount())

			var xe *ExtractionError
			var me *MalformedResponseError
			assert.True(t, errors.As(err, &xe) || errors.As(err, &me), "error is typed: %v", err)
		})
	}
}

func TestExtractWithoutBackendServesCache(t *testing.T) {
	seed := newExtractor(t, &mockBackend{raw: validResponse})
	_, err := seed.Extract(context.Background(), testRecord(), "", ModeStrict, nil)
	require.NoError(t, err)

	offline := &Extractor{Cache: seed.Cache, Model: "gpt-5.2", PromptVersion: "v3.1"}
	resp, err := offline.Extract(context.Background(), testRecord(), "", ModeStrict, nil)
	require.NoError(t, err)
	assert.True(t, resp.CacheHit)

	_, err = offline.Extract(context.Background(), testRecord(), "", ModeStrictRetry, nil)
	var xe *ExtractionError
	require.True(t, errors.As(err, &xe))
}

func TestExtractConcurrentSameKey(t *testing.T) {
	b := &mockBackend{raw: validResponse, gate: make(chan struct{})}
	e := newExtractor(t, b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := e.Extract(context.Background(), testRecord(), "", ModeStrict, nil)
			assert.NoError(t, err)
			assert.Equal(t, validResponse, resp.Raw)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(b.gate)
	wg.Wait()

	assert.Equal(t, 1, b.callCount())
}

func TestExtractCancelled(t *testing.T) {
	b := &mockBackend{fail: 100, err: &ExtractionError{Transient: true, Err: fmt.Errorf("timeout")}}
	e := newExtractor(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Extract(ctx, testRecord(), "", ModeStrict, nil)
	require.Error(t, err)
}
