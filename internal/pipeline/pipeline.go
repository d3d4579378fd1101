// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline runs each trial record through a bounded state machine:
//
//	Draft -> Validated(passed) -> [Retry -> Draft'] -> Final(passed | needs_manual)
//
// A draft is one model response (synchronous, cached, or reconciled from a
// batch). Semantic validation failures trigger strict retries until the retry
// budget is spent; transport and parse failures go straight to Final. Every
// input record yields exactly one enriched record.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/rct-designspec/internal/extract"
	"github.com/pdiddy/rct-designspec/internal/ledger"
	"github.com/pdiddy/rct-designspec/internal/logger"
	"github.com/pdiddy/rct-designspec/internal/validate"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

// Provider names the model vendor in enriched output.
const Provider = "openai"

// Pipeline holds the collaborators shared by every record in a run.
type Pipeline struct {
	Extractor *extract.Extractor
	Validator *validate.Validator

	// Ledger is optional. Ledger write failures are logged, never fatal.
	Ledger *ledger.Ledger
	RunID  string

	Logger *log.Logger

	// RetryBudget is the number of strict retries after a failed validation.
	RetryBudget int
	Workers     int

	PapersDir     string
	MaxPaperChars int
}

// Summary counts the outcome of a run.
type Summary struct {
	Total       int
	Passed      int
	NeedsManual int
	ByKind      map[types.ErrorKind]int
}

// HasFailures reports whether any record needs manual review.
func (s Summary) HasFailures() bool {
	return s.NeedsManual > 0
}

// Summarize counts passed and flagged records and the error kinds of the
// final results.
func Summarize(records []types.EnrichedRecord) Summary {
	s := Summary{Total: len(records), ByKind: map[types.ErrorKind]int{}}
	for _, r := range records {
		q := r.Enrichment.Quality
		if q.Passed {
			s.Passed++
		}
		if q.NeedsManual {
			s.NeedsManual++
		}
		for _, e := range q.Errors {
			s.ByKind[e.Kind]++
		}
	}
	return s
}

// Run processes records concurrently, bounded by Workers, and returns one
// enriched record per input in input order. Per-record failures are captured
// in the records; the error is non-nil only when ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, records []types.TrialRecord) ([]types.EnrichedRecord, Summary, error) {
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	out := make([]types.EnrichedRecord, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, rec := range records {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out[i] = p.Process(gctx, rec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Summary{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, Summary{}, fmt.Errorf("run interrupted: %w", err)
	}
	return out, Summarize(out), nil
}

// Process extracts and validates one record synchronously.
func (p *Pipeline) Process(ctx context.Context, rec types.TrialRecord) types.EnrichedRecord {
	m := p.machine(ctx, rec, types.DeliverySync, "")
	return m.run(nil)
}

// Draft is a model response obtained outside the synchronous path, such as
// a reconciled batch output. Exactly one of Raw and Err is meaningful.
type Draft struct {
	Raw       string
	Err       error
	CacheKey  string
	CreatedAt *time.Time
}

// Finalize runs a batch-delivered draft for rec through the same validation
// path as synchronous extraction. A strict retry, when warranted, runs
// synchronously and only if a model backend is configured; otherwise the
// record is flagged for manual review.
func (p *Pipeline) Finalize(ctx context.Context, rec types.TrialRecord, batchID string, d Draft) types.EnrichedRecord {
	m := p.machine(ctx, rec, types.DeliveryBatch, batchID)
	if p.Extractor == nil || p.Extractor.Backend == nil {
		m.budget = 0
	}
	return m.run(&d)
}

// FinalizeAll runs Finalize over a set of drafts concurrently.
func (p *Pipeline) FinalizeAll(ctx context.Context, recs []types.TrialRecord, batchID string, drafts []Draft) ([]types.EnrichedRecord, Summary, error) {
	if len(recs) != len(drafts) {
		return nil, Summary{}, fmt.Errorf("finalize: %d records but %d drafts", len(recs), len(drafts))
	}
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	out := make([]types.EnrichedRecord, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range recs {
		g.Go(func() error {
			out[i] = p.Finalize(gctx, recs[i], batchID, drafts[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Summary{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, Summary{}, fmt.Errorf("finalize interrupted: %w", err)
	}
	return out, Summarize(out), nil
}

// SchemaFailure is the enriched record emitted for an input entry that could
// not be normalized. It carries no derived spec and is flagged for review.
func SchemaFailure(err error, delivery types.Delivery) types.EnrichedRecord {
	return types.EnrichedRecord{
		SchemaVersion: types.EnrichedSchemaVersion,
		Provenance:    types.Provenance{Registry: types.TrialRecord{}},
		Enrichment: types.Enrichment{
			LLM:      types.LLMMeta{Provider: Provider, Delivery: delivery},
			Derived:  emptySpec(),
			Evidence: []types.EvidenceQuote{},
			Quality:  types.Failure(types.ErrSchema, err.Error(), 0),
		},
	}
}

func (p *Pipeline) logger() *log.Logger {
	if p.Logger == nil {
		return logger.Discard()
	}
	return p.Logger
}
