// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pdiddy/rct-designspec/internal/cache"
	"github.com/pdiddy/rct-designspec/internal/extract"
	"github.com/pdiddy/rct-designspec/internal/ledger"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

// Ledger actions.
const (
	actionExtract  = "extract"
	actionValidate = "validate"
	actionRetry    = "retry"
	actionFinal    = "final"
)

// kinded is implemented by errors that carry their own error kind, such as
// missing or corrupt batch outputs.
type kinded interface {
	ErrorKind() types.ErrorKind
}

// machine is the per-record state.
type machine struct {
	p        *Pipeline
	ctx      context.Context
	rec      types.TrialRecord
	paper    string
	blocks   map[types.SourceLocator]string
	delivery types.Delivery
	batchID  string
	budget   int
	log      *log.Logger
}

// candidate is one parsed and validated draft.
type candidate struct {
	spec   types.DesignSpec
	result types.ValidationResult
	resp   extract.Response
}

func (p *Pipeline) machine(ctx context.Context, rec types.TrialRecord, delivery types.Delivery, batchID string) *machine {
	lg := p.logger().With("rct_id", rec.RCTID)
	paper, err := extract.LoadPaper(p.PapersDir, rec.RCTID, p.MaxPaperChars)
	if err != nil {
		lg.Warn("paper text unavailable", "err", err)
		paper = ""
	}
	budget := p.RetryBudget
	if budget < 0 {
		budget = 0
	}
	return &machine{
		p:        p,
		ctx:      ctx,
		rec:      rec,
		paper:    paper,
		blocks:   extract.SourceBlocks(rec, paper),
		delivery: delivery,
		batchID:  batchID,
		budget:   budget,
		log:      lg,
	}
}

// run drives the record to Final. When first is non-nil it stands in for the
// attempt-0 draft.
func (m *machine) run(first *Draft) types.EnrichedRecord {
	var (
		prev  *candidate
		prior []types.ValidationError
	)
	for attempt := 0; ; attempt++ {
		mode := extract.ModeStrict
		if attempt > 0 {
			mode = extract.ModeStrictRetry
		}

		var (
			resp extract.Response
			err  error
		)
		if attempt == 0 && first != nil {
			resp, err = m.fromDraft(*first)
		} else {
			resp, err = m.extract(mode, prior)
		}
		if err != nil {
			m.audit(attempt, mode, actionExtract, resp, false, []types.ValidationError{failure(err)})
			return m.abort(attempt, resp, err, prev)
		}

		spec, err := extract.Parse(resp.Raw)
		if err != nil {
			m.audit(attempt, mode, actionExtract, resp, false, []types.ValidationError{failure(err)})
			return m.abort(attempt, resp, err, prev)
		}

		result := m.p.Validator.Validate(m.blocks, spec, attempt)
		cur := &candidate{spec: spec, result: result, resp: resp}
		m.audit(attempt, mode, actionValidate, resp, result.Passed, result.Errors)
		m.log.Debug("validated", "attempt", attempt, "cache_hit", resp.CacheHit, "passed", result.Passed, "errors", kindList(result.Errors))

		if result.Passed {
			return m.final(cur, attempt)
		}
		if attempt >= m.budget || !anySemantic(result.Errors) {
			cur.result.NeedsManual = true
			return m.final(cur, attempt)
		}
		m.audit(attempt, mode, actionRetry, resp, false, result.Errors)
		m.log.Info("retrying in strict mode", "attempt", attempt+1, "errors", kindList(result.Errors))
		prior = result.Errors
		prev = cur
	}
}

func (m *machine) extract(mode extract.Mode, prior []types.ValidationError) (extract.Response, error) {
	if m.p.Extractor == nil {
		return extract.Response{}, &extract.ExtractionError{Err: errors.New("no extractor configured")}
	}
	return m.p.Extractor.Extract(m.ctx, m.rec, m.paper, mode, prior)
}

// fromDraft turns an externally obtained response into the attempt-0 draft.
func (m *machine) fromDraft(d Draft) (extract.Response, error) {
	resp := extract.Response{Raw: d.Raw}
	resp.Call.Key = d.CacheKey
	if d.CreatedAt != nil {
		resp.CreatedAt = *d.CreatedAt
	}
	if d.Err != nil {
		return resp, d.Err
	}
	return resp, nil
}

// abort ends the record after a transport or parse failure. The previous
// candidate, if any, is kept as the derived spec.
func (m *machine) abort(attempt int, resp extract.Response, err error, prev *candidate) types.EnrichedRecord {
	verr := failure(err)
	m.log.Warn("extraction failed", "attempt", attempt, "kind", verr.Kind, "err", err)
	if prev == nil {
		cur := &candidate{
			spec:   emptySpec(),
			result: types.Failure(verr.Kind, verr.Message, attempt),
			resp:   resp,
		}
		return m.final(cur, attempt)
	}
	result := prev.result
	result.Errors = append(append([]types.ValidationError{}, prev.result.Errors...), verr)
	result.Passed = false
	result.NeedsManual = true
	result.Attempt = attempt
	return m.final(&candidate{spec: prev.spec, result: result, resp: prev.resp}, attempt)
}

func (m *machine) final(c *candidate, attempt int) types.EnrichedRecord {
	key := c.resp.Call.Key
	if key == "" && m.p.Extractor != nil {
		if call, err := extract.Prepare(m.rec, m.paper, extract.ModeStrict, nil, m.p.Extractor.Model, m.p.Extractor.PromptVersion); err == nil {
			key = call.Key
		}
	}
	var created *time.Time
	if !c.resp.CreatedAt.IsZero() {
		t := c.resp.CreatedAt
		created = &t
	}
	evidence := c.spec.EvidenceQuotes
	if evidence == nil {
		evidence = []types.EvidenceQuote{}
	}
	out := types.EnrichedRecord{
		SchemaVersion: types.EnrichedSchemaVersion,
		RCTID:         m.rec.RCTID,
		Provenance:    types.Provenance{Registry: m.rec},
		Enrichment: types.Enrichment{
			LLM: types.LLMMeta{
				Provider:      Provider,
				Model:         m.model(),
				PromptVersion: m.promptVersion(),
				Fingerprint:   cache.Hash(extract.BuildInput(m.rec, m.paper)),
				CacheKey:      key,
				Delivery:      m.delivery,
				BatchID:       m.batchID,
				Attempts:      attempt + 1,
				CreatedAt:     created,
			},
			Derived:  c.spec,
			Evidence: evidence,
			Quality:  c.result,
		},
	}

	q := c.result
	m.audit(attempt, "", actionFinal, c.resp, q.Passed, q.Errors)
	if m.p.Ledger != nil {
		if err := m.p.Ledger.PutRecord(m.ctx, m.p.RunID, out); err != nil {
			m.log.Warn("ledger write failed", "err", err)
		}
	}
	if q.NeedsManual {
		m.log.Warn("needs manual review", "attempts", attempt+1, "errors", kindList(q.Errors))
	} else {
		m.log.Info("extracted", "design_type", c.spec.DesignType, "attempts", attempt+1, "completeness", q.DesignCompleteness)
	}
	return out
}

func (m *machine) audit(attempt int, mode extract.Mode, action string, resp extract.Response, passed bool, errs []types.ValidationError) {
	if m.p.Ledger == nil {
		return
	}
	err := m.p.Ledger.RecordAttempt(m.ctx, ledger.Attempt{
		RunID:    m.p.RunID,
		RCTID:    m.rec.RCTID,
		Attempt:  attempt,
		Mode:     string(mode),
		Action:   action,
		CacheHit: resp.CacheHit,
		CacheKey: resp.Call.Key,
		Passed:   passed,
		Errors:   errs,
	})
	if err != nil {
		m.log.Warn("ledger write failed", "err", err)
	}
}

func (m *machine) model() string {
	if m.p.Extractor == nil {
		return ""
	}
	return m.p.Extractor.Model
}

func (m *machine) promptVersion() string {
	if m.p.Extractor == nil {
		return ""
	}
	return m.p.Extractor.PromptVersion
}

// failure classifies a draft error under one error kind.
func failure(err error) types.ValidationError {
	var (
		k  kinded
		me *extract.MalformedResponseError
	)
	switch {
	case errors.As(err, &k):
		return types.ValidationError{Kind: k.ErrorKind(), Message: err.Error()}
	case errors.As(err, &me):
		return types.ValidationError{Kind: types.ErrMalformedResponse, Message: me.Reason}
	}
	return types.ValidationError{Kind: types.ErrExtraction, Message: err.Error()}
}

func anySemantic(errs []types.ValidationError) bool {
	for _, e := range errs {
		if e.Kind.IsSemantic() {
			return true
		}
	}
	return false
}

func kindList(errs []types.ValidationError) string {
	kinds := make([]string, 0, len(errs))
	for _, e := range errs {
		kinds = append(kinds, string(e.Kind))
	}
	return strings.Join(kinds, ",")
}

// emptySpec is the derived spec of a record that never produced a usable
// draft. Lists are empty rather than null.
func emptySpec() types.DesignSpec {
	return types.DesignSpec{
		PrimaryOutcomesDedup: []string{},
		Arms:                 []types.Arm{},
		Factors:              []types.Factor{},
		AssignmentRules:      []string{},
		ExtractionSources:    []string{},
		EvidenceQuotes:       []types.EvidenceQuote{},
	}
}
