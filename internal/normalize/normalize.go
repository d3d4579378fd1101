// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package normalize maps raw registry entries into canonical TrialRecords.
// No model is involved: field names are normalized, text is cleaned, list
// fields are split and deduplicated, and anything unmapped is preserved in
// the record's provenance bag.
package normalize

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

// SchemaError reports a raw entry that lacks a required identity field.
type SchemaError struct {
	// Index is the position of the entry in its input.
	Index int
	Field string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("entry %d: missing required field %q", e.Index, e.Field)
}

var doiPattern = regexp.MustCompile(`(?i)(https?://doi\.org/[^\s"<>]+)`)

// Registry field names and their aliases, first match wins.
var (
	idKeys        = []string{"RCT ID", "RCT_ID", "rct_id"}
	countryKeys   = []string{"Countries", "Country names", "countries"}
	titleKeys     = []string{"Title", "title"}
	statusKeys    = []string{"Status", "status"}
	citationKeys  = []string{"Citation", "citation"}
	doiKeys       = []string{"doi_url"}
	startKeys     = []string{"Start date", "start_date"}
	endKeys       = []string{"End date", "end_date"}
	ivStartKeys   = []string{"Intervention Start Date", "intervention_start_date"}
	ivEndKeys     = []string{"Intervention End Date", "intervention_end_date"}
	unitKeys      = []string{"Randomization Unit", "randomization_unit"}
	methodKeys    = []string{"Randomization Method", "randomization_method"}
	primaryKeys   = []string{"Primary Outcomes (end points)", "primary_outcomes"}
	primaryExKeys = []string{"Primary Outcomes (explanation)", "primary_outcomes_explanation"}
	secondKeys    = []string{"Secondary Outcomes (end points)", "secondary_outcomes"}
	secondExKeys  = []string{"Secondary Outcomes (explanation)", "secondary_outcomes_explanation"}
	ivKeys        = []string{"Intervention(s)", "intervention_text"}
	designKeys    = []string{"Experimental Design", "experimental_design"}
	detailsKeys   = []string{"Experimental Design Details", "experimental_design_details"}
	keywordKeys   = []string{"Keywords", "keywords"}
	addlKeys      = []string{"Additional Keywords", "additional_keywords"}
)

// sampleSizeFields maps registry sample size columns onto SampleSizes.
var sampleSizeFields = []struct {
	key string
	set func(*types.SampleSizes, string)
}{
	{"Sample size: planned number of clusters", func(s *types.SampleSizes, v string) { s.PlannedClusters = v }},
	{"Sample size: planned number of observations", func(s *types.SampleSizes, v string) { s.PlannedObservations = v }},
	{"Sample size: planned number of arms", func(s *types.SampleSizes, v string) { s.PlannedArms = v }},
	{"Sample size (or number of clusters) by treatment arms", func(s *types.SampleSizes, v string) { s.ByArm = v }},
	{"Minimum detectable effect size for main outcomes (accounting for sampledesign and clustering)", func(s *types.SampleSizes, v string) { s.MDE = v }},
	{"Final Sample Size: Number of Clusters (Unit of Randomization)", func(s *types.SampleSizes, v string) { s.FinalClusters = v }},
	{"Final Sample Size: Total Number of Observations", func(s *types.SampleSizes, v string) { s.FinalObservations = v }},
	{"Final Sample Size (or Number of Clusters) by Treatment Arms", func(s *types.SampleSizes, v string) { s.FinalByArm = v }},
	{"Was attrition correlated with treatment status?", func(s *types.SampleSizes, v string) { s.AttritionCorrelated = v }},
}

// fieldReader tracks which raw keys were consumed so the rest can be kept
// as provenance.
type fieldReader struct {
	raw  map[string]any
	used map[string]bool
}

func (r *fieldReader) first(keys []string) any {
	for _, k := range keys {
		v, ok := r.raw[k]
		if !ok {
			continue
		}
		r.used[k] = true
		if !isEmpty(v) {
			return v
		}
	}
	return nil
}

func (r *fieldReader) text(keys []string) string {
	return Text(r.first(keys))
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// Record maps one raw registry entry to a TrialRecord. index is the
// entry's position, used only in error messages.
func Record(raw map[string]any, index int) (types.TrialRecord, error) {
	r := &fieldReader{raw: raw, used: make(map[string]bool)}

	id := r.text(idKeys)
	if id == "" {
		return types.TrialRecord{}, &SchemaError{Index: index, Field: "rct_id"}
	}

	rec := types.TrialRecord{
		RCTID:                        id,
		Title:                        r.text(titleKeys),
		Status:                       r.text(statusKeys),
		StartDate:                    r.text(startKeys),
		EndDate:                      r.text(endKeys),
		InterventionStartDate:        r.text(ivStartKeys),
		InterventionEndDate:          r.text(ivEndKeys),
		RandomizationUnit:            r.text(unitKeys),
		RandomizationMethod:          r.text(methodKeys),
		PrimaryOutcomes:              Dedup(listField(r.first(primaryKeys))),
		PrimaryOutcomesExplanation:   r.text(primaryExKeys),
		SecondaryOutcomes:            Dedup(listField(r.first(secondKeys))),
		SecondaryOutcomesExplanation: r.text(secondExKeys),
		InterventionText:             r.text(ivKeys),
		ExperimentalDesign:           r.text(designKeys),
		ExperimentalDesignDetails:    r.text(detailsKeys),
		Keywords:                     Dedup(listField(r.first(keywordKeys))),
		AdditionalKeywords:           Dedup(listField(r.first(addlKeys))),
		Countries:                    Dedup(countries(r.first(countryKeys))),
	}

	rec.DOIURL = r.text(doiKeys)
	if citation := r.text(citationKeys); rec.DOIURL == "" && citation != "" {
		if m := doiPattern.FindStringSubmatch(citation); m != nil {
			rec.DOIURL = strings.TrimRight(m[1], ").,]")
		}
	}

	if nested, ok := raw["sample_sizes"].(map[string]any); ok {
		r.used["sample_sizes"] = true
		if err := remarshal(nested, &rec.SampleSizes); err != nil {
			return types.TrialRecord{}, fmt.Errorf("entry %d (%s): sample_sizes: %w", index, id, err)
		}
	}
	for _, f := range sampleSizeFields {
		if v, ok := raw[f.key]; ok {
			r.used[f.key] = true
			if t := Text(v); t != "" {
				f.set(&rec.SampleSizes, t)
			}
		}
	}

	if prov, ok := raw["provenance"].(map[string]any); ok {
		r.used["provenance"] = true
		rec.Provenance = make(map[string]any, len(prov))
		for k, v := range prov {
			rec.Provenance[k] = v
		}
	}
	for k, v := range raw {
		if r.used[k] {
			continue
		}
		if rec.Provenance == nil {
			rec.Provenance = make(map[string]any)
		}
		rec.Provenance[k] = v
	}

	return rec, nil
}

// listField accepts either a registry text blob or an already split list.
func listField(v any) []string {
	if items, ok := v.([]any); ok {
		out := make([]string, 0, len(items))
		for _, it := range items {
			if t := Text(it); t != "" {
				out = append(out, t)
			}
		}
		return out
	}
	if v == nil {
		return []string{}
	}
	return SplitBullets(v)
}

// countries reads the registry's country field, which is either a list of
// {"Country": name} objects, a list of names, or a text list.
func countries(v any) []string {
	switch x := v.(type) {
	case []any:
		var out []string
		for _, item := range x {
			switch c := item.(type) {
			case map[string]any:
				if name := Text(c["Country"]); name != "" {
					out = append(out, name)
				}
			case string:
				if name := Text(c); name != "" {
					out = append(out, name)
				}
			}
		}
		return out
	case string:
		return SplitBullets(x)
	}
	return []string{}
}

func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Summary holds counts from a normalization run.
type Summary struct {
	Written int
	Failed  int
	Errors  []error

	// Duplicates counts entries skipped because an earlier entry had the
	// same rct_id.
	Duplicates int
}

// HasFailures reports whether any entry was rejected.
func (s Summary) HasFailures() bool {
	return s.Failed > 0
}

// Records normalizes every raw entry. Entries that fail are reported in the
// summary and skipped; the others are returned in input order. An rct_id is
// kept from its first entry only.
func Records(raws []map[string]any, w io.Writer) ([]types.TrialRecord, Summary) {
	var summary Summary
	records := make([]types.TrialRecord, 0, len(raws))
	seen := map[string]int{}
	for i, raw := range raws {
		rec, err := Record(raw, i)
		if err != nil {
			fmt.Fprintf(w, "failed  entry %d: %v\n", i, err)
			summary.Failed++
			summary.Errors = append(summary.Errors, err)
			continue
		}
		if first, ok := seen[rec.RCTID]; ok {
			fmt.Fprintf(w, "skipped entry %d: duplicate rct_id %s (first at entry %d)\n", i, rec.RCTID, first)
			summary.Duplicates++
			continue
		}
		seen[rec.RCTID] = i
		records = append(records, rec)
		summary.Written++
	}
	return records, summary
}

// LoadRegistry reads raw registry entries from a JSON object of objects
// (keyed by row number), a JSON array, or JSONL. Object input is returned
// in sorted key order so runs are reproducible.
func LoadRegistry(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry %s: %w", path, err)
	}
	return ParseRegistry(data)
}

// ParseRegistry is LoadRegistry over an in-memory document.
func ParseRegistry(data []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var list []any
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("parsing registry array: %w", err)
		}
		return objects(list), nil
	}

	var whole map[string]any
	if err := json.Unmarshal(trimmed, &whole); err == nil {
		if looksLikeEntry(whole) {
			return []map[string]any{whole}, nil
		}
		keys := make([]string, 0, len(whole))
		for k := range whole {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return lessNumeric(keys[i], keys[j]) })
		list := make([]any, 0, len(keys))
		for _, k := range keys {
			list = append(list, whole[k])
		}
		return objects(list), nil
	}

	return parseJSONL(trimmed)
}

func parseJSONL(data []byte) ([]map[string]any, error) {
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(text, &entry); err != nil {
			return nil, fmt.Errorf("parsing line %d: %w", line, err)
		}
		out = append(out, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning registry: %w", err)
	}
	return out, nil
}

// looksLikeEntry reports whether a top-level object is itself a single entry
// rather than a dict of entries.
func looksLikeEntry(m map[string]any) bool {
	for _, k := range idKeys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func objects(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// lessNumeric orders "2" before "10" and falls back to string order.
func lessNumeric(a, b string) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
