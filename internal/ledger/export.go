// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

// ExportEntry is the review-oriented view of a stored record: the quality
// verdict and the attempts that led to it.
type ExportEntry struct {
	RCTID        string                  `json:"rct_id" yaml:"rct_id"`
	Title        string                  `json:"title,omitempty" yaml:"title,omitempty"`
	DesignType   types.DesignType        `json:"design_type" yaml:"design_type"`
	Passed       bool                    `json:"passed" yaml:"passed"`
	NeedsManual  bool                    `json:"needs_manual" yaml:"needs_manual"`
	Completeness types.Completeness      `json:"design_completeness" yaml:"design_completeness"`
	Delivery     types.Delivery          `json:"delivery" yaml:"delivery"`
	Errors       []types.ValidationError `json:"errors,omitempty" yaml:"errors,omitempty"`
	Attempts     []Attempt               `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

const exportLimit = 1000000

// ExportYAML writes the filtered records to <dir>/export.yaml and returns the path.
func (l *Ledger) ExportYAML(ctx context.Context, opts QueryOptions) (string, error) {
	entries, err := l.exportEntries(ctx, opts)
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshaling YAML: %w", err)
	}
	path := filepath.Join(l.dir, "export.yaml")
	return path, os.WriteFile(path, data, 0o644)
}

// ExportJSON writes the filtered records to <dir>/export.json and returns the path.
func (l *Ledger) ExportJSON(ctx context.Context, opts QueryOptions) (string, error) {
	entries, err := l.exportEntries(ctx, opts)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	path := filepath.Join(l.dir, "export.json")
	return path, os.WriteFile(path, data, 0o644)
}

func (l *Ledger) exportEntries(ctx context.Context, opts QueryOptions) ([]ExportEntry, error) {
	opts.MaxResults = exportLimit
	records, err := l.Retrieve(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("querying for export: %w", err)
	}

	entries := make([]ExportEntry, len(records))
	for i, r := range records {
		q := r.Enrichment.Quality
		attempts, err := l.Attempts(ctx, r.RCTID)
		if err != nil {
			return nil, err
		}
		entries[i] = ExportEntry{
			RCTID:        r.RCTID,
			Title:        r.Provenance.Registry.Title,
			DesignType:   r.Enrichment.Derived.DesignType,
			Passed:       q.Passed,
			NeedsManual:  q.NeedsManual,
			Completeness: q.DesignCompleteness,
			Delivery:     r.Enrichment.LLM.Delivery,
			Errors:       q.Errors,
			Attempts:     attempts,
		}
	}
	return entries, nil
}
