// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package normalize

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

// ReadRecords loads TrialRecords from JSONL or a JSON array. Raw registry
// exports are accepted too; every entry passes through Record, which is
// idempotent on canonical input. Entries without an rct_id are reported in
// the summary rather than failing the whole file.
func ReadRecords(path string, w io.Writer) ([]types.TrialRecord, Summary, error) {
	raws, err := LoadRegistry(path)
	if err != nil {
		return nil, Summary{}, err
	}
	records, summary := Records(raws, w)
	return records, summary, nil
}

// WriteRecords writes one JSON object per line, creating parent directories.
func WriteRecords(path string, records []types.TrialRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			f.Close()
			return fmt.Errorf("encoding %s: %w", rec.RCTID, err)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
