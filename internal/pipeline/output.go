// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/pdiddy/rct-designspec/pkg/types"
)

// ReadOutput loads an enriched JSONL file. A missing file yields no records.
func ReadOutput(path string) ([]types.EnrichedRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var out []types.EnrichedRecord
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec types.EnrichedRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return out, nil
}

// MergeOutput folds records into the enriched dataset at path, keyed by
// rct_id. Existing entries are replaced in place and new ones are appended
// in the given order. Entries without an rct_id cannot be matched, so the
// old ones are kept unless records brings its own set, which replaces them.
// The file is replaced atomically.
func MergeOutput(path string, records []types.EnrichedRecord) error {
	existing, err := ReadOutput(path)
	if err != nil {
		return err
	}
	replaceUnkeyed := slices.ContainsFunc(records, func(r types.EnrichedRecord) bool { return r.RCTID == "" })

	index := map[string]int{}
	merged := make([]types.EnrichedRecord, 0, len(existing)+len(records))
	add := func(rec types.EnrichedRecord) {
		if rec.RCTID == "" {
			merged = append(merged, rec)
			return
		}
		if i, ok := index[rec.RCTID]; ok {
			merged[i] = rec
			return
		}
		index[rec.RCTID] = len(merged)
		merged = append(merged, rec)
	}
	for _, rec := range existing {
		if rec.RCTID == "" && replaceUnkeyed {
			continue
		}
		add(rec)
	}
	for _, rec := range records {
		add(rec)
	}
	return writeOutput(path, merged)
}

func writeOutput(path string, records []types.EnrichedRecord) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding %s: %w", rec.RCTID, err)
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp output: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp output: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
