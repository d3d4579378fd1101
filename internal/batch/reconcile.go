// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package batch

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/tidwall/gjson"

	"github.com/pdiddy/rct-designspec/internal/cache"
	"github.com/pdiddy/rct-designspec/internal/extract"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

// OutputError is a per-record reconciliation failure.
type OutputError struct {
	Kind     types.ErrorKind
	CustomID string
	Reason   string
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("%s for %s: %s", e.Kind, e.CustomID, e.Reason)
}

// ErrorKind reports the kind the record is flagged under.
func (e *OutputError) ErrorKind() types.ErrorKind {
	return e.Kind
}

// Outcome is the reconciled result for one manifest entry. Exactly one of
// Raw and Err is set.
type Outcome struct {
	Entry types.ManifestEntry
	Raw   string
	Err   *OutputError

	// CreatedAt is the service's timestamp for the response, when known.
	CreatedAt *time.Time
}

// Failure returns Err as an error, or nil.
func (o Outcome) Failure() error {
	if o.Err == nil {
		return nil
	}
	return o.Err
}

// Report summarizes a reconciliation.
type Report struct {
	Shards    int
	Lines     int
	Succeeded int
	Failed    int

	// Unknown lists custom_ids present in output but absent from the manifest.
	Unknown []string

	// Unattributed counts output lines whose custom_id could not be read.
	Unattributed int
}

// HasFailures reports whether any manifest entry lacks a usable output.
func (r Report) HasFailures() bool {
	return r.Failed > 0
}

type lineResult struct {
	raw     string
	created *time.Time
	err     *OutputError
}

// Reconcile joins the downloaded output shards back to the manifest. It
// returns one outcome per manifest entry in manifest order. A successful
// line in any shard supersedes an error line for the same custom_id. The
// result depends only on the directory contents, so repeated calls agree.
func Reconcile(d Dir) ([]Outcome, Report, error) {
	manifest, err := d.ReadManifest()
	if err != nil {
		return nil, Report{}, err
	}
	known := make(map[string]bool, len(manifest.Entries))
	for _, e := range manifest.Entries {
		known[e.CustomID] = true
	}

	var report Report
	results := map[string]lineResult{}
	unknown := map[string]bool{}

	shards, err := shardPaths(d)
	if err != nil {
		return nil, Report{}, err
	}
	for _, p := range shards {
		data, err := afero.ReadFile(d.Fs, p)
		if err != nil {
			return nil, Report{}, fmt.Errorf("reading %s: %w", p, err)
		}
		report.Shards++

		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			report.Lines++

			id := gjson.GetBytes(line, "custom_id").String()
			switch {
			case id == "":
				report.Unattributed++
				continue
			case !known[id]:
				if !unknown[id] {
					unknown[id] = true
					report.Unknown = append(report.Unknown, id)
				}
				continue
			}

			res := parseLine(id, line)
			if prev, ok := results[id]; ok && prev.err == nil {
				continue
			}
			results[id] = res
		}
		if err := sc.Err(); err != nil {
			return nil, Report{}, fmt.Errorf("scanning %s: %w", p, err)
		}
	}

	outcomes := make([]Outcome, 0, len(manifest.Entries))
	for _, e := range manifest.Entries {
		o := Outcome{Entry: e}
		res, ok := results[e.CustomID]
		switch {
		case !ok:
			o.Err = &OutputError{Kind: types.ErrMissingBatchOutput, CustomID: e.CustomID, Reason: "no output line for this request"}
		case res.err != nil:
			o.Err = res.err
		default:
			o.Raw, o.CreatedAt = res.raw, res.created
		}
		if o.Err != nil {
			report.Failed++
		} else {
			report.Succeeded++
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, report, nil
}

// parseLine interprets one output line for a known custom_id.
func parseLine(id string, line []byte) lineResult {
	corrupt := func(reason string) lineResult {
		return lineResult{err: &OutputError{Kind: types.ErrCorruptBatchOutput, CustomID: id, Reason: reason}}
	}
	if !gjson.ValidBytes(line) {
		return corrupt("output line is not valid JSON")
	}

	if e := gjson.GetBytes(line, "error"); e.Exists() && e.Type != gjson.Null {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.Raw
		}
		return lineResult{err: &OutputError{Kind: types.ErrExtraction, CustomID: id, Reason: msg}}
	}

	resp := gjson.GetBytes(line, "response")
	if !resp.Exists() {
		return corrupt("output line has no response")
	}
	if status := resp.Get("status_code").Int(); status != 200 {
		msg := resp.Get("body.error.message").String()
		if msg == "" {
			msg = "request failed"
		}
		return lineResult{err: &OutputError{Kind: types.ErrExtraction, CustomID: id, Reason: fmt.Sprintf("status %d: %s", status, msg)}}
	}

	body := resp.Get("body")
	text, ok := extract.ResponseText([]byte(body.Raw))
	if !ok {
		return corrupt("response body has no output text")
	}
	res := lineResult{raw: text}
	if ts := body.Get("created_at").Int(); ts > 0 {
		t := time.Unix(ts, 0).UTC()
		res.created = &t
	}
	return res
}

// shardPaths lists output/*.jsonl in name order.
func shardPaths(d Dir) ([]string, error) {
	dir := d.join(outputDir)
	ok, err := afero.DirExists(d.Fs, dir)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", dir, err)
	}
	if !ok {
		return nil, nil
	}
	infos, err := afero.ReadDir(d.Fs, dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var paths []string
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".jsonl") {
			continue
		}
		paths = append(paths, path.Join(dir, fi.Name()))
	}
	return paths, nil
}

// StoreOutcomes writes successful raw outputs into the cache under each
// entry's key, so later synchronous runs and reruns are served from it.
// Keys already present keep their original entry, and the outcome is
// updated to match what is stored. fallback stamps outputs without a
// service timestamp. It returns the number of new entries.
func StoreOutcomes(c *cache.Cache, m types.Manifest, outcomes []Outcome, fallback time.Time) (int, error) {
	stored := 0
	for i := range outcomes {
		o := &outcomes[i]
		if o.Err != nil {
			continue
		}
		created := fallback.UTC()
		if o.CreatedAt != nil {
			created = *o.CreatedAt
		}
		written, err := c.Store(o.Entry.CacheKey, types.CacheEntry{
			RCTID:         o.Entry.CustomID,
			PromptVersion: m.PromptVersion,
			Model:         m.Model,
			Fingerprint:   o.Entry.Fingerprint,
			RawResponse:   o.Raw,
			CreatedAt:     created,
		}, false)
		if err != nil {
			return stored, fmt.Errorf("caching %s: %w", o.Entry.CustomID, err)
		}
		if written {
			stored++
		}
		if entry, ok := c.Lookup(o.Entry.CacheKey); ok {
			t := entry.CreatedAt
			o.Raw, o.CreatedAt = entry.RawResponse, &t
		}
	}
	return stored, nil
}
