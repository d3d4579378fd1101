// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package extract drives the generative model that turns a trial record into
// a candidate design spec. It renders the prompt, consults the response cache,
// calls the backend with backoff on transient failures, and parses the raw
// answer against the canonical schema. Validation happens elsewhere.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/pdiddy/rct-designspec/internal/cache"
	"github.com/pdiddy/rct-designspec/internal/logger"
	"github.com/pdiddy/rct-designspec/pkg/types"
)

// ExtractionError is a failure to obtain a response from the model.
// Transient errors (network, rate limit, 5xx) are retried with backoff.
type ExtractionError struct {
	Transient bool
	Status    int
	Err       error
}

func (e *ExtractionError) Error() string {
	return "extraction failed: " + e.Err.Error()
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// MalformedResponseError means the model answered but the answer does not
// parse as a design extraction. It is never retried automatically.
type MalformedResponseError struct {
	Raw    string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return "malformed model response: " + e.Reason
}

// backoffBase controls the base duration for exponential backoff. Tests
// override this to avoid real sleeps.
var backoffBase = time.Second

const defaultMaxRetries = 3

// Response is the raw model output for one call.
type Response struct {
	Call     Call
	Raw      string
	CacheHit bool

	// CreatedAt is when the response was first obtained. Cache hits report
	// the original time.
	CreatedAt time.Time
}

// Extractor obtains raw model responses, reading through the cache.
// It is safe for concurrent use.
type Extractor struct {
	Backend       Backend
	Cache         *cache.Cache
	Model         string
	PromptVersion string
	MaxRetries    int
	Logger        *log.Logger

	group singleflight.Group
}

// Extract prepares the request for rec in the given mode and returns the raw
// response. On strict_retry, prior carries the errors of the previous attempt.
func (e *Extractor) Extract(ctx context.Context, rec types.TrialRecord, paperText string, mode Mode, prior []types.ValidationError) (Response, error) {
	call, err := Prepare(rec, paperText, mode, prior, e.Model, e.PromptVersion)
	if err != nil {
		return Response{}, err
	}
	return e.Do(ctx, call)
}

// Do returns the cached response for call, or invokes the backend and stores
// the answer before returning it. Concurrent calls for the same key share one
// backend call.
func (e *Extractor) Do(ctx context.Context, call Call) (Response, error) {
	if e.Cache != nil {
		if entry, ok := e.Cache.Lookup(call.Key); ok {
			return Response{Call: call, Raw: entry.RawResponse, CacheHit: true, CreatedAt: entry.CreatedAt}, nil
		}
	}
	if e.Backend == nil {
		return Response{}, &ExtractionError{Err: errors.New("no model backend configured")}
	}

	hit := false
	v, err, _ := e.group.Do(call.Key, func() (any, error) {
		if e.Cache != nil {
			if entry, ok := e.Cache.Lookup(call.Key); ok {
				hit = true
				return entry, nil
			}
		}
		raw, err := e.complete(ctx, call)
		if err != nil {
			return nil, err
		}
		entry := types.CacheEntry{
			RCTID:         call.RCTID,
			PromptVersion: e.PromptVersion,
			Model:         e.Model,
			Fingerprint:   call.Fingerprint,
			RawResponse:   raw,
			CreatedAt:     time.Now().UTC(),
		}
		if e.Cache != nil {
			if _, err := e.Cache.Store(call.Key, entry, false); err != nil {
				return nil, fmt.Errorf("caching response for %s: %w", call.RCTID, err)
			}
			// Another process may have stored first; its entry is the one on record.
			if stored, ok := e.Cache.Lookup(call.Key); ok {
				entry = stored
			}
		}
		return entry, nil
	})
	if err != nil {
		return Response{}, err
	}
	entry := v.(types.CacheEntry)
	return Response{Call: call, Raw: entry.RawResponse, CacheHit: hit, CreatedAt: entry.CreatedAt}, nil
}

func (e *Extractor) complete(ctx context.Context, call Call) (string, error) {
	lg := e.Logger
	if lg == nil {
		lg = logger.Discard()
	}
	maxRetries := e.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := retry.WithMaxRetries(uint64(maxRetries), retry.NewExponential(backoffBase))

	var raw string
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		out, err := e.Backend.Complete(ctx, call.Request)
		if err != nil {
			var xe *ExtractionError
			if errors.As(err, &xe) && xe.Transient {
				lg.Warn("transient model failure", "rct_id", call.RCTID, "mode", call.Mode, "try", attempt, "err", err)
				return retry.RetryableError(err)
			}
			return err
		}
		raw = out
		return nil
	})
	if err == nil {
		return raw, nil
	}

	var xe *ExtractionError
	var me *MalformedResponseError
	switch {
	case errors.As(err, &me), errors.As(err, &xe):
		return "", err
	case ctx.Err() != nil:
		return "", ctx.Err()
	}
	return "", &ExtractionError{Err: err}
}

// Parse decodes a raw model answer into a DesignSpec. Strict JSON is tried
// first; failing that, the first balanced {...} block in the text. The
// decoded object must satisfy the extraction schema.
func Parse(raw string) (types.DesignSpec, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return types.DesignSpec{}, &MalformedResponseError{Raw: raw, Reason: "empty response"}
	}

	data := []byte(trimmed)
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		block, ok := firstObject(trimmed)
		if !ok {
			return types.DesignSpec{}, &MalformedResponseError{Raw: raw, Reason: "response is not JSON"}
		}
		data = []byte(block)
		if err := json.Unmarshal(data, &doc); err != nil {
			return types.DesignSpec{}, &MalformedResponseError{Raw: raw, Reason: "embedded object is not JSON: " + err.Error()}
		}
	}
	if _, ok := doc.(map[string]any); !ok {
		return types.DesignSpec{}, &MalformedResponseError{Raw: raw, Reason: "response is not a JSON object"}
	}

	problems, err := validateSchema(doc)
	if err != nil {
		return types.DesignSpec{}, err
	}
	if len(problems) > 0 {
		return types.DesignSpec{}, &MalformedResponseError{Raw: raw, Reason: "schema violation: " + strings.Join(problems, "; ")}
	}

	var spec types.DesignSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return types.DesignSpec{}, &MalformedResponseError{Raw: raw, Reason: err.Error()}
	}
	return spec, nil
}

// firstObject returns the first balanced {...} block in s, skipping braces
// inside JSON strings.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
