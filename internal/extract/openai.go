// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pdiddy/rct-designspec/internal/httputil"
)

// DefaultBaseURL is the OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

// Backend sends one prepared request to a model and returns the raw text of
// its answer. Tests supply a mock.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// OpenAIBackend calls the OpenAI Responses API.
type OpenAIBackend struct {
	APIKey    string
	BaseURL   string
	UserAgent string
	Client    *http.Client

	// MaxRetries bounds httputil retries on 429 and 5xx responses.
	MaxRetries int
}

// Complete posts req to /responses and extracts the output text.
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	base := b.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/responses", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.APIKey)
	if b.UserAgent != "" {
		httpReq.Header.Set("User-Agent", b.UserAgent)
	}

	resp, err := httputil.DoWithRetry(ctx, b.Client, httpReq, b.MaxRetries)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ExtractionError{Transient: true, Err: fmt.Errorf("calling OpenAI API: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ExtractionError{Transient: true, Err: fmt.Errorf("reading OpenAI response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ExtractionError{
			Transient: httputil.Retryable(resp.StatusCode),
			Status:    resp.StatusCode,
			Err:       fmt.Errorf("OpenAI API returned %d: %s", resp.StatusCode, truncate(string(data), 500)),
		}
	}

	text, ok := ResponseText(data)
	if !ok {
		return "", &MalformedResponseError{Raw: string(data), Reason: "no output text in response envelope"}
	}
	return text, nil
}

// ResponseText pulls the model's text out of a response envelope. It
// understands the Responses API shape (output_text, or output[].content[]
// items of type output_text) and the Chat Completions shape
// (choices.0.message.content). Batch output lines carry the same envelope
// under response.body.
func ResponseText(body []byte) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}
	if t := gjson.GetBytes(body, "output_text"); t.Type == gjson.String && t.String() != "" {
		return t.String(), true
	}

	var parts []string
	gjson.GetBytes(body, "output").ForEach(func(_, item gjson.Result) bool {
		item.Get("content").ForEach(func(_, c gjson.Result) bool {
			if c.Get("type").String() == "output_text" || !c.Get("type").Exists() {
				if t := c.Get("text"); t.Exists() {
					parts = append(parts, t.String())
				}
			}
			return true
		})
		return true
	})
	if len(parts) > 0 {
		return strings.Join(parts, ""), true
	}

	if t := gjson.GetBytes(body, "choices.0.message.content"); t.Exists() && t.String() != "" {
		return t.String(), true
	}
	return "", false
}
