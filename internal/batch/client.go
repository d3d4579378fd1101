// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pdiddy/rct-designspec/internal/extract"
	"github.com/pdiddy/rct-designspec/internal/httputil"
)

// Remote is the batch service's view of a job.
type Remote struct {
	ID           string
	Status       string
	InputFileID  string
	OutputFileID string
	ErrorFileID  string
	Errors       []string
}

// Client talks to a batch service. Tests supply a fake.
type Client interface {
	UploadFile(ctx context.Context, name string, data []byte) (string, error)
	CreateBatch(ctx context.Context, inputFileID, endpoint, window string, metadata map[string]string) (Remote, error)
	GetBatch(ctx context.Context, id string) (Remote, error)
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
}

// OpenAIClient implements Client against the OpenAI Files and Batches API.
type OpenAIClient struct {
	APIKey     string
	BaseURL    string
	UserAgent  string
	Client     *http.Client
	MaxRetries int
}

// UploadFile uploads data with purpose "batch" and returns the file id.
func (c *OpenAIClient) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("building upload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/files", mw.FormDataContentType(), body.Bytes())
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", name, err)
	}
	id := gjson.GetBytes(resp, "id").String()
	if id == "" {
		return "", fmt.Errorf("uploading %s: response has no file id", name)
	}
	return id, nil
}

// CreateBatch starts a batch over an uploaded input file.
func (c *OpenAIClient) CreateBatch(ctx context.Context, inputFileID, endpoint, window string, metadata map[string]string) (Remote, error) {
	payload := map[string]any{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": window,
	}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}
	data, err := jsonBody(payload)
	if err != nil {
		return Remote{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/batches", "application/json", data)
	if err != nil {
		return Remote{}, fmt.Errorf("creating batch: %w", err)
	}
	return parseRemote(resp)
}

// GetBatch fetches the current state of a batch.
func (c *OpenAIClient) GetBatch(ctx context.Context, id string) (Remote, error) {
	resp, err := c.do(ctx, http.MethodGet, "/batches/"+id, "", nil)
	if err != nil {
		return Remote{}, fmt.Errorf("fetching batch %s: %w", id, err)
	}
	return parseRemote(resp)
}

// DownloadFile returns the content of a file.
func (c *OpenAIClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	data, err := c.do(ctx, http.MethodGet, "/files/"+fileID+"/content", "", nil)
	if err != nil {
		return nil, fmt.Errorf("downloading file %s: %w", fileID, err)
	}
	return data, nil
}

func (c *OpenAIClient) do(ctx context.Context, method, endpoint, contentType string, body []byte) ([]byte, error) {
	base := c.BaseURL
	if base == "" {
		base = extract.DefaultBaseURL
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := httputil.DoWithRetry(ctx, c.Client, req, c.MaxRetries)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(data, "error.message").String()
		if msg == "" {
			msg = string(data)
		}
		return nil, fmt.Errorf("OpenAI API returned %d: %s", resp.StatusCode, msg)
	}
	return data, nil
}

func jsonBody(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	return data, nil
}

func parseRemote(data []byte) (Remote, error) {
	if !gjson.ValidBytes(data) {
		return Remote{}, fmt.Errorf("batch response is not JSON")
	}
	r := Remote{
		ID:           gjson.GetBytes(data, "id").String(),
		Status:       gjson.GetBytes(data, "status").String(),
		InputFileID:  gjson.GetBytes(data, "input_file_id").String(),
		OutputFileID: gjson.GetBytes(data, "output_file_id").String(),
		ErrorFileID:  gjson.GetBytes(data, "error_file_id").String(),
	}
	gjson.GetBytes(data, "errors.data").ForEach(func(_, e gjson.Result) bool {
		r.Errors = append(r.Errors, e.Get("message").String())
		return true
	})
	if r.ID == "" {
		return Remote{}, fmt.Errorf("batch response has no id")
	}
	return r, nil
}
