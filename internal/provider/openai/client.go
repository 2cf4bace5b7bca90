// Package openai implements provider.Client against the OpenAI Batch API
// and any service that mirrors its files and batches endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/batchpilot/internal/config"
	"github.com/kiranshivaraju/batchpilot/internal/provider"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// HTTPClient implements provider.Client over the provider's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a new client. baseURL is the API root without the
// /v1 suffix.
func NewHTTPClient(cfg config.ProviderConfig, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With("component", "openai"),
	}
}

func (c *HTTPClient) Upload(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("writing purpose field: %w", err)
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("creating file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}

	var out fileObject
	if err := c.do(ctx, http.MethodPost, "/v1/files", mw.FormDataContentType(), &body, &out); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("upload %s: %w: response has no file id", name, provider.ErrTransient)
	}

	c.logger.DebugContext(ctx, "manifest uploaded", "file_id", out.ID, "bytes", len(data))
	return out.ID, nil
}

func (c *HTTPClient) CreateJob(ctx context.Context, req provider.CreateJobRequest) (string, error) {
	payload, err := json.Marshal(createBatchRequest{
		InputFileID:      req.ArtifactID,
		Endpoint:         req.Endpoint,
		CompletionWindow: req.CompletionWindow,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("encoding batch request: %w", err)
	}

	var out batchObject
	if err := c.do(ctx, http.MethodPost, "/v1/batches", "application/json", bytes.NewReader(payload), &out); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("create batch: %w: response has no batch id", provider.ErrTransient)
	}

	c.logger.DebugContext(ctx, "batch created", "batch_id", out.ID, "input_file_id", req.ArtifactID)
	return out.ID, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, externalJobID string) (*provider.BatchStatus, error) {
	var out batchObject
	path := "/v1/batches/" + url.PathEscape(externalJobID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, fmt.Errorf("get batch %s: %w", externalJobID, err)
	}

	st := &provider.BatchStatus{
		ID:            out.ID,
		Status:        out.Status,
		RequestCounts: out.RequestCounts,
	}
	if out.OutputFileID != nil {
		st.OutputArtifactID = *out.OutputFileID
	}
	if out.ErrorFileID != nil {
		st.ErrorArtifactID = *out.ErrorFileID
	}
	if out.Errors != nil {
		st.Errors = out.Errors.Data
	}
	return st, nil
}

func (c *HTTPClient) Download(ctx context.Context, artifactID string) ([]byte, error) {
	path := "/v1/files/" + url.PathEscape(artifactID) + "/content"
	resp, err := c.send(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", artifactID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", artifactID, provider.ClassifyTransport(ctx, err))
	}

	c.logger.DebugContext(ctx, "artifact downloaded", "file_id", artifactID, "bytes", len(data))
	return data, nil
}

// do sends a request and decodes a JSON response into out.
func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	resp, err := c.send(ctx, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", provider.ErrTransient, err)
	}
	return nil
}

// send performs the request and returns the response only on a 2xx status.
func (c *HTTPClient) send(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "provider call failed", "method", method, "path", path, "error", err)
		return nil, provider.ClassifyTransport(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg := errorMessage(resp.Body)
		c.logger.WarnContext(ctx, "provider returned error",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"message", msg,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, provider.ClassifyStatus(resp.StatusCode, msg)
	}
	return resp, nil
}

// errorMessage extracts error.message from an API error body.
func errorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var env struct {
		Error struct {
			Message string `json:"message"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// --- API types ---

type fileObject struct {
	ID       string `json:"id"`
	Purpose  string `json:"purpose"`
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
}

type createBatchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type batchObject struct {
	ID            string                 `json:"id"`
	Status        string                 `json:"status"`
	InputFileID   string                 `json:"input_file_id"`
	OutputFileID  *string                `json:"output_file_id"`
	ErrorFileID   *string                `json:"error_file_id"`
	RequestCounts provider.RequestCounts `json:"request_counts"`
	Errors        *batchErrors           `json:"errors"`
}

type batchErrors struct {
	Data []provider.BatchError `json:"data"`
}

// Compile-time check that HTTPClient implements provider.Client.
var _ provider.Client = (*HTTPClient)(nil)
