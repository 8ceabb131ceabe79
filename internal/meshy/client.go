// Package meshy is the HTTP client for the external generation provider.
// The provider runs tasks asynchronously: a submission returns a task ID and
// callers poll the matching endpoint until the task reaches a terminal
// status, then download the named result artifact.
package meshy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Remote task status vocabulary.
const (
	TaskPending    = "PENDING"
	TaskInProgress = "IN_PROGRESS"
	TaskSucceeded  = "SUCCEEDED"
	TaskFailed     = "FAILED"
)

// EndpointTextToTexture is the retexture endpoint kind.
const EndpointTextToTexture = "text-to-texture"

// ErrMissingAPIKey is returned by NewClient when no provider key is
// configured. This is the one fatal-at-startup condition: no job can ever
// progress without provider access.
var ErrMissingAPIKey = errors.New("meshy: API key not configured")

// Options configures a Client.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// Client talks to the provider API. It is safe for concurrent use.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient validates the options and returns a ready client.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.meshy.ai/v1"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		apiKey:  opts.APIKey,
		baseURL: baseURL,
		http:    httpClient,
	}, nil
}

// TextureURL is one textured result variant returned by a retexture task.
type TextureURL struct {
	GLBURL string `json:"glb_url"`
}

// TaskError carries the provider's failure message for a failed task.
type TaskError struct {
	Message string `json:"message"`
}

// TaskResult is the provider's view of a task, shared by the generation and
// retexture endpoints.
type TaskResult struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Progress    int               `json:"progress"`
	ModelURLs   map[string]string `json:"model_urls"`
	TextureURLs []TextureURL      `json:"texture_urls"`
	TaskError   *TaskError        `json:"task_error"`
}

// ErrorMessage extracts the remote failure message, with a fallback.
func (r *TaskResult) ErrorMessage() string {
	if r.TaskError != nil && r.TaskError.Message != "" {
		return r.TaskError.Message
	}
	return "unknown error"
}

// GLBURL returns the downloadable glb for a succeeded task. Retexture tasks
// report textured variants first; generation tasks report model_urls only.
func (r *TaskResult) GLBURL() string {
	if len(r.TextureURLs) > 0 && r.TextureURLs[0].GLBURL != "" {
		return r.TextureURLs[0].GLBURL
	}
	return r.ModelURLs["glb"]
}

// GenerateParams are the provider parameters for an image→3D submission.
type GenerateParams struct {
	AIModel       string
	ShouldTexture bool
	EnablePBR     bool
	ModelType     string
	SymmetryMode  string
}

// RetextureParams are the provider parameters for a text-to-texture submission.
type RetextureParams struct {
	ObjectPrompt   string `json:"object_prompt"`
	StylePrompt    string `json:"style_prompt"`
	NegativePrompt string `json:"negative_prompt"`
	ArtStyle       string `json:"art_style"`
	AIModel        string `json:"ai_model"`
	EnablePBR      bool   `json:"enable_pbr"`
	Resolution     int    `json:"resolution"`
}

// SubmitImageTo3D submits a generation task. Single-image submissions use the
// image-to-3d endpoint, multi-image ones multi-image-to-3d; the chosen
// endpoint kind is returned so the caller can record it for polling.
func (c *Client) SubmitImageTo3D(ctx context.Context, imageURIs []string, p GenerateParams) (taskID, endpointKind string, err error) {
	if len(imageURIs) == 0 {
		return "", "", errors.New("meshy: no images to submit")
	}

	payload := map[string]any{
		"ai_model":       p.AIModel,
		"should_texture": p.ShouldTexture,
		"symmetry_mode":  p.SymmetryMode,
	}
	if p.ShouldTexture {
		payload["enable_pbr"] = p.EnablePBR
	}
	if p.ModelType == "lowpoly" {
		payload["model_type"] = "lowpoly"
	}

	endpointKind = "image-to-3d"
	if len(imageURIs) > 1 {
		endpointKind = "multi-image-to-3d"
		payload["image_urls"] = imageURIs
	} else {
		payload["image_url"] = imageURIs[0]
	}

	taskID, err = c.submit(ctx, endpointKind, payload)
	if err != nil {
		return "", "", err
	}
	return taskID, endpointKind, nil
}

// SubmitRetexture submits a text-to-texture task for an existing model.
func (c *Client) SubmitRetexture(ctx context.Context, modelURI string, p RetextureParams) (string, error) {
	payload := map[string]any{
		"model_url":  modelURI,
		"enable_pbr": p.EnablePBR,
		"resolution": p.Resolution,
	}
	if p.ObjectPrompt != "" {
		payload["object_prompt"] = p.ObjectPrompt
	}
	if p.StylePrompt != "" {
		payload["style_prompt"] = p.StylePrompt
	}
	if p.NegativePrompt != "" {
		payload["negative_prompt"] = p.NegativePrompt
	}
	if p.ArtStyle != "" {
		payload["art_style"] = p.ArtStyle
	}
	if p.AIModel != "" {
		payload["ai_model"] = p.AIModel
	}

	return c.submit(ctx, EndpointTextToTexture, payload)
}

// submit posts a task payload and returns the provider task ID. The provider
// acknowledges accepted tasks with 202 and {"result": "<task-id>"}.
func (c *Client) submit(ctx context.Context, endpointKind string, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpointKind, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", endpointKind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("meshy API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var ack struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if ack.Result == "" {
		return "", errors.New("meshy: submit response carried no task id")
	}
	return ack.Result, nil
}

// PollTask queries the status of a task on the given endpoint kind.
func (c *Client) PollTask(ctx context.Context, endpointKind, taskID string) (*TaskResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+endpointKind+"/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll task %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll task %s: status %d", taskID, resp.StatusCode)
	}

	var result TaskResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &result, nil
}

// PollRetexture queries a text-to-texture task.
func (c *Client) PollRetexture(ctx context.Context, taskID string) (*TaskResult, error) {
	return c.PollTask(ctx, EndpointTextToTexture, taskID)
}

// CancelTask asks the provider to cancel an in-flight task. Cancellation is
// best-effort: the remote task may still complete afterwards and its result
// is discarded locally.
func (c *Client) CancelTask(ctx context.Context, endpointKind, taskID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpointKind+"/"+taskID+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("cancel task %s: status %d", taskID, resp.StatusCode)
	}
	return nil
}

// Download streams a result artifact to dst. The body is written to a
// temporary file in the destination directory and renamed into place, so a
// concurrent reader never observes a partially written artifact.
func (c *Client) Download(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

// ImageDataURI encodes an image file as a base64 data URI for submission.
func ImageDataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mime := "image/jpeg"
	if strings.EqualFold(filepath.Ext(path), ".png") {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// ModelDataURI encodes a GLB model file as a base64 data URI for retexture
// submission.
func ModelDataURI(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read model: %w", err)
	}
	return "data:model/gltf-binary;base64," + base64.StdEncoding.EncodeToString(data), nil
}
