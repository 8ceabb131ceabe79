package meshy_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/LyKhan77/protoscale/internal/meshy"
)

func newTestClient(t *testing.T, handler http.Handler) *meshy.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := meshy.NewClient(meshy.Options{
		APIKey:  "test-key",
		BaseURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := meshy.NewClient(meshy.Options{APIKey: "  "})
	if !errors.Is(err, meshy.ErrMissingAPIKey) {
		t.Errorf("NewClient without key = %v, want ErrMissingAPIKey", err)
	}
}

func TestSubmitPicksEndpointByImageCount(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload map[string]any

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotPayload)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"result": "task-123"})
	}))

	params := meshy.GenerateParams{AIModel: "meshy-6", ShouldTexture: true, SymmetryMode: "auto"}

	taskID, kind, err := c.SubmitImageTo3D(context.Background(), []string{"data:image/png;base64,AA=="}, params)
	if err != nil {
		t.Fatalf("SubmitImageTo3D: %v", err)
	}
	if taskID != "task-123" || kind != "image-to-3d" {
		t.Errorf("got (%q, %q), want (task-123, image-to-3d)", taskID, kind)
	}
	if gotPath != "/image-to-3d" {
		t.Errorf("path = %q, want /image-to-3d", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth = %q, want bearer key", gotAuth)
	}
	if _, ok := gotPayload["image_url"]; !ok {
		t.Error("single-image submit should use image_url")
	}

	_, kind, err = c.SubmitImageTo3D(context.Background(), []string{"a", "b"}, params)
	if err != nil {
		t.Fatalf("SubmitImageTo3D multi: %v", err)
	}
	if kind != "multi-image-to-3d" || gotPath != "/multi-image-to-3d" {
		t.Errorf("multi-image submit hit %q as %q", gotPath, kind)
	}
	if _, ok := gotPayload["image_urls"]; !ok {
		t.Error("multi-image submit should use image_urls")
	}
}

func TestSubmitRejectedByProvider(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusPaymentRequired)
	}))

	_, _, err := c.SubmitImageTo3D(context.Background(), []string{"img"}, meshy.GenerateParams{})
	if err == nil {
		t.Fatal("expected error for non-202 response")
	}
	if !strings.Contains(err.Error(), "402") || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("error should surface remote status and body, got: %v", err)
	}
}

func TestPollTask(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/image-to-3d/task-9" {
			t.Errorf("poll path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":         "task-9",
			"status":     meshy.TaskInProgress,
			"progress":   40,
			"model_urls": map[string]string{"glb": "https://cdn/model.glb"},
		})
	}))

	res, err := c.PollTask(context.Background(), "image-to-3d", "task-9")
	if err != nil {
		t.Fatalf("PollTask: %v", err)
	}
	if res.Status != meshy.TaskInProgress || res.Progress != 40 {
		t.Errorf("result = %+v, want IN_PROGRESS/40", res)
	}
	if res.ModelURLs["glb"] != "https://cdn/model.glb" {
		t.Errorf("glb url = %q", res.ModelURLs["glb"])
	}
}

func TestTaskResultErrorMessage(t *testing.T) {
	r := &meshy.TaskResult{TaskError: &meshy.TaskError{Message: "mesh degenerate"}}
	if r.ErrorMessage() != "mesh degenerate" {
		t.Errorf("ErrorMessage = %q", r.ErrorMessage())
	}
	empty := &meshy.TaskResult{}
	if empty.ErrorMessage() != "unknown error" {
		t.Errorf("empty ErrorMessage = %q", empty.ErrorMessage())
	}
}

func TestDownloadWritesAtomically(t *testing.T) {
	payload := []byte("binary-glb-payload")
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))

	dir := t.TempDir()
	dst := filepath.Join(dir, "out", "model.glb")

	// The client's base URL points at the test server; reuse it for the
	// download URL via a poll-shaped path.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	if err := c.Download(context.Background(), srv.URL+"/file.glb", dst); err != nil {
		t.Fatalf("Download: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(got) != string(payload) {
		t.Error("downloaded bytes do not match")
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 1 {
		t.Errorf("artifact dir has %d entries, want 1", len(entries))
	}
}

func TestDownloadFailureLeavesNoFile(t *testing.T) {
	c := newTestClient(t, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	dst := filepath.Join(t.TempDir(), "model.glb")
	if err := c.Download(context.Background(), srv.URL, dst); err == nil {
		t.Fatal("expected download error")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("failed download must not leave a destination file")
	}
}

func TestImageDataURI(t *testing.T) {
	dir := t.TempDir()
	png := filepath.Join(dir, "input.PNG")
	if err := os.WriteFile(png, []byte{0x89, 0x50}, 0o644); err != nil {
		t.Fatal(err)
	}

	uri, err := meshy.ImageDataURI(png)
	if err != nil {
		t.Fatalf("ImageDataURI: %v", err)
	}
	if !strings.HasPrefix(uri, "data:image/png;base64,") {
		t.Errorf("uri = %q, want png data URI", uri)
	}

	jpg := filepath.Join(dir, "input.jpg")
	os.WriteFile(jpg, []byte{0xff}, 0o644)
	uri, _ = meshy.ImageDataURI(jpg)
	if !strings.HasPrefix(uri, "data:image/jpeg;base64,") {
		t.Errorf("uri = %q, want jpeg data URI", uri)
	}
}
