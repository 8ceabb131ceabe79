// fakemeshy runs a local stand-in for the Meshy API so the full pipeline can
// be exercised without provider credentials. Submitted tasks advance through
// PENDING and IN_PROGRESS on a timer and then succeed with a small glb.
// Usage: go run ./cmd/fakemeshy
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// stepInterval is how often a task advances one progress step.
const stepInterval = 300 * time.Millisecond

type task struct {
	ID        string
	Kind      string
	Submitted time.Time
	Cancelled bool
}

type server struct {
	mu    sync.Mutex
	tasks map[string]*task
	addr  string
}

func (s *server) submit(kind string) *task {
	t := &task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Submitted: time.Now(),
	}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return t
}

// status derives the task's remote state from elapsed time: two steps of
// PENDING, then IN_PROGRESS climbing 10% per step, then SUCCEEDED.
func (s *server) status(t *task) (string, int) {
	if t.Cancelled {
		return "FAILED", 0
	}
	steps := int(time.Since(t.Submitted) / stepInterval)
	switch {
	case steps < 2:
		return "PENDING", 0
	case steps < 12:
		return "IN_PROGRESS", (steps - 2) * 10
	default:
		return "SUCCEEDED", 100
	}
}

func (s *server) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case r.URL.Path == "/files/model.glb":
		w.Header().Set("Content-Type", "model/gltf-binary")
		w.Write([]byte("glTF-fake-binary-payload"))

	case r.Method == http.MethodPost && len(parts) == 1:
		t := s.submit(parts[0])
		log.Printf("submitted %s task %s", t.Kind, t.ID)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"result": t.ID})

	case r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "cancel":
		s.mu.Lock()
		if t, ok := s.tasks[parts[1]]; ok {
			t.Cancelled = true
		}
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet && len(parts) == 2:
		s.mu.Lock()
		t, ok := s.tasks[parts[1]]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}

		status, progress := s.status(t)
		resp := map[string]any{
			"id":       t.ID,
			"status":   status,
			"progress": progress,
		}
		switch status {
		case "SUCCEEDED":
			glb := fmt.Sprintf("http://%s/files/model.glb", s.addr)
			if t.Kind == "text-to-texture" {
				resp["texture_urls"] = []map[string]string{{"glb_url": glb}}
			}
			resp["model_urls"] = map[string]string{"glb": glb}
		case "FAILED":
			resp["task_error"] = map[string]string{"message": "task cancelled"}
		}
		json.NewEncoder(w).Encode(resp)

	default:
		http.NotFound(w, r)
	}
}

func main() {
	addr := "127.0.0.1:9800"
	if v := os.Getenv("FAKEMESHY_ADDR"); v != "" {
		addr = v
	}

	s := &server{tasks: make(map[string]*task), addr: addr}

	log.Printf("fakemeshy listening on %s", addr)
	log.Printf("point the API at it with MESHY_API_URL=http://%s", addr)
	if err := http.ListenAndServe(addr, http.HandlerFunc(s.handle)); err != nil {
		log.Fatal(err)
	}
}
