package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"pending", "queued", "processing", "completed", "failed"} {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q) returned error: %v", s, err)
		}
	}
	if _, err := ParseStatus("running"); err == nil {
		t.Error("ParseStatus should reject unknown encoding \"running\"")
	}
}

func TestParseStage(t *testing.T) {
	for _, s := range []string{"upload", "ready", "rembg", "geometry", "texture", "postprocess", "completed"} {
		if _, err := ParseStage(s); err != nil {
			t.Errorf("ParseStage(%q) returned error: %v", s, err)
		}
	}
	if _, err := ParseStage("meshing"); err == nil {
		t.Error("ParseStage should reject unknown encoding \"meshing\"")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusPending:    false,
		StatusQueued:     false,
		StatusProcessing: false,
		StatusCompleted:  true,
		StatusFailed:     true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestRetextureStatusTerminal(t *testing.T) {
	terminal := map[RetextureStatus]bool{
		RetextureIdle:       false,
		RetextureProcessing: false,
		RetextureCancelling: false,
		RetextureCancelled:  true,
		RetextureCompleted:  true,
		RetextureFailed:     true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestJobCloneIsDeep(t *testing.T) {
	j := &Job{
		ID:            NewID(),
		Status:        StatusPending,
		Stage:         StageReady,
		Settings:      Settings{"ai_model": "meshy-6"},
		AllImagePaths: []string{"a.png", "b.png"},
	}

	c := j.Clone()
	c.Settings["ai_model"] = "meshy-4"
	c.AllImagePaths[0] = "mutated.png"
	c.Progress = 50

	if j.Settings["ai_model"] != "meshy-6" {
		t.Error("mutating clone settings leaked into original")
	}
	if j.AllImagePaths[0] != "a.png" {
		t.Error("mutating clone image paths leaked into original")
	}
	if j.Progress != 0 {
		t.Error("mutating clone progress leaked into original")
	}
}

func TestJobEventSnapshot(t *testing.T) {
	j := &Job{
		Status:   StatusProcessing,
		Stage:    StageGeometry,
		Progress: 42,
		Error:    "",
	}

	ev := j.Event()
	if ev.Type != EventStageUpdate {
		t.Errorf("event type = %q, want %q", ev.Type, EventStageUpdate)
	}
	if ev.Status != StatusProcessing || ev.Stage != StageGeometry || ev.Progress != 42 {
		t.Errorf("event = %+v does not mirror job state", ev)
	}
}
