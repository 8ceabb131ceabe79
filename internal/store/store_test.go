package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/LyKhan77/protoscale/internal/events"
	"github.com/LyKhan77/protoscale/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) (*Store, *events.Bus) {
	t.Helper()
	root := t.TempDir()
	bus := events.NewBus()

	h, err := NewHistory(filepath.Join(root, "history.db"))
	if err != nil {
		t.Fatalf("NewHistory: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	s, err := New(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"), bus, h, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, bus
}

func TestCreateThenGet(t *testing.T) {
	s, _ := newTestStore(t)

	id := model.NewID()
	s.Create(id, "/tmp/original_0.png", model.Settings{"ai_model": "meshy-6"})

	got, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Stage != model.StageReady {
		t.Errorf("Stage = %q, want ready", got.Stage)
	}
	if got.Progress != 0 {
		t.Errorf("Progress = %d, want 0", got.Progress)
	}
	if got.SchemaVersion != model.SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", got.SchemaVersion, model.SchemaVersion)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	s, _ := newTestStore(t)

	id := model.NewID()
	s.Create(id, "in.png", model.Settings{"enable_pbr": true})

	snap, _ := s.Get(id)
	snap.Status = model.StatusFailed
	snap.Settings["enable_pbr"] = false

	again, _ := s.Get(id)
	if again.Status != model.StatusPending {
		t.Error("mutating a Get snapshot changed stored status")
	}
	if again.Settings["enable_pbr"] != true {
		t.Error("mutating a Get snapshot changed stored settings")
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestUpdateMergesAndPublishes(t *testing.T) {
	s, bus := newTestStore(t)

	id := model.NewID()
	s.Create(id, "in.png", nil)

	ch, unsub := bus.Subscribe(id)
	defer unsub()

	s.UpdateStage(id, model.StageGeometry, 18)

	got, _ := s.Get(id)
	if got.Stage != model.StageGeometry || got.Progress != 18 {
		t.Errorf("job = %s/%d, want geometry/18", got.Stage, got.Progress)
	}
	// Unset fields keep their previous values.
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, should be unchanged", got.Status)
	}

	select {
	case ev := <-ch:
		if ev.Stage != model.StageGeometry || ev.Progress != 18 {
			t.Errorf("event = %+v, want geometry/18", ev)
		}
	default:
		t.Fatal("no event published for update")
	}
}

func TestUpdateMissingJobIsNoop(t *testing.T) {
	s, bus := newTestStore(t)

	ch, unsub := bus.Subscribe("ghost")
	defer unsub()

	s.UpdateStage("ghost", model.StageGeometry, 50)

	select {
	case ev := <-ch:
		t.Errorf("update of missing job published event %+v", ev)
	default:
	}
}

func TestTerminalUpdateClosesTopic(t *testing.T) {
	s, bus := newTestStore(t)

	id := model.NewID()
	s.Create(id, "in.png", nil)

	failed := model.StatusFailed
	msg := "remote exploded"
	s.Update(id, JobUpdate{Status: &failed, Error: &msg})

	// Late subscribers see a closed channel once the job is terminal.
	ch, unsub := bus.Subscribe(id)
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("topic should be closed after terminal update")
	}
}

func TestStreamAfterRetry(t *testing.T) {
	s, bus := newTestStore(t)

	id := model.NewID()
	s.Create(id, "in.png", nil)

	failed := model.StatusFailed
	msg := "remote exploded"
	s.Update(id, JobUpdate{Status: &failed, Error: &msg})

	// Re-submitting a failed job transitions it back to processing;
	// subscribers arriving after the retry must receive events again.
	processing := model.StatusProcessing
	p10 := 10
	s.Update(id, JobUpdate{Status: &processing, Progress: &p10})

	ch, unsub := bus.Subscribe(id)
	defer unsub()

	p40 := 40
	s.Update(id, JobUpdate{Progress: &p40})

	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed: retried job cannot stream events")
		}
		if ev.Progress != 40 {
			t.Errorf("Progress = %d, want 40", ev.Progress)
		}
	default:
		t.Fatal("expected a progress event for the retried job")
	}
}

func TestRestoreAllAfterCrash(t *testing.T) {
	s, _ := newTestStore(t)

	id := model.NewID()
	s.Create(id, "in.png", model.Settings{"ai_model": "meshy-6"})
	completed := model.StatusCompleted
	artifact := s.ArtifactPath(id)
	s.Update(id, JobUpdate{Status: &completed, ArtifactPath: &artifact})

	// Simulate a crash: a fresh store over the same directories with an
	// empty in-memory index.
	fresh, err := New(s.uploadsDir, s.outputsDir, events.NewBus(), nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if n := fresh.RestoreAll(); n != 1 {
		t.Fatalf("RestoreAll = %d, want 1", n)
	}

	got, err := fresh.Get(id)
	if err != nil {
		t.Fatalf("Get after restore: %v", err)
	}
	if got.Status != model.StatusCompleted || got.ArtifactPath != artifact {
		t.Errorf("restored job = %s/%q, want completed/%q", got.Status, got.ArtifactPath, artifact)
	}
}

func TestRestoreAllSkipsCorruptRecord(t *testing.T) {
	s, _ := newTestStore(t)

	good := model.NewID()
	s.Create(good, "in.png", nil)

	// Plant a corrupt record alongside the good one.
	bad := model.NewID()
	if err := os.MkdirAll(s.UploadDir(bad), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.recordPath(bad), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	fresh, err := New(s.uploadsDir, s.outputsDir, events.NewBus(), nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n := fresh.RestoreAll(); n != 1 {
		t.Errorf("RestoreAll = %d, want 1 (corrupt record skipped)", n)
	}
	if _, err := fresh.Get(good); err != nil {
		t.Errorf("good record should survive restore: %v", err)
	}
}

func TestRestoreRejectsUnknownEncoding(t *testing.T) {
	s, _ := newTestStore(t)

	id := model.NewID()
	if err := os.MkdirAll(s.UploadDir(id), 0o755); err != nil {
		t.Fatal(err)
	}
	record := `{"job_id":"` + id + `","status":"running","stage":"ready","progress":0}`
	if err := os.WriteFile(s.recordPath(id), []byte(record), 0o644); err != nil {
		t.Fatal(err)
	}

	if n := s.RestoreAll(); n != 0 {
		t.Errorf("RestoreAll = %d, want 0 (unknown status rejected)", n)
	}
}

func TestGetFallsBackToDisk(t *testing.T) {
	s, _ := newTestStore(t)

	id := model.NewID()
	s.Create(id, "in.png", nil)

	// A fresh store has an empty index; Get must warm it from disk.
	fresh, err := New(s.uploadsDir, s.outputsDir, events.NewBus(), nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := fresh.Get(id)
	if err != nil {
		t.Fatalf("Get via disk fallback: %v", err)
	}
	if got.ID != id {
		t.Errorf("ID = %q, want %q", got.ID, id)
	}

	// The record is re-admitted: deleting the file no longer hides the job.
	os.Remove(fresh.recordPath(id))
	if _, err := fresh.Get(id); err != nil {
		t.Errorf("Get after cache warm: %v", err)
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	s, _ := newTestStore(t)

	id := model.NewID()
	s.Create(id, "in.png", nil)

	// Plant an artifact.
	if err := os.MkdirAll(s.OutputDir(id), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.ArtifactPath(id), []byte("glb-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(s.UploadDir(id)); !os.IsNotExist(err) {
		t.Error("upload dir should be removed")
	}
	if _, err := os.Stat(s.OutputDir(id)); !os.IsNotExist(err) {
		t.Error("output dir should be removed")
	}
}

func TestDeleteMissing(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Delete("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(missing) = %v, want ErrNotFound", err)
	}
}

func TestActiveSelection(t *testing.T) {
	s, _ := newTestStore(t)

	processing := model.StatusProcessing
	taskID := "task-1"

	a := model.NewID()
	s.Create(a, "a.png", nil)
	s.Update(a, JobUpdate{Status: &processing, ExternalTaskID: &taskID})

	// No task ID yet: not active.
	b := model.NewID()
	s.Create(b, "b.png", nil)
	s.Update(b, JobUpdate{Status: &processing})

	// Terminal stage: not active.
	c := model.NewID()
	s.Create(c, "c.png", nil)
	done := model.StageCompleted
	s.Update(c, JobUpdate{Status: &processing, ExternalTaskID: &taskID, Stage: &done})

	active := s.Active()
	if len(active) != 1 || active[0].ID != a {
		t.Errorf("Active = %v, want exactly job %s", active, a)
	}
}

func TestHistoryRecordsTransitions(t *testing.T) {
	s, _ := newTestStore(t)

	id := model.NewID()
	s.Create(id, "in.png", nil)

	s.UpdateStage(id, model.StageGeometry, 5)
	s.UpdateStage(id, model.StageGeometry, 18)
	failed := model.StatusFailed
	msg := "boom"
	s.Update(id, JobUpdate{Status: &failed, Error: &msg})

	trs, err := s.history.List(context.Background(), id)
	if err != nil {
		t.Fatalf("history List: %v", err)
	}
	if len(trs) != 3 {
		t.Fatalf("got %d transitions, want 3", len(trs))
	}
	for i, tr := range trs {
		if tr.Seq != i {
			t.Errorf("transition[%d].Seq = %d, want %d", i, tr.Seq, i)
		}
	}
	if trs[1].Progress != 18 {
		t.Errorf("transition[1].Progress = %d, want 18", trs[1].Progress)
	}
	if trs[2].Status != model.StatusFailed || trs[2].Error != "boom" {
		t.Errorf("transition[2] = %+v, want failed/boom", trs[2])
	}

	if err := s.history.DeleteJob(context.Background(), id); err != nil {
		t.Fatalf("history DeleteJob: %v", err)
	}
	trs, _ = s.history.List(context.Background(), id)
	if len(trs) != 0 {
		t.Errorf("history after delete has %d rows, want 0", len(trs))
	}
}
