package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chunga-ict/phoenix/kernel/model"
)

func TestFileStore_StateStore(t *testing.T) {
	// Create temp directory
	tmpDir, err := os.MkdirTemp("", "phoenix-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	exerciseStateStore(t, NewFileStore(tmpDir))

	// one file per resource
	if _, err := os.Stat(filepath.Join(tmpDir, "resources", "950.json")); !os.IsNotExist(err) {
		t.Errorf("expected 950.json to be removed, stat returned %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "resources", "951.json")); err != nil {
		t.Errorf("expected 951.json to exist: %v", err)
	}
}

func TestMemoryStore_StateStore(t *testing.T) {
	exerciseStateStore(t, NewMemoryStore())
}

func exerciseStateStore(t *testing.T, store Store) {
	t.Helper()

	// Test GetState on empty store
	state, err := store.GetState(950)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state != nil {
		t.Errorf("expected no state, got %+v", state)
	}

	// Test SaveState
	saved := &model.ResourceState{
		Id:              950,
		State:           model.Failed,
		Reached:         model.Featured,
		Failure:         &model.Failure{Stage: model.Running, Cause: "timed out"},
		AppliedFeatures: []string{"certificate-authority-client"},
		UpdatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.SaveState(saved); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if err := store.SaveState(&model.ResourceState{Id: 951, State: model.Healthy, Reached: model.Healthy}); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	// Verify saved
	state, err = store.GetState(950)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state == nil || state.Reached != model.Featured || state.Failure == nil || state.Failure.Stage != model.Running {
		t.Errorf("unexpected state after save: %+v", state)
	}
	if !state.HasFeature("certificate-authority-client") {
		t.Error("expected applied feature to round trip")
	}

	states, err := store.ListStates()
	if err != nil {
		t.Fatalf("ListStates failed: %v", err)
	}
	if len(states) != 2 || states[0].Id != 950 || states[1].Id != 951 {
		t.Errorf("expected states 950 and 951 in order, got %v", states)
	}

	// Test DeleteState
	if err := store.DeleteState(950); err != nil {
		t.Fatalf("DeleteState failed: %v", err)
	}
	if err := store.DeleteState(950); err != nil {
		t.Fatalf("DeleteState of a missing record should succeed: %v", err)
	}

	// Verify deleted
	states, err = store.ListStates()
	if err != nil {
		t.Fatalf("ListStates failed: %v", err)
	}
	if len(states) != 1 {
		t.Errorf("expected 1 state after delete, got %d", len(states))
	}
}

func TestFileStore_Runs(t *testing.T) {
	exerciseRunStore(t, NewFileStore(t.TempDir()))
}

func TestMemoryStore_Runs(t *testing.T) {
	exerciseRunStore(t, NewMemoryStore())
}

func exerciseRunStore(t *testing.T, store Store) {
	t.Helper()

	last, err := store.LastRun()
	if err != nil {
		t.Fatalf("LastRun failed: %v", err)
	}
	if last != nil {
		t.Fatalf("expected no run yet, got %+v", last)
	}

	first := &model.ConvergenceRun{Id: "run-1", ManifestDigest: "abc", Stages: []model.StageResult{{Name: "prepare-shared", Outcome: model.OutcomeSucceeded}}}
	second := &model.ConvergenceRun{Id: "run-2", ManifestDigest: "abc", HaltedAt: "cluster-membership"}
	for _, run := range []*model.ConvergenceRun{first, second} {
		if err := store.SaveRun(run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	last, err = store.LastRun()
	if err != nil {
		t.Fatalf("LastRun failed: %v", err)
	}
	if last.Id != "run-2" || last.HaltedAt != "cluster-membership" {
		t.Errorf("expected run-2 halted at cluster-membership, got %+v", last)
	}

	run, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if len(run.Stages) != 1 || run.Stages[0].Outcome != model.OutcomeSucceeded {
		t.Errorf("unexpected stages for run-1: %+v", run.Stages)
	}
}

func TestWriteFileAtomic_Replaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tls.crt")
	if err := WriteFileAtomic(path, []byte("old"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte("new"), 0600); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new" {
		t.Errorf("expected 'new', got '%s'", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected no leftover temp files, got %d entries", len(entries))
	}
}
