package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chunga-ict/phoenix/kernel/model"
)

const lastRunFile = "last-run"

// FileStore keeps one JSON document per resource under <dir>/resources and one per
// convergence run under <dir>/runs. Records are replaced atomically, so a crash never
// leaves a torn record behind.
type FileStore struct {
	dir   string
	runMu sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) statePath(id int) string {
	return filepath.Join(s.dir, "resources", strconv.Itoa(id)+".json")
}

func (s *FileStore) runPath(id string) string {
	return filepath.Join(s.dir, "runs", id+".json")
}

// GetState returns the recorded state of a resource.
func (s *FileStore) GetState(id int) (*model.ResourceState, error) {
	data, err := os.ReadFile(s.statePath(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state of resource %d: %w", id, err)
	}

	state := &model.ResourceState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse state of resource %d: %w", id, err)
	}
	return state, nil
}

// SaveState replaces the record of a single resource.
func (s *FileStore) SaveState(state *model.ResourceState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state of resource %d: %w", state.Id, err)
	}
	if err := WriteFileAtomic(s.statePath(state.Id), data, 0644); err != nil {
		return fmt.Errorf("failed to write state of resource %d: %w", state.Id, err)
	}
	return nil
}

// ListStates returns every recorded resource, ordered by id.
func (s *FileStore) ListStates() ([]*model.ResourceState, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "resources"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list resource states: %w", err)
	}

	var states []*model.ResourceState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		state, err := s.GetState(id)
		if err != nil {
			return nil, err
		}
		if state != nil {
			states = append(states, state)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Id < states[j].Id })
	return states, nil
}

// DeleteState removes a resource from the store.
func (s *FileStore) DeleteState(id int) error {
	if err := os.Remove(s.statePath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state of resource %d: %w", id, err)
	}
	return nil
}

// SaveRun writes the run record and points last-run at it.
func (s *FileStore) SaveRun(run *model.ConvergenceRun) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run %s: %w", run.Id, err)
	}
	if err := WriteFileAtomic(s.runPath(run.Id), data, 0644); err != nil {
		return fmt.Errorf("failed to write run %s: %w", run.Id, err)
	}
	if err := WriteFileAtomic(filepath.Join(s.dir, "runs", lastRunFile), []byte(run.Id), 0644); err != nil {
		return fmt.Errorf("failed to record last run: %w", err)
	}
	return nil
}

func (s *FileStore) GetRun(id string) (*model.ConvergenceRun, error) {
	data, err := os.ReadFile(s.runPath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", id, err)
	}
	run := &model.ConvergenceRun{}
	if err := json.Unmarshal(data, run); err != nil {
		return nil, fmt.Errorf("failed to parse run %s: %w", id, err)
	}
	return run, nil
}

func (s *FileStore) LastRun() (*model.ConvergenceRun, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, "runs", lastRunFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last run: %w", err)
	}
	return s.GetRun(strings.TrimSpace(string(data)))
}
