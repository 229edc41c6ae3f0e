package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/chunga-ict/phoenix/kernel/model"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// MemoryStore is an in-memory implementation of Store for testing.
type MemoryStore struct {
	states  cmap.ConcurrentMap[int, *model.ResourceState]
	runs    cmap.ConcurrentMap[string, *model.ConvergenceRun]
	mu      sync.RWMutex
	lastRun string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: cmap.NewWithCustomShardingFunction[int, *model.ResourceState](func(key int) uint32 {
			return uint32(key)
		}),
		runs: cmap.New[*model.ConvergenceRun](),
	}
}

func (s *MemoryStore) GetState(id int) (*model.ResourceState, error) {
	state, ok := s.states.Get(id)
	if !ok {
		return nil, nil
	}
	// Return a copy to prevent concurrent modification
	return state.Clone(), nil
}

func (s *MemoryStore) SaveState(state *model.ResourceState) error {
	s.states.Set(state.Id, state.Clone())
	return nil
}

func (s *MemoryStore) ListStates() ([]*model.ResourceState, error) {
	var states []*model.ResourceState
	for _, state := range s.states.Items() {
		states = append(states, state.Clone())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Id < states[j].Id })
	return states, nil
}

func (s *MemoryStore) DeleteState(id int) error {
	s.states.Remove(id)
	return nil
}

func (s *MemoryStore) SaveRun(run *model.ConvergenceRun) error {
	c := *run
	c.Stages = append([]model.StageResult(nil), run.Stages...)
	s.runs.Set(run.Id, &c)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = run.Id
	return nil
}

func (s *MemoryStore) GetRun(id string) (*model.ConvergenceRun, error) {
	run, ok := s.runs.Get(id)
	if !ok {
		return nil, fmt.Errorf("run [%s] not found", id)
	}
	c := *run
	c.Stages = append([]model.StageResult(nil), run.Stages...)
	return &c, nil
}

func (s *MemoryStore) LastRun() (*model.ConvergenceRun, error) {
	s.mu.RLock()
	id := s.lastRun
	s.mu.RUnlock()
	if id == "" {
		return nil, nil
	}
	return s.GetRun(id)
}
