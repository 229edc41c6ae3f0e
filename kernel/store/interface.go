package store

import "github.com/chunga-ict/phoenix/kernel/model"

// StateStore persists the runtime state of resources, one record per resource.
type StateStore interface {
	// GetState returns nil and no error for a resource that has never been recorded.
	GetState(id int) (*model.ResourceState, error)
	SaveState(state *model.ResourceState) error
	ListStates() ([]*model.ResourceState, error)
	DeleteState(id int) error
}

// RunStore records convergence runs.
type RunStore interface {
	SaveRun(run *model.ConvergenceRun) error
	GetRun(id string) (*model.ConvergenceRun, error)
	// LastRun returns nil and no error before the first run.
	LastRun() (*model.ConvergenceRun, error)
}

type Store interface {
	StateStore
	RunStore
}
