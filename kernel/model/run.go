package model

import "time"

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

type StageResult struct {
	Name     string    `json:"name"`
	Started  time.Time `json:"started,omitempty"`
	Finished time.Time `json:"finished,omitempty"`
	Outcome  Outcome   `json:"outcome"`
	Detail   string    `json:"detail,omitempty"`
}

func (s *StageResult) Duration() time.Duration {
	if s.Started.IsZero() || s.Finished.IsZero() {
		return 0
	}
	return s.Finished.Sub(s.Started)
}

// ConvergenceRun is the record of one fleet-wide sync.
type ConvergenceRun struct {
	Id             string        `json:"id"`
	ManifestDigest string        `json:"manifestDigest"`
	Started        time.Time     `json:"started"`
	Finished       time.Time     `json:"finished,omitempty"`
	Stages         []StageResult `json:"stages"`
	HaltedAt       string        `json:"haltedAt,omitempty"`
}

func (r *ConvergenceRun) Halted() bool {
	return r.HaltedAt != ""
}

func (r *ConvergenceRun) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Outcome summarizes the run: failed if halted, degraded if any stage degraded.
func (r *ConvergenceRun) Outcome() Outcome {
	if r.Halted() {
		return OutcomeFailed
	}
	for _, s := range r.Stages {
		if s.Outcome == OutcomeDegraded {
			return OutcomeDegraded
		}
	}
	return OutcomeSucceeded
}
