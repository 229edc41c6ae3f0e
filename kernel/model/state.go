package model

import (
	"fmt"
	"time"
)

type State string

const (
	Undefined   State = "undefined"
	Defined     State = "defined"
	Configured  State = "configured"
	Featured    State = "featured"
	Running     State = "running"
	Healthy     State = "healthy"
	Snapshotted State = "snapshotted"
	Failed      State = "failed"
)

// Progression is the ordered list of non-failure states a resource moves through.
var Progression = []State{Undefined, Defined, Configured, Featured, Running, Healthy, Snapshotted}

// Rank orders progression states; Failed and unknown values rank -1.
func (s State) Rank() int {
	for i, p := range Progression {
		if p == s {
			return i
		}
	}
	return -1
}

// Next returns the state that follows s, or "" when s is terminal.
func (s State) Next() State {
	r := s.Rank()
	if r < 0 || r+1 >= len(Progression) {
		return ""
	}
	return Progression[r+1]
}

func (s State) AtLeast(other State) bool {
	return s.Rank() >= 0 && s.Rank() >= other.Rank()
}

type Failure struct {
	Stage State  `json:"stage"`
	Cause string `json:"cause"`
}

func (f *Failure) String() string {
	return fmt.Sprintf("failed(%s): %s", f.Stage, f.Cause)
}

// ResourceState is the persisted runtime record of one resource.
type ResourceState struct {
	Id              int       `json:"id"`
	State           State     `json:"state"`
	Reached         State     `json:"reached"`
	Failure         *Failure  `json:"failure,omitempty"`
	AppliedFeatures []string  `json:"appliedFeatures,omitempty"`
	Template        bool      `json:"template,omitempty"`
	SpecDigest      string    `json:"specDigest,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func NewResourceState(id int) *ResourceState {
	return &ResourceState{Id: id, State: Undefined, Reached: Undefined}
}

func (s *ResourceState) IsFailed() bool {
	return s.State == Failed
}

// Display renders the state the way operators read it in status output.
func (s *ResourceState) Display() string {
	if s.Failure != nil {
		return s.Failure.String()
	}
	if s.Template {
		return string(s.State) + " (template)"
	}
	return string(s.State)
}

// Reset clears a failure so the next run resumes at the first unmet stage.
func (s *ResourceState) Reset() {
	s.Failure = nil
	s.State = s.Reached
}

func (s *ResourceState) HasFeature(name string) bool {
	for _, f := range s.AppliedFeatures {
		if f == name {
			return true
		}
	}
	return false
}

func (s *ResourceState) Clone() *ResourceState {
	c := *s
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	c.AppliedFeatures = append([]string(nil), s.AppliedFeatures...)
	return &c
}
