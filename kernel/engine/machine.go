// Package engine drives resources through the provisioning state machine and
// schedules them across dependency waves.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chunga-ict/phoenix/kernel/agent"
	"github.com/chunga-ict/phoenix/kernel/feature"
	"github.com/chunga-ict/phoenix/kernel/graph"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/chunga-ict/phoenix/kernel/retry"
	"github.com/chunga-ict/phoenix/kernel/store"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const snapshotPrefix = "phoenix-"

// FeatureLookup resolves a feature name to its installer.
type FeatureLookup interface {
	Lookup(name string) (feature.Installer, error)
}

// StageError reports the stage a resource failed to reach.
type StageError struct {
	Id    int
	Stage model.State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("resource %d failed to reach %s: %v", e.Id, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Machine advances a single resource one stage at a time, persisting its state after
// every transition.
type Machine struct {
	hv           agent.Hypervisor
	probes       agent.ProbeRunner
	features     FeatureLookup
	states       store.StateStore
	policy       retry.Policy
	readyTimeout time.Duration
	now          func() time.Time
}

func NewMachine(rt *agent.Runtime, features FeatureLookup, states store.StateStore, cfg *model.Config) *Machine {
	return &Machine{
		hv:           rt.Hypervisor,
		probes:       rt.Probes,
		features:     features,
		states:       states,
		policy:       retry.FromConfig(cfg.Retry),
		readyTimeout: cfg.ReadyTimeout,
		now:          time.Now,
	}
}

// SpecDigest identifies the declared shape of a resource, so a snapshotted resource can
// tell whether its manifest entry changed since it converged.
func SpecDigest(spec *model.ResourceSpec) string {
	data, err := json.Marshal(spec)
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Drifted reports whether a snapshotted resource was converged from a different spec.
func Drifted(spec *model.ResourceSpec, state *model.ResourceState) bool {
	return state != nil && state.State == model.Snapshotted && state.SpecDigest != SpecDigest(spec)
}

// Load returns the persisted state of a resource, or a fresh Undefined state.
func (m *Machine) Load(id int) (*model.ResourceState, error) {
	state, err := m.states.GetState(id)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return model.NewResourceState(id), nil
	}
	return state, nil
}

// Drive moves spec's resource from its first unmet stage to Snapshotted. A failed
// resource is reset before it resumes; callers decide whether that is allowed. The
// returned state is always the persisted one.
func (m *Machine) Drive(ctx context.Context, mf *model.Manifest, spec *model.ResourceSpec) (*model.ResourceState, error) {
	log := pfxlog.Logger().WithField("resource", spec.Label())

	state, err := m.Load(spec.Id)
	if err != nil {
		return nil, err
	}
	if state.State == model.Snapshotted {
		return state, nil
	}
	if state.IsFailed() {
		log.Infof("resuming after %s", state.Failure)
		state.Reset()
		if err := m.save(state); err != nil {
			return state, err
		}
	}

	for state.Reached != model.Snapshotted {
		if err := ctx.Err(); err != nil {
			log.Infof("cancelled at %s", state.Reached)
			return state, err
		}
		next := state.Reached.Next()
		log.Debugf("%s -> %s", state.Reached, next)

		// a stage runs to completion once started
		stageCtx := context.WithoutCancel(ctx)
		if err := m.stage(stageCtx, log, mf, spec, state, next); err != nil {
			state.State = model.Failed
			state.Failure = &model.Failure{Stage: next, Cause: err.Error()}
			log.WithError(err).Errorf("failed to reach %s", next)
			if serr := m.save(state); serr != nil {
				return state, serr
			}
			return state, &StageError{Id: spec.Id, Stage: next, Err: err}
		}
		state.Reached = next
		state.State = next
		if err := m.save(state); err != nil {
			return state, err
		}
	}
	log.Info("snapshotted")
	return state, nil
}

func (m *Machine) save(state *model.ResourceState) error {
	state.UpdatedAt = m.now().UTC()
	return m.states.SaveState(state)
}

func (m *Machine) stage(ctx context.Context, log *logrus.Entry, mf *model.Manifest, spec *model.ResourceSpec, state *model.ResourceState, next model.State) error {
	switch next {
	case model.Defined:
		return m.define(ctx, log, mf, spec, state)
	case model.Configured:
		return retry.Do(ctx, m.policy, "configure "+spec.Label(), func() error {
			return m.hv.Configure(ctx, spec)
		})
	case model.Featured:
		return m.applyFeatures(ctx, log, spec, state)
	case model.Running:
		return m.run(ctx, spec, state)
	case model.Healthy:
		return m.checkHealth(ctx, spec, state)
	case model.Snapshotted:
		return m.snapshot(ctx, log, spec, state)
	}
	return errors.Errorf("no transition to %s", next)
}

func (m *Machine) define(ctx context.Context, log *logrus.Entry, mf *model.Manifest, spec *model.ResourceSpec, state *model.ResourceState) error {
	var source *model.ResourceSpec
	if !spec.IsBaseImage() {
		found := false
		if source, found = mf.Resource(spec.CloneFrom); !found {
			return errors.Errorf("clone source %d is not declared", spec.CloneFrom)
		}
		sourceState, err := m.states.GetState(source.Id)
		if err != nil {
			return err
		}
		if !graph.Satisfied(source, sourceState) {
			return errors.Errorf("clone source %s is not ready", source.Label())
		}
	}

	return retry.Do(ctx, m.policy, "define "+spec.Label(), func() error {
		inst, err := m.hv.Inspect(ctx, spec)
		if err != nil {
			return err
		}
		if inst.Exists {
			if inst.Kind != "" && inst.Kind != spec.Kind {
				return errors.Errorf("existing instance is a %s, declared %s", inst.Kind, spec.Kind)
			}
			if inst.Template {
				if !spec.IsTemplate {
					return errors.New("existing instance is a template")
				}
				log.Info("adopting existing template")
				state.Template = true
				state.AppliedFeatures = append([]string(nil), spec.Features...)
				return nil
			}
			log.Debug("instance already exists")
			return nil
		}
		if source == nil {
			log.Infof("creating from %s", spec.BaseImage)
			return m.hv.Create(ctx, spec)
		}
		log.Infof("cloning from %s", source.Label())
		return m.hv.Clone(ctx, source, spec)
	})
}

func (m *Machine) applyFeatures(ctx context.Context, log *logrus.Entry, spec *model.ResourceSpec, state *model.ResourceState) error {
	pending := 0
	for _, name := range spec.Features {
		if !state.HasFeature(name) {
			pending++
		}
	}
	if pending == 0 {
		return nil
	}
	if state.Template {
		return errors.New("features cannot be applied to a template")
	}
	if err := m.boot(ctx, spec); err != nil {
		return err
	}
	for _, name := range spec.Features {
		if state.HasFeature(name) {
			continue
		}
		installer, err := m.features.Lookup(name)
		if err != nil {
			return err
		}
		log.Infof("applying feature [%s]", name)
		err = retry.Do(ctx, m.policy, "feature "+name, func() error {
			return installer.Apply(ctx, m.hv, spec)
		})
		if err != nil {
			return errors.Wrapf(err, "feature [%s]", name)
		}
		state.AppliedFeatures = append(state.AppliedFeatures, name)
		if err := m.save(state); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) run(ctx context.Context, spec *model.ResourceSpec, state *model.ResourceState) error {
	if state.Template {
		return nil
	}
	return m.boot(ctx, spec)
}

func (m *Machine) boot(ctx context.Context, spec *model.ResourceSpec) error {
	err := retry.Do(ctx, m.policy, "start "+spec.Label(), func() error {
		return m.hv.Start(ctx, spec)
	})
	if err != nil {
		return err
	}
	return retry.Poll(ctx, m.policy, m.readyTimeout, spec.Label()+" readiness", func(ctx context.Context) (bool, error) {
		return m.hv.Ready(ctx, spec)
	})
}

func (m *Machine) checkHealth(ctx context.Context, spec *model.ResourceSpec, state *model.ResourceState) error {
	if state.Template {
		return nil
	}
	for _, check := range spec.HealthChecks {
		err := retry.Do(ctx, m.policy, "check "+check.Name, func() error {
			return m.probes.Probe(ctx, spec, check)
		})
		if err != nil {
			return errors.Wrapf(err, "health check [%s]", check.Name)
		}
	}
	return nil
}

func (m *Machine) snapshot(ctx context.Context, log *logrus.Entry, spec *model.ResourceSpec, state *model.ResourceState) error {
	if state.Reached != model.Healthy {
		return errors.Errorf("cannot snapshot from %s", state.Reached)
	}
	for _, name := range spec.Features {
		if !state.HasFeature(name) {
			return errors.Errorf("feature [%s] was never applied", name)
		}
	}

	digest := SpecDigest(spec)
	state.SpecDigest = digest
	if state.Template {
		// adopted templates are already frozen
		return nil
	}
	err := retry.Do(ctx, m.policy, "snapshot "+spec.Label(), func() error {
		return m.hv.Snapshot(ctx, spec, snapshotPrefix+digest[:8])
	})
	if err != nil {
		return err
	}
	if spec.IsTemplate {
		log.Info("converting to template")
		err = retry.Do(ctx, m.policy, "template "+spec.Label(), func() error {
			return m.hv.ConvertToTemplate(ctx, spec)
		})
		if err != nil {
			return err
		}
		state.Template = true
	}
	return nil
}
