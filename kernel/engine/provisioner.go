package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chunga-ict/phoenix/kernel/graph"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/chunga-ict/phoenix/kernel/store"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type Outcome string

const (
	OutcomeConverged Outcome = "converged"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDrifted   Outcome = "drifted"
	OutcomeFailed    Outcome = "failed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeCancelled Outcome = "cancelled"
	OutcomePlanned   Outcome = "planned"
)

type ResourceResult struct {
	Id      int     `json:"id"`
	Name    string  `json:"name"`
	Wave    int     `json:"wave"`
	State   string  `json:"state"`
	Outcome Outcome `json:"outcome"`
	Detail  string  `json:"detail,omitempty"`
}

type CreateResult struct {
	Waves     [][]int                 `json:"waves"`
	Resources map[int]*ResourceResult `json:"resources"`
}

func (r *CreateResult) Sorted() []*ResourceResult {
	var out []*ResourceResult
	for _, rr := range r.Resources {
		out = append(out, rr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Wave != out[j].Wave {
			return out[i].Wave < out[j].Wave
		}
		return out[i].Id < out[j].Id
	})
	return out
}

func (r *CreateResult) Count(o Outcome) int {
	n := 0
	for _, rr := range r.Resources {
		if rr.Outcome == o {
			n++
		}
	}
	return n
}

// Err aggregates every resource that did not converge.
func (r *CreateResult) Err() error {
	var errs model.MultipleErrors
	for _, rr := range r.Sorted() {
		switch rr.Outcome {
		case OutcomeFailed, OutcomeBlocked, OutcomeCancelled:
			errs = append(errs, errors.Errorf("%s: %s %s", label(rr), rr.Outcome, rr.Detail))
		}
	}
	return errs.ToError()
}

func label(rr *ResourceResult) string {
	return fmt.Sprintf("%s(%d)", rr.Name, rr.Id)
}

type CreateOptions struct {
	RetryFailed bool
	DryRun      bool
}

// Provisioner schedules resources across dependency waves. Waves run one after the
// other; resources inside a wave run concurrently up to the configured parallelism.
type Provisioner struct {
	machine     *Machine
	states      store.StateStore
	parallelism int
}

func NewProvisioner(machine *Machine, states store.StateStore, parallelism int) *Provisioner {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Provisioner{machine: machine, states: states, parallelism: parallelism}
}

// Plan resolves ids (and their dependency closure) into waves without touching any
// resource.
func (p *Provisioner) Plan(mf *model.Manifest, ids []int) ([][]int, error) {
	g, err := graph.Build(mf)
	if err != nil {
		return nil, err
	}
	return g.Waves(ids)
}

// Create converges ids and everything they depend on. Planning errors are returned
// before any resource is touched; per-resource failures are reported in the result.
// The returned error is non-nil only for planning, store or cancellation failures.
func (p *Provisioner) Create(ctx context.Context, mf *model.Manifest, ids []int, opts CreateOptions) (*CreateResult, error) {
	g, err := graph.Build(mf)
	if err != nil {
		return nil, err
	}
	waves, err := g.Waves(ids)
	if err != nil {
		return nil, err
	}

	result := &CreateResult{Waves: waves, Resources: map[int]*ResourceResult{}}
	var mu sync.Mutex
	record := func(rr *ResourceResult) {
		mu.Lock()
		defer mu.Unlock()
		result.Resources[rr.Id] = rr
	}

	for i, wave := range waves {
		log := pfxlog.Logger().WithField("wave", i)
		if ctx.Err() != nil || opts.DryRun {
			for _, id := range wave {
				rr, err := p.inspect(mf, g, id, i)
				if err != nil {
					return result, err
				}
				if !opts.DryRun {
					rr.Outcome = OutcomeCancelled
				}
				record(rr)
			}
			continue
		}

		log.Infof("converging %v", wave)
		eg := new(errgroup.Group)
		eg.SetLimit(p.parallelism)
		for _, id := range wave {
			eg.Go(func() error {
				rr, err := p.converge(ctx, mf, g, id, i, opts)
				if err != nil {
					return err
				}
				record(rr)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return result, err
		}
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// inspect reports the persisted state of a resource without driving it.
func (p *Provisioner) inspect(mf *model.Manifest, g *graph.Graph, id, wave int) (*ResourceResult, error) {
	spec, _ := mf.Resource(id)
	state, err := p.machine.Load(id)
	if err != nil {
		return nil, err
	}
	rr := &ResourceResult{Id: id, Name: spec.Name, Wave: wave, State: state.Display(), Outcome: OutcomePlanned}
	if state.State != model.Snapshotted {
		rr.Detail = "from " + string(state.Reached.Next())
		if blockers := p.blockers(g, id); len(blockers) > 0 {
			rr.Detail += ", after " + strings.Join(blockers, ", ")
		}
	} else if Drifted(spec, state) {
		rr.Detail = "drifted"
	}
	return rr, nil
}

// converge returns an error only when the store itself fails.
func (p *Provisioner) converge(ctx context.Context, mf *model.Manifest, g *graph.Graph, id, wave int, opts CreateOptions) (*ResourceResult, error) {
	spec, _ := mf.Resource(id)
	log := pfxlog.Logger().WithField("resource", spec.Label())
	rr := &ResourceResult{Id: id, Name: spec.Name, Wave: wave}

	before, err := p.machine.Load(id)
	if err != nil {
		return nil, err
	}
	rr.State = before.Display()

	switch {
	case before.State == model.Snapshotted && Drifted(spec, before):
		log.Warn("manifest entry changed since the resource converged; reset it to reprovision")
		rr.Outcome = OutcomeDrifted
		return rr, nil
	case before.State == model.Snapshotted:
		rr.Outcome = OutcomeUnchanged
		return rr, nil
	case before.IsFailed() && !opts.RetryFailed:
		rr.Outcome = OutcomeFailed
		rr.Detail = "previously " + before.Failure.String()
		return rr, nil
	}

	if blockers, err := p.unsatisfied(mf, g, id); err != nil {
		return nil, err
	} else if len(blockers) > 0 {
		log.Warnf("blocked by %s", strings.Join(blockers, ", "))
		rr.Outcome = OutcomeBlocked
		rr.Detail = "waiting on " + strings.Join(blockers, ", ")
		return rr, nil
	}

	after, err := p.machine.Drive(ctx, mf, spec)
	if after != nil {
		rr.State = after.Display()
	}
	var stageErr *StageError
	switch {
	case err == nil:
		rr.Outcome = OutcomeConverged
	case errors.As(err, &stageErr):
		rr.Outcome = OutcomeFailed
		rr.Detail = stageErr.Err.Error()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		rr.Outcome = OutcomeCancelled
	default:
		return nil, err
	}
	return rr, nil
}

// unsatisfied lists the hard dependencies of id that have not reached their
// satisfying state.
func (p *Provisioner) unsatisfied(mf *model.Manifest, g *graph.Graph, id int) ([]string, error) {
	var blockers []string
	for _, e := range g.Dependencies(id) {
		if !e.Reason.Hard() {
			continue
		}
		dep, _ := mf.Resource(e.To)
		state, err := p.states.GetState(e.To)
		if err != nil {
			return nil, err
		}
		if !graph.Satisfied(dep, state) {
			blockers = append(blockers, dep.Label())
		}
	}
	return blockers, nil
}

func (p *Provisioner) blockers(g *graph.Graph, id int) []string {
	var out []string
	for _, e := range g.Dependencies(id) {
		if e.Reason.Hard() {
			out = append(out, fmt.Sprint(e.To))
		}
	}
	return out
}

// Reset clears a failure so the next create resumes at the first unmet stage. With
// reprovision, a non-template resource is rewound to Defined so every later stage runs
// again.
func Reset(states store.StateStore, id int, reprovision bool) (*model.ResourceState, error) {
	state, err := states.GetState(id)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, errors.Errorf("resource %d has no recorded state", id)
	}
	state.Reset()
	if reprovision {
		if state.Template {
			return nil, errors.Errorf("resource %d is a template and cannot be reprovisioned", id)
		}
		if state.Reached.AtLeast(model.Defined) {
			state.Reached = model.Defined
			state.State = model.Defined
			state.SpecDigest = ""
		}
	}
	if err := states.SaveState(state); err != nil {
		return nil, err
	}
	return state, nil
}
