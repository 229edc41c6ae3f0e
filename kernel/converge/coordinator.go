// Package converge runs the fleet-wide sync: a fixed sequence of stages, each a
// barrier, recorded as a resumable ConvergenceRun.
package converge

import (
	"context"
	"strings"
	"time"

	"github.com/chunga-ict/phoenix/kernel/agent"
	"github.com/chunga-ict/phoenix/kernel/certs"
	"github.com/chunga-ict/phoenix/kernel/metrics"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/chunga-ict/phoenix/kernel/retry"
	"github.com/chunga-ict/phoenix/kernel/storage"
	"github.com/chunga-ict/phoenix/kernel/store"
	"github.com/google/uuid"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

const (
	StagePrepareShared           = "prepare-shared"
	StageClusterMembership       = "cluster-membership"
	StageCertificateIssuance     = "certificate-issuance"
	StageCertificateDistribution = "certificate-distribution"
	StageServiceDeployment       = "service-deployment"
	StageGatewayReconfiguration  = "gateway-reconfiguration"
)

// Stages lists the stage names in execution order.
var Stages = []string{
	StagePrepareShared,
	StageClusterMembership,
	StageCertificateIssuance,
	StageCertificateDistribution,
	StageServiceDeployment,
	StageGatewayReconfiguration,
}

const completedIn = "completed in run "

type Options struct {
	ForceRenew bool
	FromStart  bool
}

// stageFunc returns a detail line and, for per-item failures, OutcomeDegraded. An
// error fails the stage and halts the run.
type stageFunc func(ctx context.Context, opts Options) (model.Outcome, string, error)

type Coordinator struct {
	mf         *model.Manifest
	hv         agent.Hypervisor
	cluster    agent.Cluster
	store      store.Store
	certs      *certs.Manager
	shared     storage.Shared
	sink       metrics.Sink
	gatewayDir string
	policy     retry.Policy
	now        func() time.Time
	stages     map[string]stageFunc
}

func NewCoordinator(mf *model.Manifest, rt *agent.Runtime, st store.Store, shared storage.Shared, sink metrics.Sink, cfg *model.Config) *Coordinator {
	if sink == nil {
		sink = metrics.Multi()
	}
	c := &Coordinator{
		mf:         mf,
		hv:         rt.Hypervisor,
		cluster:    rt.Cluster,
		store:      st,
		certs:      certs.NewManager(mf, rt, cfg),
		shared:     shared,
		sink:       sink,
		gatewayDir: cfg.GatewayDir,
		policy:     retry.FromConfig(cfg.Retry),
		now:        time.Now,
	}
	c.stages = map[string]stageFunc{
		StagePrepareShared:           c.prepareShared,
		StageClusterMembership:       c.clusterMembership,
		StageCertificateIssuance:     c.issueCertificates,
		StageCertificateDistribution: c.distributeCertificates,
		StageServiceDeployment:       c.deployServices,
		StageGatewayReconfiguration:  c.reconfigureGateway,
	}
	return c
}

func (c *Coordinator) Certificates() *certs.Manager {
	return c.certs
}

// resumePoint returns the index of the stage to start from and the previous run whose
// earlier stages are being reused, if any.
func (c *Coordinator) resumePoint(opts Options) (int, *model.ConvergenceRun, error) {
	if opts.FromStart {
		return 0, nil, nil
	}
	last, err := c.store.LastRun()
	if err != nil {
		return 0, nil, err
	}
	if last == nil || !last.Halted() || last.ManifestDigest != c.mf.Digest {
		return 0, nil, nil
	}
	for i, name := range Stages {
		if name == last.HaltedAt {
			return i, last, nil
		}
	}
	return 0, nil, nil
}

// Sync executes one convergence run. A halted run is returned without error; the error
// is reserved for store failures and cancellation.
func (c *Coordinator) Sync(ctx context.Context, opts Options) (*model.ConvergenceRun, error) {
	start, previous, err := c.resumePoint(opts)
	if err != nil {
		return nil, err
	}
	run := &model.ConvergenceRun{
		Id:             uuid.NewString(),
		ManifestDigest: c.mf.Digest,
		Started:        c.now().UTC(),
	}
	log := pfxlog.Logger().WithField("run", run.Id)
	if previous != nil {
		log.Infof("resuming run %s at %s", previous.Id, Stages[start])
	}

	var cancelled error
	for i, name := range Stages {
		result := model.StageResult{Name: name}
		switch {
		case i < start:
			result.Outcome = model.OutcomeSkipped
			result.Detail = completedIn + previous.Id
			if prior := previous.Stage(name); prior != nil && strings.HasPrefix(prior.Detail, completedIn) {
				result.Detail = prior.Detail
			}
		case run.Halted():
			result.Outcome = model.OutcomeSkipped
			result.Detail = "run halted at " + run.HaltedAt
		case ctx.Err() != nil:
			cancelled = ctx.Err()
			run.HaltedAt = name
			result.Outcome = model.OutcomeSkipped
			result.Detail = "cancelled"
		default:
			result = c.execute(ctx, name, opts)
			if result.Outcome == model.OutcomeFailed {
				run.HaltedAt = name
			}
		}
		run.Stages = append(run.Stages, result)
		if err := c.record(ctx, run); err != nil {
			return run, err
		}
	}

	run.Finished = c.now().UTC()
	if err := c.record(ctx, run); err != nil {
		return run, err
	}
	log.Infof("run finished: %s", run.Outcome())
	return run, cancelled
}

func (c *Coordinator) execute(ctx context.Context, name string, opts Options) model.StageResult {
	log := pfxlog.Logger().WithField("stage", name)
	log.Info("starting")
	result := model.StageResult{Name: name, Started: c.now().UTC()}

	// stages run to completion once started
	outcome, detail, err := c.stages[name](context.WithoutCancel(ctx), opts)
	result.Finished = c.now().UTC()
	if err != nil {
		log.WithError(err).Error("failed")
		result.Outcome = model.OutcomeFailed
		result.Detail = err.Error()
		return result
	}
	if outcome == "" {
		outcome = model.OutcomeSucceeded
	}
	result.Outcome = outcome
	result.Detail = detail
	log.Infof("%s: %s", outcome, detail)
	return result
}

func (c *Coordinator) record(ctx context.Context, run *model.ConvergenceRun) error {
	if err := c.store.SaveRun(run); err != nil {
		return errors.Wrap(err, "unable to persist convergence run")
	}
	if err := c.sink.Record(context.WithoutCancel(ctx), run); err != nil {
		pfxlog.Logger().WithError(err).Warn("unable to export run metrics")
	}
	return nil
}
