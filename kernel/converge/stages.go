package converge

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/chunga-ict/phoenix/kernel/certs"
	"github.com/chunga-ict/phoenix/kernel/gateway"
	"github.com/chunga-ict/phoenix/kernel/graph"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/chunga-ict/phoenix/kernel/retry"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

const (
	stackDir   = "/var/lib/phoenix/stacks"
	dynamicDir = "/etc/traefik/dynamic"
)

func stackKey(name string) string {
	return path.Join("stacks", name, "docker-compose.yml")
}

func (c *Coordinator) resource(id int) (*model.ResourceSpec, error) {
	r, found := c.mf.Resource(id)
	if !found {
		return nil, errors.Errorf("resource %d is not declared", id)
	}
	return r, nil
}

// provisioned reports whether a resource has converged far enough to take part in the
// fleet.
func (c *Coordinator) provisioned(id int) bool {
	r, found := c.mf.Resource(id)
	if !found {
		return false
	}
	state, err := c.store.GetState(id)
	if err != nil {
		return false
	}
	return graph.Satisfied(r, state)
}

func (c *Coordinator) prepareShared(ctx context.Context, _ Options) (model.Outcome, string, error) {
	for _, stack := range c.mf.Topology.Stacks {
		source := stack.ComposeFile
		if !filepath.IsAbs(source) {
			source = filepath.Join(c.mf.Dir, source)
		}
		data, err := os.ReadFile(source)
		if err != nil {
			return "", "", errors.Wrapf(err, "unable to read compose file for stack [%s]", stack.Name)
		}
		if _, err := c.shared.Publish(ctx, stackKey(stack.Name), data); err != nil {
			return "", "", err
		}
	}
	detail := fmt.Sprintf("published %d stack(s)", len(c.mf.Topology.Stacks))
	if c.mf.Topology.Firewall {
		if err := retry.Do(ctx, c.policy, "firewall sync", func() error { return c.hv.SyncFirewall(ctx) }); err != nil {
			return "", "", errors.Wrap(err, "firewall sync failed")
		}
		detail += ", firewall synced"
	}
	return model.OutcomeSucceeded, detail, nil
}

func (c *Coordinator) clusterMembership(ctx context.Context, _ Options) (model.Outcome, string, error) {
	topology := c.mf.Topology.Cluster
	if topology.Empty() {
		return model.OutcomeSucceeded, "no cluster declared", nil
	}
	if len(topology.Managers) == 0 {
		return "", "", errors.New("cluster has workers but no manager")
	}
	lead, err := c.resource(topology.Managers[0])
	if err != nil {
		return "", "", err
	}
	for _, id := range append(append([]int{}, topology.Managers...), topology.Workers...) {
		if !c.provisioned(id) {
			return "", "", errors.Errorf("cluster node %d is not provisioned", id)
		}
	}

	if err := retry.Do(ctx, c.policy, "cluster init", func() error { return c.cluster.Init(ctx, lead) }); err != nil {
		return "", "", errors.Wrapf(err, "unable to initialize cluster on %s", lead.Label())
	}
	join := func(id int, asManager bool) error {
		node, err := c.resource(id)
		if err != nil {
			return err
		}
		err = retry.Do(ctx, c.policy, "cluster join", func() error { return c.cluster.Join(ctx, lead, node, asManager) })
		return errors.Wrapf(err, "unable to join %s", node.Label())
	}
	for _, id := range topology.Managers[1:] {
		if err := join(id, true); err != nil {
			return "", "", err
		}
	}
	for _, id := range topology.Workers {
		if err := join(id, false); err != nil {
			return "", "", err
		}
	}
	return model.OutcomeSucceeded, fmt.Sprintf("%d manager(s), %d worker(s)", len(topology.Managers), len(topology.Workers)), nil
}

func reportOutcome(report *certs.Report, detail string) (model.Outcome, string, error) {
	if err := report.Err(); err != nil {
		return model.OutcomeDegraded, detail + "; " + err.Error(), nil
	}
	if report.Degraded() {
		return model.OutcomeDegraded, detail, nil
	}
	return model.OutcomeSucceeded, detail, nil
}

func (c *Coordinator) issueCertificates(ctx context.Context, opts Options) (model.Outcome, string, error) {
	report := c.certs.Issue(ctx, opts.ForceRenew)
	detail := fmt.Sprintf("renewed %d, current %d, failed %d",
		report.Count(certs.ActionRenewed), report.Count(certs.ActionCurrent), report.Count(certs.ActionFailed))
	return reportOutcome(report, detail)
}

func (c *Coordinator) consumerReady(id int) bool {
	state, err := c.store.GetState(id)
	if err != nil || state == nil || state.Template {
		return false
	}
	return state.State.AtLeast(model.Running)
}

func (c *Coordinator) distributeCertificates(ctx context.Context, _ Options) (model.Outcome, string, error) {
	report := c.certs.Distribute(ctx, c.consumerReady)
	detail := fmt.Sprintf("distributed %d, current %d, not ready %d, failed %d",
		report.Count(certs.ActionDistributed), report.Count(certs.ActionCurrent),
		report.Count(certs.ActionNotReady), report.Count(certs.ActionFailed))
	return reportOutcome(report, detail)
}

// DeployStack copies a published stack onto the lead manager and deploys it.
func (c *Coordinator) DeployStack(ctx context.Context, name string) error {
	if len(c.mf.Topology.Cluster.Managers) == 0 {
		return errors.New("no cluster manager declared")
	}
	found := false
	for _, stack := range c.mf.Topology.Stacks {
		found = found || stack.Name == name
	}
	if !found {
		return errors.Errorf("stack [%s] is not declared", name)
	}
	manager, err := c.resource(c.mf.Topology.Cluster.Managers[0])
	if err != nil {
		return err
	}
	data, err := c.shared.Fetch(ctx, stackKey(name))
	if err != nil {
		return err
	}
	target := path.Join(stackDir, name, "docker-compose.yml")
	return retry.Do(ctx, c.policy, "deploy "+name, func() error {
		if err := c.hv.PushFile(ctx, manager, target, data, 0644); err != nil {
			return err
		}
		return c.cluster.DeployStack(ctx, name, target)
	})
}

func (c *Coordinator) deployServices(ctx context.Context, _ Options) (model.Outcome, string, error) {
	stacks := c.mf.Topology.Stacks
	if len(stacks) == 0 {
		return model.OutcomeSucceeded, "no stacks declared", nil
	}
	var failed []string
	for _, stack := range stacks {
		if err := c.DeployStack(ctx, stack.Name); err != nil {
			pfxlog.Logger().WithError(err).Errorf("stack [%s] failed to deploy", stack.Name)
			failed = append(failed, stack.Name)
		}
	}
	if len(failed) == len(stacks) {
		return "", "", errors.Errorf("no stack deployed (%s)", strings.Join(failed, ", "))
	}
	detail := fmt.Sprintf("deployed %d of %d stack(s)", len(stacks)-len(failed), len(stacks))
	if len(failed) > 0 {
		return model.OutcomeDegraded, detail + "; failed: " + strings.Join(failed, ", "), nil
	}
	return model.OutcomeSucceeded, detail, nil
}

func (c *Coordinator) reconfigureGateway(ctx context.Context, _ Options) (model.Outcome, string, error) {
	topology := c.mf.Topology
	var target *model.ResourceSpec
	if topology.Gateway.Resource != 0 {
		r, err := c.resource(topology.Gateway.Resource)
		if err != nil {
			return "", "", err
		}
		if !c.consumerReady(r.Id) {
			return "", "", errors.Errorf("gateway %s is not running", r.Label())
		}
		target = r
	}

	var publish gateway.Publisher
	if target != nil {
		publish = func(scope model.Scope, name string, data []byte) error {
			return retry.Do(ctx, c.policy, "publish "+name, func() error {
				return c.hv.PushFile(ctx, target, path.Join(dynamicDir, name), data, 0644)
			})
		}
	}
	changed, err := gateway.Generate(c.mf, c.gatewayDir, publish)
	if err != nil {
		return "", "", err
	}
	rules := len(gateway.Rules(c.mf, topology.DNSRecords))
	if len(changed) == 0 {
		return model.OutcomeSucceeded, fmt.Sprintf("%d rule(s), unchanged", rules), nil
	}
	if target != nil && topology.Gateway.ReloadCommand != "" {
		if _, err := c.hv.Exec(ctx, target, topology.Gateway.ReloadCommand); err != nil {
			gateway.Forget(topology, c.gatewayDir, changed)
			return "", "", errors.Wrap(err, "gateway reload failed")
		}
	}
	return model.OutcomeSucceeded, fmt.Sprintf("%d rule(s), updated %v", rules, changed), nil
}
