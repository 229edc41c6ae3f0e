// Package probe executes resource health checks. Built-in probe types are exec, http
// and tcp; any other probe name resolves to an operator-configured script.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chunga-ict/phoenix/kernel/agent"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/oliveagle/jsonpath"
	"github.com/pkg/errors"
)

const (
	TypeExec = "exec"
	TypeHTTP = "http"
	TypeTCP  = "tcp"

	defaultTimeout = 10 * time.Second
	maxBody        = 1 << 20
)

type Runner struct {
	hv      agent.Hypervisor
	scripts map[string]string
	client  *http.Client
	timeout time.Duration
}

func NewRunner(hv agent.Hypervisor, scripts map[string]string) *Runner {
	return &Runner{
		hv:      hv,
		scripts: scripts,
		client:  &http.Client{Timeout: defaultTimeout},
		timeout: defaultTimeout,
	}
}

// WithHTTPClient replaces the client used by http probes.
func (r *Runner) WithHTTPClient(client *http.Client) *Runner {
	r.client = client
	return r
}

// Known reports whether a probe name can be executed.
func (r *Runner) Known(probe string) bool {
	switch probe {
	case TypeExec, TypeHTTP, TypeTCP:
		return true
	}
	_, found := r.scripts[probe]
	return found
}

// Probe runs one check. A check that runs but does not pass is reported as a
// transient error, so callers retry it until their budget is spent.
func (r *Runner) Probe(ctx context.Context, spec *model.ResourceSpec, check model.HealthCheck) error {
	switch check.Probe {
	case TypeExec:
		if len(check.Args) == 0 {
			return errors.Errorf("exec check [%s] has no command", check.Name)
		}
		return r.exec(ctx, spec, check, strings.Join(check.Args, " "))
	case TypeHTTP:
		return r.http(ctx, check)
	case TypeTCP:
		return r.tcp(ctx, check)
	}
	script, found := r.scripts[check.Probe]
	if !found {
		return errors.Errorf("unknown probe '%s' for check [%s]", check.Probe, check.Name)
	}
	command := script
	for _, arg := range check.Args {
		command += " " + agent.ShellQuote(arg)
	}
	return r.exec(ctx, spec, check, command)
}

func (r *Runner) exec(ctx context.Context, spec *model.ResourceSpec, check model.HealthCheck, command string) error {
	out, err := r.hv.Exec(ctx, spec, command)
	var cmdErr *agent.CommandError
	if errors.As(err, &cmdErr) {
		return agent.Transient(errors.Errorf("check [%s] on %s failed: %s", check.Name, spec.Label(), strings.TrimSpace(out)))
	}
	return err
}

// http expects args: url [jsonpath [expected]]. Without an expected value the path only
// has to resolve.
func (r *Runner) http(ctx context.Context, check model.HealthCheck) error {
	if len(check.Args) == 0 {
		return errors.Errorf("http check [%s] has no url", check.Name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, check.Args[0], nil)
	if err != nil {
		return errors.Wrapf(err, "invalid url for check [%s]", check.Name)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return agent.Transient(errors.Wrapf(err, "check [%s] unreachable", check.Name))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return agent.Transient(errors.Wrapf(err, "check [%s] response truncated", check.Name))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return agent.Transient(errors.Errorf("check [%s] returned %s", check.Name, resp.Status))
	}
	if len(check.Args) < 2 {
		return nil
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return agent.Transient(errors.Wrapf(err, "check [%s] did not return json", check.Name))
	}
	value, err := jsonpath.JsonPathLookup(doc, check.Args[1])
	if err != nil {
		return agent.Transient(errors.Wrapf(err, "check [%s] path %s not found", check.Name, check.Args[1]))
	}
	if len(check.Args) > 2 && fmt.Sprint(value) != check.Args[2] {
		return agent.Transient(errors.Errorf("check [%s] expected %s at %s, got %v", check.Name, check.Args[2], check.Args[1], value))
	}
	return nil
}

func (r *Runner) tcp(ctx context.Context, check model.HealthCheck) error {
	if len(check.Args) == 0 {
		return errors.Errorf("tcp check [%s] has no address", check.Name)
	}
	dialer := net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", check.Args[0])
	if err != nil {
		return agent.Transient(errors.Wrapf(err, "check [%s] unreachable", check.Name))
	}
	return conn.Close()
}
