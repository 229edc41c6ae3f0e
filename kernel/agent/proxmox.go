package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/google/uuid"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

// Proxmox drives containers through pct and virtual machines through qm on a single
// Proxmox VE host.
type Proxmox struct {
	host Runner
}

func NewProxmox(host Runner) *Proxmox {
	return &Proxmox{host: host}
}

func tool(kind model.Kind) string {
	if kind == model.KindVM {
		return "qm"
	}
	return "pct"
}

// ShellQuote wraps s in single quotes for a POSIX shell.
func ShellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// optionFlags renders the network and limit maps as sorted --key value flags.
func optionFlags(spec *model.ResourceSpec) []string {
	merged := map[string]string{}
	for k, v := range spec.NetworkConfig {
		merged[k] = v
	}
	for k, v := range spec.ResourceLimits {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var flags []string
	for _, k := range keys {
		flags = append(flags, "--"+k, ShellQuote(merged[k]))
	}
	return flags
}

func (p *Proxmox) run(ctx context.Context, args ...string) (string, error) {
	return p.host.Run(ctx, strings.Join(args, " "))
}

func isMissing(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr) && strings.Contains(cmdErr.Output, "does not exist")
}

func (p *Proxmox) Inspect(ctx context.Context, spec *model.ResourceSpec) (Instance, error) {
	id := strconv.Itoa(spec.Id)
	out, err := p.run(ctx, tool(spec.Kind), "config", id)
	if err != nil {
		if isMissing(err) {
			return Instance{}, nil
		}
		return Instance{}, err
	}
	inst := Instance{Exists: true, Kind: spec.Kind}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "template: 1" {
			inst.Template = true
		}
	}
	status, err := p.run(ctx, tool(spec.Kind), "status", id)
	if err != nil {
		return Instance{}, err
	}
	inst.Running = strings.Contains(status, "status: running")
	return inst, nil
}

func (p *Proxmox) Create(ctx context.Context, spec *model.ResourceSpec) error {
	id := strconv.Itoa(spec.Id)
	var args []string
	if spec.Kind == model.KindVM {
		args = []string{"qm", "create", id, "--name", spec.Name, "--scsi0", ShellQuote("local-lvm:0,import-from=" + spec.BaseImage)}
	} else {
		args = []string{"pct", "create", id, ShellQuote(spec.BaseImage), "--hostname", spec.Name}
	}
	args = append(args, optionFlags(spec)...)
	_, err := p.run(ctx, args...)
	return errors.Wrapf(err, "unable to create %s", spec.Label())
}

func (p *Proxmox) Clone(ctx context.Context, source, spec *model.ResourceSpec) error {
	nameFlag := "--hostname"
	if spec.Kind == model.KindVM {
		nameFlag = "--name"
	}
	_, err := p.run(ctx, tool(spec.Kind), "clone", strconv.Itoa(source.Id), strconv.Itoa(spec.Id), nameFlag, spec.Name, "--full")
	return errors.Wrapf(err, "unable to clone %s from %s", spec.Label(), source.Label())
}

func (p *Proxmox) Configure(ctx context.Context, spec *model.ResourceSpec) error {
	flags := optionFlags(spec)
	if len(flags) == 0 {
		return nil
	}
	args := append([]string{tool(spec.Kind), "set", strconv.Itoa(spec.Id)}, flags...)
	_, err := p.run(ctx, args...)
	return errors.Wrapf(err, "unable to configure %s", spec.Label())
}

func (p *Proxmox) Start(ctx context.Context, spec *model.ResourceSpec) error {
	inst, err := p.Inspect(ctx, spec)
	if err != nil {
		return err
	}
	if inst.Template {
		return errors.Errorf("%s is a template and cannot be started", spec.Label())
	}
	if inst.Running {
		return nil
	}
	_, err = p.run(ctx, tool(spec.Kind), "start", strconv.Itoa(spec.Id))
	return errors.Wrapf(err, "unable to start %s", spec.Label())
}

func (p *Proxmox) Ready(ctx context.Context, spec *model.ResourceSpec) (bool, error) {
	id := strconv.Itoa(spec.Id)
	var cmdErr *CommandError
	if spec.Kind == model.KindVM {
		_, err := p.run(ctx, "qm", "agent", id, "ping")
		if errors.As(err, &cmdErr) {
			return false, nil
		}
		return err == nil, err
	}
	// is-system-running exits non-zero for every state but running.
	out, err := p.run(ctx, "pct", "exec", id, "--", "systemctl", "is-system-running")
	if errors.As(err, &cmdErr) {
		out = cmdErr.Output
	} else if err != nil {
		return false, err
	}
	state := strings.TrimSpace(out)
	return state == "running" || state == "degraded", nil
}

type guestExecResult struct {
	ExitCode int    `json:"exitcode"`
	OutData  string `json:"out-data"`
	ErrData  string `json:"err-data"`
}

func (p *Proxmox) Exec(ctx context.Context, spec *model.ResourceSpec, command string) (string, error) {
	id := strconv.Itoa(spec.Id)
	if spec.Kind != model.KindVM {
		return p.run(ctx, "pct", "exec", id, "--", "sh", "-c", ShellQuote(command))
	}
	raw, err := p.run(ctx, "qm", "guest", "exec", id, "--", "sh", "-c", ShellQuote(command))
	if err != nil {
		return raw, err
	}
	var result guestExecResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return raw, errors.Wrapf(err, "unable to decode guest exec result for %s", spec.Label())
	}
	out := result.OutData + result.ErrData
	if result.ExitCode != 0 {
		return out, &CommandError{Command: command, Output: out, Err: errors.Errorf("exit code %d", result.ExitCode)}
	}
	return out, nil
}

func (p *Proxmox) PushFile(ctx context.Context, spec *model.ResourceSpec, target string, data []byte, mode os.FileMode) error {
	if spec.Kind == model.KindVM {
		// guest exec has no file transfer, so the payload rides along base64 encoded.
		cmd := fmt.Sprintf("mkdir -p %s && echo %s | base64 -d > %s.tmp && chmod %o %s.tmp && mv %s.tmp %s",
			ShellQuote(path.Dir(target)), base64.StdEncoding.EncodeToString(data),
			ShellQuote(target), mode.Perm(), ShellQuote(target), ShellQuote(target), ShellQuote(target))
		_, err := p.Exec(ctx, spec, cmd)
		return errors.Wrapf(err, "unable to push [%s] to %s", target, spec.Label())
	}

	staging := "/tmp/phoenix-" + uuid.NewString()
	if err := p.host.Upload(ctx, staging, data, 0600); err != nil {
		return errors.Wrapf(err, "unable to stage [%s]", target)
	}
	defer func() {
		if _, err := p.run(context.Background(), "rm", "-f", staging); err != nil {
			pfxlog.Logger().WithError(err).Warnf("unable to remove staging file [%s]", staging)
		}
	}()
	if _, err := p.Exec(ctx, spec, "mkdir -p "+ShellQuote(path.Dir(target))); err != nil {
		return errors.Wrapf(err, "unable to create [%s] on %s", path.Dir(target), spec.Label())
	}
	_, err := p.run(ctx, "pct", "push", strconv.Itoa(spec.Id), staging, ShellQuote(target), "--perms", fmt.Sprintf("%o", mode.Perm()))
	return errors.Wrapf(err, "unable to push [%s] to %s", target, spec.Label())
}

func (p *Proxmox) Snapshot(ctx context.Context, spec *model.ResourceSpec, name string) error {
	id := strconv.Itoa(spec.Id)
	existing, err := p.run(ctx, tool(spec.Kind), "listsnapshot", id)
	if err != nil {
		return errors.Wrapf(err, "unable to list snapshots of %s", spec.Label())
	}
	for _, line := range strings.Split(existing, "\n") {
		for _, field := range strings.Fields(line) {
			if field == name {
				return nil
			}
		}
	}
	_, err = p.run(ctx, tool(spec.Kind), "snapshot", id, ShellQuote(name))
	return errors.Wrapf(err, "unable to snapshot %s", spec.Label())
}

func (p *Proxmox) ConvertToTemplate(ctx context.Context, spec *model.ResourceSpec) error {
	inst, err := p.Inspect(ctx, spec)
	if err != nil {
		return err
	}
	if inst.Template {
		return nil
	}
	id := strconv.Itoa(spec.Id)
	if inst.Running {
		if _, err := p.run(ctx, tool(spec.Kind), "shutdown", id); err != nil {
			return errors.Wrapf(err, "unable to stop %s before conversion", spec.Label())
		}
	}
	_, err = p.run(ctx, tool(spec.Kind), "template", id)
	return errors.Wrapf(err, "unable to convert %s to a template", spec.Label())
}

func (p *Proxmox) SyncFirewall(ctx context.Context) error {
	_, err := p.run(ctx, "pve-firewall", "compile", ">/dev/null", "&&", "pve-firewall", "restart")
	return errors.Wrap(err, "unable to sync firewall rules")
}
