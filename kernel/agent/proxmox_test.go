package agent

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedRunner struct {
	commands []string
	uploads  []string
	replies  map[string]string
	failures map[string]string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{replies: map[string]string{}, failures: map[string]string{}}
}

func (r *scriptedRunner) Run(_ context.Context, command string) (string, error) {
	r.commands = append(r.commands, command)
	for prefix, out := range r.failures {
		if strings.HasPrefix(command, prefix) {
			return out, &CommandError{Command: command, Output: out, Err: errors.New("exit status 2")}
		}
	}
	for prefix, out := range r.replies {
		if strings.HasPrefix(command, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (r *scriptedRunner) Upload(_ context.Context, path string, _ []byte, _ os.FileMode) error {
	r.uploads = append(r.uploads, path)
	return nil
}

func TestProxmox_CreateContainerFlagsSorted(t *testing.T) {
	host := newScriptedRunner()
	px := NewProxmox(host)
	spec := &model.ResourceSpec{
		Id: 900, Name: "base", Kind: model.KindContainer, BaseImage: "local:vztmpl/ubuntu-24.04.tar.zst",
		NetworkConfig:  map[string]string{"net0": "name=eth0,bridge=vmbr0,ip=10.0.0.90/24"},
		ResourceLimits: map[string]string{"memory": "2048", "cores": "2"},
	}

	require.NoError(t, px.Create(context.Background(), spec))
	require.Len(t, host.commands, 1)
	assert.Equal(t, "pct create 900 local:vztmpl/ubuntu-24.04.tar.zst --hostname base --cores 2 --memory 2048 --net0 name=eth0,bridge=vmbr0,ip=10.0.0.90/24", host.commands[0])
}

func TestProxmox_CloneVM(t *testing.T) {
	host := newScriptedRunner()
	px := NewProxmox(host)
	src := &model.ResourceSpec{Id: 9000, Name: "vm-tpl", Kind: model.KindVM}
	spec := &model.ResourceSpec{Id: 9100, Name: "runner", Kind: model.KindVM, CloneFrom: 9000}

	require.NoError(t, px.Clone(context.Background(), src, spec))
	assert.Equal(t, []string{"qm clone 9000 9100 --name runner --full"}, host.commands)
}

func TestProxmox_InspectMissing(t *testing.T) {
	host := newScriptedRunner()
	host.failures["pct config 77"] = "Configuration file 'nodes/pve/lxc/77.conf' does not exist"
	px := NewProxmox(host)

	inst, err := px.Inspect(context.Background(), &model.ResourceSpec{Id: 77, Name: "x", Kind: model.KindContainer})
	require.NoError(t, err)
	assert.False(t, inst.Exists)
}

func TestProxmox_InspectTemplate(t *testing.T) {
	host := newScriptedRunner()
	host.replies["pct config 901"] = "arch: amd64\nhostname: docker-tpl\ntemplate: 1\n"
	host.replies["pct status 901"] = "status: stopped\n"
	px := NewProxmox(host)

	inst, err := px.Inspect(context.Background(), &model.ResourceSpec{Id: 901, Name: "docker-tpl", Kind: model.KindContainer})
	require.NoError(t, err)
	assert.True(t, inst.Exists)
	assert.True(t, inst.Template)
	assert.False(t, inst.Running)
}

func TestProxmox_StartRefusesTemplate(t *testing.T) {
	host := newScriptedRunner()
	host.replies["pct config 901"] = "template: 1\n"
	host.replies["pct status 901"] = "status: stopped\n"
	px := NewProxmox(host)

	err := px.Start(context.Background(), &model.ResourceSpec{Id: 901, Name: "docker-tpl", Kind: model.KindContainer})
	require.Error(t, err)
	for _, cmd := range host.commands {
		assert.NotContains(t, cmd, "pct start")
	}
}

func TestProxmox_ReadyDegradedCountsAsReady(t *testing.T) {
	host := newScriptedRunner()
	host.failures["pct exec 950 -- systemctl"] = "degraded\n"
	px := NewProxmox(host)

	ready, err := px.Ready(context.Background(), &model.ResourceSpec{Id: 950, Name: "portainer", Kind: model.KindContainer})
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestProxmox_ReadyStarting(t *testing.T) {
	host := newScriptedRunner()
	host.failures["pct exec 950 -- systemctl"] = "starting\n"
	px := NewProxmox(host)

	ready, err := px.Ready(context.Background(), &model.ResourceSpec{Id: 950, Name: "portainer", Kind: model.KindContainer})
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestProxmox_SnapshotSkipsExisting(t *testing.T) {
	host := newScriptedRunner()
	host.replies["pct listsnapshot 950"] = "`-> provisioned 2026-01-01 10:00:00 no-description\n`-> current\n"
	px := NewProxmox(host)

	require.NoError(t, px.Snapshot(context.Background(), &model.ResourceSpec{Id: 950, Kind: model.KindContainer}, "provisioned"))
	assert.Equal(t, []string{"pct listsnapshot 950"}, host.commands)
}

func TestProxmox_ExecVMDecodesGuestResult(t *testing.T) {
	host := newScriptedRunner()
	host.replies["qm guest exec 9100"] = `{"exitcode":3,"exited":1,"out-data":"nope\n"}`
	px := NewProxmox(host)

	out, err := px.Exec(context.Background(), &model.ResourceSpec{Id: 9100, Name: "runner", Kind: model.KindVM}, "false")
	require.Error(t, err)
	assert.Equal(t, "nope\n", out)
	var cmdErr *CommandError
	assert.True(t, errors.As(err, &cmdErr))
}

func TestProxmox_PushFileContainerStagesOnHost(t *testing.T) {
	host := newScriptedRunner()
	px := NewProxmox(host)

	err := px.PushFile(context.Background(), &model.ResourceSpec{Id: 950, Kind: model.KindContainer}, "/etc/ssl/portainer/tls.crt", []byte("pem"), 0644)
	require.NoError(t, err)
	require.Len(t, host.uploads, 1)
	assert.True(t, strings.HasPrefix(host.uploads[0], "/tmp/phoenix-"))
	var pushed bool
	for _, cmd := range host.commands {
		if strings.HasPrefix(cmd, "pct push 950 "+host.uploads[0]+" /etc/ssl/portainer/tls.crt --perms 644") {
			pushed = true
		}
	}
	assert.True(t, pushed, "expected a pct push in %v", host.commands)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "plain-value_1.2", ShellQuote("plain-value_1.2"))
	assert.Equal(t, "'two words'", ShellQuote("two words"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
	assert.Equal(t, "''", ShellQuote(""))
}

func TestSwarm_JoinUsesManagerToken(t *testing.T) {
	host := newScriptedRunner()
	host.replies["pct exec 211 -- sh -c 'docker swarm join-token"] = "SWMTKN-1-abc\n"
	host.replies["pct exec 212 -- sh -c 'docker info"] = "inactive\n"
	px := NewProxmox(host)
	manager := &model.ResourceSpec{Id: 211, Name: "mgr", Kind: model.KindContainer, Address: "10.0.0.211"}
	worker := &model.ResourceSpec{Id: 212, Name: "wrk", Kind: model.KindContainer}

	require.NoError(t, NewSwarm(px, manager).Join(context.Background(), manager, worker, false))
	last := host.commands[len(host.commands)-1]
	assert.Equal(t, "pct exec 212 -- sh -c 'docker swarm join --token SWMTKN-1-abc 10.0.0.211:2377'", last)
}

func TestSwarm_SecretNameVersionsContent(t *testing.T) {
	a := SecretName("portainer-tls", []byte("one"))
	b := SecretName("portainer-tls", []byte("two"))
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "portainer-tls-"))
	assert.Equal(t, a, SecretName("portainer-tls", []byte("one")))
}

func TestStepCA_IssueCommand(t *testing.T) {
	ca := NewStepCA(nil, &model.ResourceSpec{Id: 103, Name: "ca"}, model.CAConfig{Provisioner: "admin@phoenix", PasswordFile: "/etc/step/pw"})
	cmd := ca.issueCommand(IssueRequest{CommonName: "portainer.internal", SubjectAltNames: []string{"10.0.0.95"}, Validity: 720 * time.Hour}, "/tmp/x/tls.crt", "/tmp/x/tls.key")
	assert.Equal(t, "step ca certificate portainer.internal /tmp/x/tls.crt /tmp/x/tls.key --provisioner admin@phoenix --force --provisioner-password-file /etc/step/pw --not-after 720h0m0s --san 10.0.0.95", cmd)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient(errors.New("dial"))))
	assert.True(t, IsTransient(errors.Wrap(Transient(errors.New("dial")), "outer")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(&CommandError{Command: "x", Err: errors.New("exit status 1")}))
	assert.False(t, IsTransient(nil))
}
