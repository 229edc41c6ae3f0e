// Package agent defines the runtime collaborators the kernel drives: the virtualization
// host, the cluster control-plane, the certificate authority and the probe runner.
// Production implementations reach the Proxmox host over SSH; tests use agenttest.
package agent

import (
	"context"
	"os"
	"time"

	"github.com/chunga-ict/phoenix/kernel/model"
)

// Instance is what the hypervisor reports about an existing resource.
type Instance struct {
	Exists   bool
	Kind     model.Kind
	Running  bool
	Template bool
}

type Hypervisor interface {
	Inspect(ctx context.Context, spec *model.ResourceSpec) (Instance, error)
	Create(ctx context.Context, spec *model.ResourceSpec) error
	Clone(ctx context.Context, source, spec *model.ResourceSpec) error
	Configure(ctx context.Context, spec *model.ResourceSpec) error
	Start(ctx context.Context, spec *model.ResourceSpec) error
	Ready(ctx context.Context, spec *model.ResourceSpec) (bool, error)
	Exec(ctx context.Context, spec *model.ResourceSpec, command string) (string, error)
	PushFile(ctx context.Context, spec *model.ResourceSpec, path string, data []byte, mode os.FileMode) error
	Snapshot(ctx context.Context, spec *model.ResourceSpec, name string) error
	ConvertToTemplate(ctx context.Context, spec *model.ResourceSpec) error
	SyncFirewall(ctx context.Context) error
}

type Cluster interface {
	Init(ctx context.Context, manager *model.ResourceSpec) error
	Join(ctx context.Context, manager, node *model.ResourceSpec, asManager bool) error
	RegisterSecret(ctx context.Context, name string, data []byte) error
	DeployStack(ctx context.Context, name, composePath string) error
	Status(ctx context.Context) (string, error)
}

type IssueRequest struct {
	CommonName      string
	SubjectAltNames []string
	Validity        time.Duration
}

type Bundle struct {
	CertPEM []byte
	KeyPEM  []byte
}

type CertificateAuthority interface {
	Issue(ctx context.Context, req IssueRequest) (*Bundle, error)
}

type ProbeRunner interface {
	Probe(ctx context.Context, spec *model.ResourceSpec, check model.HealthCheck) error
}

// Runtime bundles the collaborators a command needs.
type Runtime struct {
	Hypervisor Hypervisor
	Cluster    Cluster
	CA         CertificateAuthority
	Probes     ProbeRunner
}
