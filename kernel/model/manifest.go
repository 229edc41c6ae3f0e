package model

import (
	"sort"
	"strconv"
)

type Kind string

const (
	KindContainer Kind = "container"
	KindVM        Kind = "vm"
)

// ResourceSpec declares one container or virtual machine.
type ResourceSpec struct {
	Id             int               `json:"id" validate:"required,gt=0"`
	Name           string            `json:"name" validate:"required,hostname_rfc1123"`
	Kind           Kind              `json:"kind" validate:"required,oneof=container vm"`
	CloneFrom      int               `json:"cloneFrom,omitempty" validate:"gte=0"`
	BaseImage      string            `json:"baseImage,omitempty"`
	IsTemplate     bool              `json:"isTemplate,omitempty"`
	Features       []string          `json:"features,omitempty" validate:"dive,required"`
	HealthChecks   []HealthCheck     `json:"healthChecks,omitempty" validate:"dive"`
	DependsOn      []int             `json:"dependsOn,omitempty" validate:"dive,gt=0"`
	NetworkPeers   []int             `json:"networkPeers,omitempty" validate:"dive,gt=0"`
	Address        string            `json:"address,omitempty" validate:"omitempty,ip"`
	Services       []ServicePort     `json:"services,omitempty" validate:"dive"`
	NetworkConfig  map[string]string `json:"networkConfig,omitempty"`
	ResourceLimits map[string]string `json:"resourceLimits,omitempty"`
}

func (r *ResourceSpec) Label() string {
	return r.Name + "(" + strconv.Itoa(r.Id) + ")"
}

// IsBaseImage reports whether the resource is materialized directly from an image
// rather than cloned from another resource.
func (r *ResourceSpec) IsBaseImage() bool {
	return r.BaseImage != ""
}

type HealthCheck struct {
	Name  string   `json:"name" validate:"required"`
	Probe string   `json:"probe" validate:"required"`
	Args  []string `json:"args,omitempty"`
}

type Scope string

const (
	ScopeEdge Scope = "edge"
	ScopeMesh Scope = "mesh"
)

// ServiceKey names the gateway router and backend of one of the resource's services.
func (r *ResourceSpec) ServiceKey(svc *ServicePort) string {
	return r.Name + "-" + svc.Name
}

type ServicePort struct {
	Name       string `json:"name" validate:"required"`
	Port       int    `json:"port" validate:"required,gt=0,lte=65535"`
	Host       string `json:"host" validate:"required"`
	PathPrefix string `json:"pathPrefix,omitempty"`
	Scheme     string `json:"scheme,omitempty" validate:"omitempty,oneof=http https"`
	Scope      Scope  `json:"scope,omitempty" validate:"omitempty,oneof=edge mesh"`
}

func (s ServicePort) EffectiveScheme() string {
	if s.Scheme == "" {
		return "http"
	}
	return s.Scheme
}

func (s ServicePort) EffectiveScope() Scope {
	if s.Scope == "" {
		return ScopeEdge
	}
	return s.Scope
}

type PostIssuanceType string

const (
	PostIssuanceExec          PostIssuanceType = "exec"
	PostIssuanceClusterSecret PostIssuanceType = "cluster-secret"
)

type PostIssuance struct {
	Type       PostIssuanceType `json:"type" validate:"required,oneof=exec cluster-secret"`
	Command    string           `json:"command,omitempty"`
	SecretName string           `json:"secretName,omitempty"`
}

// NeedsCluster reports whether the action registers state with the cluster control-plane.
func (p *PostIssuance) NeedsCluster() bool {
	return p != nil && p.Type == PostIssuanceClusterSecret
}

// CertificateDescriptor is one entry of the certificate manifest.
type CertificateDescriptor struct {
	CommonName      string        `json:"commonName" validate:"required"`
	SubjectAltNames []string      `json:"subjectAltNames,omitempty"`
	Validity        Duration      `json:"validity" validate:"required"`
	IssuancePath    string        `json:"issuancePath" validate:"required"`
	Consumers       []int         `json:"consumers,omitempty" validate:"dive,gt=0"`
	ConsumerPath    string        `json:"consumerPath,omitempty" validate:"required_with=Consumers"`
	PostIssuance    *PostIssuance `json:"postIssuance,omitempty"`
}

type ClusterTopology struct {
	Managers []int `json:"managers,omitempty"`
	Workers  []int `json:"workers,omitempty"`
}

// Empty reports whether no cluster is declared.
func (c ClusterTopology) Empty() bool {
	return len(c.Managers) == 0 && len(c.Workers) == 0
}

type GatewayTopology struct {
	Resource      int    `json:"resource,omitempty"`
	EdgeFile      string `json:"edgeFile,omitempty"`
	MeshFile      string `json:"meshFile,omitempty"`
	ReloadCommand string `json:"reloadCommand,omitempty"`
}

type Stack struct {
	Name        string `json:"name" validate:"required"`
	ComposeFile string `json:"composeFile" validate:"required"`
}

// Topology is the network/DNS document of the manifest.
type Topology struct {
	DNSRecords map[string]string `json:"dnsRecords,omitempty"`
	Cluster    ClusterTopology   `json:"cluster"`
	Gateway    GatewayTopology   `json:"gateway"`
	Stacks     []Stack           `json:"stacks,omitempty" validate:"dive"`
	Firewall   bool              `json:"firewall,omitempty"`
}

// Manifest is the immutable, loaded-once view of the manifest documents.
type Manifest struct {
	Version      string
	Digest       string
	Dir          string
	Resources    []*ResourceSpec
	Certificates []*CertificateDescriptor
	Topology     *Topology

	byId map[int]*ResourceSpec
}

func NewManifest(resources []*ResourceSpec, certs []*CertificateDescriptor, topology *Topology) *Manifest {
	if topology == nil {
		topology = &Topology{}
	}
	m := &Manifest{
		Resources:    resources,
		Certificates: certs,
		Topology:     topology,
		byId:         make(map[int]*ResourceSpec, len(resources)),
	}
	for _, r := range resources {
		m.byId[r.Id] = r
	}
	return m
}

func (m *Manifest) Resource(id int) (*ResourceSpec, bool) {
	r, ok := m.byId[id]
	return r, ok
}

// Ids returns all resource ids in ascending order.
func (m *Manifest) Ids() []int {
	ids := make([]int, 0, len(m.Resources))
	for _, r := range m.Resources {
		ids = append(ids, r.Id)
	}
	sort.Ints(ids)
	return ids
}

// RootImage follows cloneFrom edges until a base image resource is reached. It returns
// false when the chain is broken or loops.
func (m *Manifest) RootImage(id int) (*ResourceSpec, bool) {
	seen := map[int]bool{}
	for {
		r, ok := m.byId[id]
		if !ok || seen[id] {
			return nil, false
		}
		if r.IsBaseImage() {
			return r, true
		}
		seen[id] = true
		id = r.CloneFrom
	}
}

// CloneCycle returns the loop reached by following cloneFrom from id, starting and
// ending at the first resource to repeat, or nil when the chain terminates.
func (m *Manifest) CloneCycle(id int) []int {
	var chain []int
	at := map[int]int{}
	for {
		r, ok := m.byId[id]
		if !ok || r.IsBaseImage() {
			return nil
		}
		if i, seen := at[id]; seen {
			return append(chain[i:], id)
		}
		at[id] = len(chain)
		chain = append(chain, id)
		id = r.CloneFrom
	}
}

// InheritedFeatures lists the features already applied to the clone chain above id.
func (m *Manifest) InheritedFeatures(id int) []string {
	r, ok := m.byId[id]
	if !ok || r.IsBaseImage() {
		return nil
	}
	set := map[string]bool{}
	seen := map[int]bool{id: true}
	for cur := r.CloneFrom; cur != 0 && !seen[cur]; {
		seen[cur] = true
		parent, ok := m.byId[cur]
		if !ok {
			break
		}
		for _, f := range parent.Features {
			set[f] = true
		}
		cur = parent.CloneFrom
	}
	return sortedSet(set)
}

// EffectiveFeatures is the union of a resource's own features and everything it
// inherits through its clone chain.
func (m *Manifest) EffectiveFeatures(id int) []string {
	set := map[string]bool{}
	for _, f := range m.InheritedFeatures(id) {
		set[f] = true
	}
	if r, ok := m.byId[id]; ok {
		for _, f := range r.Features {
			set[f] = true
		}
	}
	return sortedSet(set)
}

// ConsumersOf returns the certificates that list the given resource as a consumer.
func (m *Manifest) ConsumersOf(id int) []*CertificateDescriptor {
	var result []*CertificateDescriptor
	for _, c := range m.Certificates {
		for _, consumer := range c.Consumers {
			if consumer == id {
				result = append(result, c)
				break
			}
		}
	}
	return result
}

func sortedSet(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
