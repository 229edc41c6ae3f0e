package agenttest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/chunga-ict/phoenix/kernel/agent"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/pkg/errors"
)

// Cluster records membership, secrets and stack deployments.
type Cluster struct {
	mu       sync.Mutex
	Managers []int
	Workers  []int
	Secrets  map[string][]byte
	Stacks   map[string]string
	Ops      []string
	failures map[string]error
}

func NewCluster() *Cluster {
	return &Cluster{Secrets: map[string][]byte{}, Stacks: map[string]string{}, failures: map[string]error{}}
}

// FailOn makes an operation ("init", "join", "secret", "deploy", "status") fail.
func (c *Cluster) FailOn(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = err
}

func (c *Cluster) ClearFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = map[string]error{}
}

func (c *Cluster) op(name string) error {
	c.Ops = append(c.Ops, name)
	return c.failures[name]
}

func contains(ids []int, id int) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

func (c *Cluster) Init(_ context.Context, manager *model.ResourceSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.op("init"); err != nil {
		return err
	}
	if !contains(c.Managers, manager.Id) {
		c.Managers = append(c.Managers, manager.Id)
	}
	return nil
}

func (c *Cluster) Join(_ context.Context, manager, node *model.ResourceSpec, asManager bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.op("join"); err != nil {
		return err
	}
	if !contains(c.Managers, manager.Id) {
		return errors.Errorf("swarm not initialized on %d", manager.Id)
	}
	if asManager {
		if !contains(c.Managers, node.Id) {
			c.Managers = append(c.Managers, node.Id)
		}
	} else if !contains(c.Workers, node.Id) {
		c.Workers = append(c.Workers, node.Id)
	}
	return nil
}

func (c *Cluster) RegisterSecret(_ context.Context, name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.op("secret"); err != nil {
		return err
	}
	c.Secrets[name] = append([]byte(nil), data...)
	return nil
}

func (c *Cluster) DeployStack(_ context.Context, name, composePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.op("deploy"); err != nil {
		return err
	}
	c.Stacks[name] = composePath
	return nil
}

func (c *Cluster) Status(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.op("status"); err != nil {
		return "", err
	}
	return "managers: " + intsString(c.Managers) + " workers: " + intsString(c.Workers), nil
}

func intsString(ids []int) string {
	out := "["
	for i, id := range ids {
		if i > 0 {
			out += " "
		}
		out += strconv.Itoa(id)
	}
	return out + "]"
}

// CA issues real self-signed certificates so expiry inspection works end to end.
type CA struct {
	mu       sync.Mutex
	Now      func() time.Time
	issued   map[string]int
	failures map[string]error
	inFlight map[string]int
	overlap  bool
	Delay    time.Duration
}

func NewCA() *CA {
	return &CA{Now: time.Now, issued: map[string]int{}, failures: map[string]error{}, inFlight: map[string]int{}}
}

func (ca *CA) FailFor(commonName string, err error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.failures[commonName] = err
}

func (ca *CA) Issued(commonName string) int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.issued[commonName]
}

// Overlapped reports whether two requests for the same name were ever in flight at once.
func (ca *CA) Overlapped() bool {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.overlap
}

func (ca *CA) Issue(ctx context.Context, req agent.IssueRequest) (*agent.Bundle, error) {
	ca.mu.Lock()
	if err := ca.failures[req.CommonName]; err != nil {
		ca.mu.Unlock()
		return nil, err
	}
	ca.inFlight[req.CommonName]++
	if ca.inFlight[req.CommonName] > 1 {
		ca.overlap = true
	}
	now := ca.Now()
	ca.mu.Unlock()

	defer func() {
		ca.mu.Lock()
		ca.inFlight[req.CommonName]--
		ca.mu.Unlock()
	}()

	if ca.Delay > 0 {
		select {
		case <-time.After(ca.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	bundle, err := SelfSigned(req, now)
	if err != nil {
		return nil, err
	}
	ca.mu.Lock()
	ca.issued[req.CommonName]++
	ca.mu.Unlock()
	return bundle, nil
}

// SelfSigned creates a certificate valid from now for req.Validity.
func SelfSigned(req agent.IssueRequest, now time.Time) (*agent.Bundle, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to generate key")
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, errors.Wrap(err, "unable to generate serial")
	}
	validity := req.Validity
	if validity <= 0 {
		validity = 24 * time.Hour
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: req.CommonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, san := range req.SubjectAltNames {
		if ip := net.ParseIP(san); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, san)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "unable to sign certificate")
	}
	keyDer, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode key")
	}
	return &agent.Bundle{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer}),
	}, nil
}

// Probes fails a named check a configured number of times; -1 fails forever.
type Probes struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func NewProbes() *Probes {
	return &Probes{failures: map[string]int{}, calls: map[string]int{}}
}

func (p *Probes) FailTimes(check string, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[check] = times
}

func (p *Probes) Calls(check string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[check]
}

func (p *Probes) Probe(_ context.Context, spec *model.ResourceSpec, check model.HealthCheck) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[check.Name]++
	remaining := p.failures[check.Name]
	if remaining == 0 {
		return nil
	}
	if remaining > 0 {
		p.failures[check.Name] = remaining - 1
	}
	return agent.Transient(errors.Errorf("check [%s] on %s not passing", check.Name, spec.Label()))
}

// Runtime assembles fresh fakes into an agent.Runtime.
func Runtime() (*agent.Runtime, *Hypervisor, *Cluster, *CA, *Probes) {
	hv := NewHypervisor()
	cluster := NewCluster()
	ca := NewCA()
	probes := NewProbes()
	return &agent.Runtime{Hypervisor: hv, Cluster: cluster, CA: ca, Probes: probes}, hv, cluster, ca, probes
}
