// Package certs keeps the manifest's certificates issued, renewed ahead of expiry and
// distributed to their consumers.
package certs

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/chunga-ict/phoenix/kernel/agent"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/chunga-ict/phoenix/kernel/retry"
	"github.com/chunga-ict/phoenix/kernel/store"
	"github.com/michaelquigley/pfxlog"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	CertFile         = "tls.crt"
	KeyFile          = "tls.key"
	StagedSuffix     = ".staged"
	DistributionFile = "distribution.json"
)

type Decision string

const (
	DecisionMissing    Decision = "missing"
	DecisionUnreadable Decision = "unreadable"
	DecisionExpiring   Decision = "expiring"
	DecisionForced     Decision = "forced"
	DecisionCurrent    Decision = "current"
)

// NeedsIssue reports whether the decision calls for a new certificate.
func (d Decision) NeedsIssue() bool {
	return d != DecisionCurrent
}

type Status struct {
	CommonName  string    `json:"commonName"`
	Decision    Decision  `json:"decision"`
	NotAfter    time.Time `json:"notAfter,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

type Action string

const (
	ActionRenewed     Action = "renewed"
	ActionCurrent     Action = "current"
	ActionDistributed Action = "distributed"
	ActionNotReady    Action = "not-ready"
	ActionFailed      Action = "failed"
)

type Result struct {
	CommonName string `json:"commonName"`
	Consumer   int    `json:"consumer,omitempty"`
	Action     Action `json:"action"`
	Detail     string `json:"detail,omitempty"`
}

// Report collects per-certificate results. One certificate failing never stops the
// others.
type Report struct {
	mu      sync.Mutex
	Results []Result `json:"results"`
}

func (r *Report) add(result Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, result)
}

func (r *Report) sort() {
	sort.SliceStable(r.Results, func(i, j int) bool {
		if r.Results[i].CommonName != r.Results[j].CommonName {
			return r.Results[i].CommonName < r.Results[j].CommonName
		}
		return r.Results[i].Consumer < r.Results[j].Consumer
	})
}

func (r *Report) Count(a Action) int {
	n := 0
	for _, result := range r.Results {
		if result.Action == a {
			n++
		}
	}
	return n
}

// Err aggregates the failed results, or returns nil.
func (r *Report) Err() error {
	var errs model.MultipleErrors
	for _, result := range r.Results {
		if result.Action != ActionFailed {
			continue
		}
		if result.Consumer != 0 {
			errs = append(errs, errors.Errorf("[%s] on %d: %s", result.CommonName, result.Consumer, result.Detail))
		} else {
			errs = append(errs, errors.Errorf("[%s]: %s", result.CommonName, result.Detail))
		}
	}
	return errs.ToError()
}

// Degraded reports whether anything failed or was left for a later run.
func (r *Report) Degraded() bool {
	return r.Count(ActionFailed) > 0 || r.Count(ActionNotReady) > 0
}

// ReadyFunc reports whether a consumer resource can receive files.
type ReadyFunc func(id int) bool

type Manager struct {
	mf          *model.Manifest
	dir         string
	hv          agent.Hypervisor
	ca          agent.CertificateAuthority
	cluster     agent.Cluster
	renewBefore time.Duration
	parallelism int
	policy      retry.Policy
	locks       cmap.ConcurrentMap[string, *sync.Mutex]
	now         func() time.Time
}

func NewManager(mf *model.Manifest, rt *agent.Runtime, cfg *model.Config) *Manager {
	return &Manager{
		mf:          mf,
		dir:         mf.Dir,
		hv:          rt.Hypervisor,
		ca:          rt.CA,
		cluster:     rt.Cluster,
		renewBefore: cfg.RenewBefore,
		parallelism: cfg.Parallelism,
		policy:      retry.FromConfig(cfg.Retry),
		locks:       cmap.New[*sync.Mutex](),
		now:         time.Now,
	}
}

// WithClock replaces the time source used for expiry decisions.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) path(desc *model.CertificateDescriptor, file string) string {
	dir := desc.IssuancePath
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(m.dir, dir)
	}
	return filepath.Join(dir, file)
}

// lock returns the mutex serializing renewals of one common name.
func (m *Manager) lock(commonName string) *sync.Mutex {
	return m.locks.Upsert(commonName, nil, func(exist bool, inMap, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return inMap
		}
		return &sync.Mutex{}
	})
}

// Inspect decides, per certificate, whether it has to be issued.
func (m *Manager) Inspect(force bool) []*Status {
	var statuses []*Status
	for _, desc := range m.mf.Certificates {
		statuses = append(statuses, m.inspect(desc, force))
	}
	return statuses
}

func (m *Manager) inspect(desc *model.CertificateDescriptor, force bool) *Status {
	status := &Status{CommonName: desc.CommonName}
	cert, err := m.load(desc)
	switch {
	case os.IsNotExist(errors.Cause(err)):
		status.Decision = DecisionMissing
		return status
	case err != nil:
		status.Decision = DecisionUnreadable
		status.Detail = err.Error()
		return status
	}
	status.NotAfter = cert.Leaf.NotAfter
	status.Fingerprint = fingerprint(cert.Leaf)
	switch {
	case force:
		status.Decision = DecisionForced
	case !m.now().Add(m.threshold(desc)).Before(cert.Leaf.NotAfter):
		status.Decision = DecisionExpiring
	default:
		status.Decision = DecisionCurrent
	}
	return status
}

// threshold caps the renewal window at half the validity, so short-lived certificates
// are not renewed on every run.
func (m *Manager) threshold(desc *model.CertificateDescriptor) time.Duration {
	if half := desc.Validity.Std() / 2; half > 0 && half < m.renewBefore {
		return half
	}
	return m.renewBefore
}

func (m *Manager) load(desc *model.CertificateDescriptor) (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(m.path(desc, CertFile))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(m.path(desc, KeyFile))
	if err != nil {
		return nil, errors.Wrap(err, "certificate has no key")
	}
	return parsePair(certPEM, keyPEM)
}

func parsePair(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "invalid certificate pair")
	}
	if pair.Leaf == nil {
		block, _ := pem.Decode(certPEM)
		if block == nil {
			return nil, errors.New("certificate is not PEM encoded")
		}
		if pair.Leaf, err = x509.ParseCertificate(block.Bytes); err != nil {
			return nil, errors.Wrap(err, "unable to parse certificate")
		}
	}
	return &pair, nil
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Issue renews every certificate that needs it, concurrently across common names and
// never twice at once for the same name.
func (m *Manager) Issue(ctx context.Context, force bool) *Report {
	report := &Report{}
	eg := new(errgroup.Group)
	eg.SetLimit(max(m.parallelism, 1))
	for _, desc := range m.mf.Certificates {
		eg.Go(func() error {
			report.add(m.renew(ctx, desc, force))
			return nil
		})
	}
	_ = eg.Wait()
	report.sort()
	return report
}

func (m *Manager) renew(ctx context.Context, desc *model.CertificateDescriptor, force bool) Result {
	log := pfxlog.Logger().WithField("certificate", desc.CommonName)
	mu := m.lock(desc.CommonName)
	mu.Lock()
	defer mu.Unlock()

	status := m.inspect(desc, force)
	if !status.Decision.NeedsIssue() {
		log.Debugf("current until %s", status.NotAfter.Format(time.RFC3339))
		return Result{CommonName: desc.CommonName, Action: ActionCurrent, Detail: "expires " + status.NotAfter.Format(time.RFC3339)}
	}
	log.Infof("issuing (%s)", status.Decision)

	bundle, err := retry.Value(ctx, m.policy, "issue "+desc.CommonName, func() (*agent.Bundle, error) {
		return m.ca.Issue(ctx, agent.IssueRequest{
			CommonName:      desc.CommonName,
			SubjectAltNames: desc.SubjectAltNames,
			Validity:        desc.Validity.Std(),
		})
	})
	if err == nil {
		_, err = parsePair(bundle.CertPEM, bundle.KeyPEM)
	}
	if err == nil {
		err = installPair(m.path(desc, KeyFile), bundle.KeyPEM, m.path(desc, CertFile), bundle.CertPEM)
	}
	if err != nil {
		log.WithError(err).Error("issuance failed")
		return Result{CommonName: desc.CommonName, Action: ActionFailed, Detail: err.Error()}
	}
	return Result{CommonName: desc.CommonName, Action: ActionRenewed, Detail: string(status.Decision)}
}

// installPair stages both files next to their targets and only then swaps them in, so
// the previous pair survives any failed write. A failed second swap restores the old key.
func installPair(keyPath string, keyPEM []byte, certPath string, certPEM []byte) error {
	stagedKey, stagedCert := keyPath+StagedSuffix, certPath+StagedSuffix
	defer func() {
		_ = os.Remove(stagedKey)
		_ = os.Remove(stagedCert)
	}()
	if err := store.WriteFileAtomic(stagedKey, keyPEM, 0600); err != nil {
		return err
	}
	if err := store.WriteFileAtomic(stagedCert, certPEM, 0644); err != nil {
		return err
	}

	previousKey, err := os.ReadFile(keyPath)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unable to read [%s]", keyPath)
	}
	hadKey := err == nil
	if err := os.Rename(stagedKey, keyPath); err != nil {
		return errors.Wrapf(err, "unable to replace [%s]", keyPath)
	}
	if err := os.Rename(stagedCert, certPath); err != nil {
		if hadKey {
			_ = store.WriteFileAtomic(keyPath, previousKey, 0600)
		} else {
			_ = os.Remove(keyPath)
		}
		return errors.Wrapf(err, "unable to replace [%s]", certPath)
	}
	return nil
}
