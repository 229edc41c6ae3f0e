package certs

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"strconv"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/chunga-ict/phoenix/kernel/retry"
	"github.com/chunga-ict/phoenix/kernel/store"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// distribution remembers which fingerprint each consumer last received, so a rerun
// skips consumers that are current and picks up where an interrupted run stopped.
type distribution struct {
	Consumers map[string]string `json:"consumers,omitempty"`
	Secret    string            `json:"secret,omitempty"`
}

func (m *Manager) loadDistribution(desc *model.CertificateDescriptor) (*distribution, error) {
	d := &distribution{Consumers: map[string]string{}}
	data, err := os.ReadFile(m.path(desc, DistributionFile))
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to read distribution record")
	}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, errors.Wrap(err, "unable to parse distribution record")
	}
	if d.Consumers == nil {
		d.Consumers = map[string]string{}
	}
	return d, nil
}

func (m *Manager) saveDistribution(desc *model.CertificateDescriptor, d *distribution) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(m.path(desc, DistributionFile), data, 0644)
}

// Distribute pushes every issued certificate to its consumers and runs the
// post-issuance action. Consumers that are not ready are reported and left for a
// later run.
func (m *Manager) Distribute(ctx context.Context, ready ReadyFunc) *Report {
	report := &Report{}
	eg := new(errgroup.Group)
	eg.SetLimit(max(m.parallelism, 1))
	for _, desc := range m.mf.Certificates {
		eg.Go(func() error {
			mu := m.lock(desc.CommonName)
			mu.Lock()
			defer mu.Unlock()
			m.distribute(ctx, desc, ready, report)
			return nil
		})
	}
	_ = eg.Wait()
	report.sort()
	return report
}

func (m *Manager) distribute(ctx context.Context, desc *model.CertificateDescriptor, ready ReadyFunc, report *Report) {
	log := pfxlog.Logger().WithField("certificate", desc.CommonName)
	fail := func(consumer int, err error) {
		log.WithError(err).Error("distribution failed")
		report.add(Result{CommonName: desc.CommonName, Consumer: consumer, Action: ActionFailed, Detail: err.Error()})
	}

	certPEM, err := os.ReadFile(m.path(desc, CertFile))
	if err != nil {
		fail(0, errors.Wrap(err, "no issued certificate"))
		return
	}
	keyPEM, err := os.ReadFile(m.path(desc, KeyFile))
	if err != nil {
		fail(0, errors.Wrap(err, "no issued key"))
		return
	}
	pair, err := parsePair(certPEM, keyPEM)
	if err != nil {
		fail(0, err)
		return
	}
	fp := fingerprint(pair.Leaf)

	record, err := m.loadDistribution(desc)
	if err != nil {
		fail(0, err)
		return
	}

	for _, id := range desc.Consumers {
		key := strconv.Itoa(id)
		if record.Consumers[key] == fp {
			report.add(Result{CommonName: desc.CommonName, Consumer: id, Action: ActionCurrent})
			continue
		}
		consumer, found := m.mf.Resource(id)
		if !found {
			fail(id, errors.Errorf("consumer %d is not declared", id))
			continue
		}
		if ready != nil && !ready(id) {
			log.Warnf("%s not ready; deferring", consumer.Label())
			report.add(Result{CommonName: desc.CommonName, Consumer: id, Action: ActionNotReady})
			continue
		}
		if err := m.deliver(ctx, desc, consumer, certPEM, keyPEM); err != nil {
			fail(id, err)
			continue
		}
		record.Consumers[key] = fp
		if err := m.saveDistribution(desc, record); err != nil {
			fail(id, err)
			continue
		}
		log.Infof("distributed to %s", consumer.Label())
		report.add(Result{CommonName: desc.CommonName, Consumer: id, Action: ActionDistributed})
	}

	if desc.PostIssuance.NeedsCluster() && record.Secret != fp {
		name := desc.PostIssuance.SecretName
		err := retry.Do(ctx, m.policy, "secret "+name, func() error {
			if err := m.cluster.RegisterSecret(ctx, name+"_crt", certPEM); err != nil {
				return err
			}
			return m.cluster.RegisterSecret(ctx, name+"_key", keyPEM)
		})
		if err == nil {
			record.Secret = fp
			err = m.saveDistribution(desc, record)
		}
		if err != nil {
			fail(0, errors.Wrapf(err, "cluster secret [%s]", name))
			return
		}
		log.Infof("registered cluster secret [%s]", name)
		report.add(Result{CommonName: desc.CommonName, Action: ActionDistributed, Detail: "secret " + name})
	}
}

// deliver pushes the pair to one consumer and runs its exec post-issuance action.
func (m *Manager) deliver(ctx context.Context, desc *model.CertificateDescriptor, consumer *model.ResourceSpec, certPEM, keyPEM []byte) error {
	err := retry.Do(ctx, m.policy, "push "+desc.CommonName, func() error {
		if err := m.hv.PushFile(ctx, consumer, path.Join(desc.ConsumerPath, CertFile), certPEM, 0644); err != nil {
			return err
		}
		return m.hv.PushFile(ctx, consumer, path.Join(desc.ConsumerPath, KeyFile), keyPEM, 0600)
	})
	if err != nil {
		return err
	}
	if desc.PostIssuance != nil && desc.PostIssuance.Type == model.PostIssuanceExec {
		if _, err := m.hv.Exec(ctx, consumer, desc.PostIssuance.Command); err != nil {
			return errors.Wrap(err, "post-issuance action failed")
		}
	}
	return nil
}
