package certs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chunga-ict/phoenix/kernel/agent/agenttest"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	portainerCN = "portainer.phoenix.local"
	traefikCN   = "traefik.phoenix.local"
)

type fixture struct {
	hv      *agenttest.Hypervisor
	cluster *agenttest.Cluster
	ca      *agenttest.CA
	mgr     *Manager
	mf      *model.Manifest
	clock   time.Time
	mu      sync.Mutex
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	resources := []*model.ResourceSpec{
		{Id: 950, Name: "portainer", Kind: model.KindContainer},
		{Id: 951, Name: "portainer-agent", Kind: model.KindContainer},
	}
	certs := []*model.CertificateDescriptor{
		{
			CommonName:   portainerCN,
			Validity:     model.Duration(2160 * time.Hour),
			IssuancePath: "certs/portainer",
			Consumers:    []int{950, 951},
			ConsumerPath: "/etc/portainer/certs",
			PostIssuance: &model.PostIssuance{Type: model.PostIssuanceExec, Command: "docker restart portainer"},
		},
		{
			CommonName:   traefikCN,
			Validity:     model.Duration(2160 * time.Hour),
			IssuancePath: "certs/traefik",
			PostIssuance: &model.PostIssuance{Type: model.PostIssuanceClusterSecret, SecretName: "traefik-tls"},
		},
	}
	mf := model.NewManifest(resources, certs, nil)
	mf.Dir = t.TempDir()

	rt, hv, cluster, ca, _ := agenttest.Runtime()
	cfg := model.DefaultConfig()
	cfg.Retry = model.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	f := &fixture{hv: hv, cluster: cluster, ca: ca, mf: mf, clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ca.Now = f.now
	f.mgr = NewManager(mf, rt, cfg).WithClock(f.now)
	return f
}

func (f *fixture) certBytes(t *testing.T, dir string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.mf.Dir, dir, CertFile))
	require.NoError(t, err)
	return data
}

func decisions(statuses []*Status) map[string]Decision {
	out := map[string]Decision{}
	for _, s := range statuses {
		out[s.CommonName] = s.Decision
	}
	return out
}

func allReady(int) bool { return true }

func TestIssue_MissingThenCurrent(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, map[string]Decision{portainerCN: DecisionMissing, traefikCN: DecisionMissing}, decisions(f.mgr.Inspect(false)))

	report := f.mgr.Issue(context.Background(), false)
	require.NoError(t, report.Err())
	assert.Equal(t, 2, report.Count(ActionRenewed))
	assert.Equal(t, map[string]Decision{portainerCN: DecisionCurrent, traefikCN: DecisionCurrent}, decisions(f.mgr.Inspect(false)))

	report = f.mgr.Issue(context.Background(), false)
	assert.Equal(t, 2, report.Count(ActionCurrent))
	assert.Equal(t, 1, f.ca.Issued(portainerCN))

	info, err := os.Stat(filepath.Join(f.mf.Dir, "certs/portainer", KeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestIssue_ExpiringIsRenewedAndRedistributed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Issue(context.Background(), false).Err())
	require.NoError(t, f.mgr.Distribute(context.Background(), allReady).Err())
	first := f.certBytes(t, "certs/portainer")
	restarts := len(f.hv.CallsTo("exec"))

	f.advance(2160*time.Hour - 24*time.Hour)
	assert.Equal(t, DecisionExpiring, decisions(f.mgr.Inspect(false))[portainerCN])

	report := f.mgr.Issue(context.Background(), false)
	require.NoError(t, report.Err())
	assert.Equal(t, 2, f.ca.Issued(portainerCN))
	assert.NotEqual(t, first, f.certBytes(t, "certs/portainer"))

	report = f.mgr.Distribute(context.Background(), allReady)
	require.NoError(t, report.Err())
	assert.Equal(t, 3, report.Count(ActionDistributed))
	assert.Equal(t, restarts+2, len(f.hv.CallsTo("exec")))

	pushed, found := f.hv.File(950, "/etc/portainer/certs/tls.crt")
	require.True(t, found)
	assert.Equal(t, f.certBytes(t, "certs/portainer"), pushed)
}

func TestIssue_Force(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Issue(context.Background(), false).Err())

	assert.Equal(t, DecisionForced, decisions(f.mgr.Inspect(true))[traefikCN])
	report := f.mgr.Issue(context.Background(), true)
	assert.Equal(t, 2, report.Count(ActionRenewed))
	assert.Equal(t, 2, f.ca.Issued(traefikCN))
}

func TestIssue_FailureKeepsPreviousArtifact(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Issue(context.Background(), false).Err())
	before := f.certBytes(t, "certs/portainer")

	f.ca.FailFor(portainerCN, errors.New("provisioner password rejected"))
	report := f.mgr.Issue(context.Background(), true)

	require.Error(t, report.Err())
	assert.Equal(t, 1, report.Count(ActionFailed))
	assert.Equal(t, 1, report.Count(ActionRenewed))
	assert.Equal(t, before, f.certBytes(t, "certs/portainer"))
	assert.Equal(t, DecisionCurrent, decisions(f.mgr.Inspect(false))[portainerCN])
}

func TestIssue_TornWriteKeepsPreviousPair(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Issue(context.Background(), false).Err())
	dir := filepath.Join(f.mf.Dir, "certs/portainer")
	keyBefore, err := os.ReadFile(filepath.Join(dir, KeyFile))
	require.NoError(t, err)
	certBefore := f.certBytes(t, "certs/portainer")

	blocker := filepath.Join(dir, CertFile+StagedSuffix)
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "busy"), 0755))
	report := f.mgr.Issue(context.Background(), true)

	assert.Equal(t, 1, report.Count(ActionFailed))
	keyAfter, err := os.ReadFile(filepath.Join(dir, KeyFile))
	require.NoError(t, err)
	assert.Equal(t, keyBefore, keyAfter)
	assert.Equal(t, certBefore, f.certBytes(t, "certs/portainer"))
	assert.NoFileExists(t, filepath.Join(dir, KeyFile+StagedSuffix))
	assert.Equal(t, DecisionCurrent, decisions(f.mgr.Inspect(false))[portainerCN])
}

func TestIssue_UnreadableIsReissued(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Issue(context.Background(), false).Err())
	require.NoError(t, os.WriteFile(filepath.Join(f.mf.Dir, "certs/traefik", CertFile), []byte("garbage"), 0644))

	assert.Equal(t, DecisionUnreadable, decisions(f.mgr.Inspect(false))[traefikCN])
	report := f.mgr.Issue(context.Background(), false)
	assert.Equal(t, 1, report.Count(ActionRenewed))
	assert.Equal(t, DecisionCurrent, decisions(f.mgr.Inspect(false))[traefikCN])
}

func TestIssue_NoOverlapPerCommonName(t *testing.T) {
	f := newFixture(t)
	f.ca.Delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.mgr.Issue(context.Background(), true)
		}()
	}
	wg.Wait()

	assert.False(t, f.ca.Overlapped())
	assert.Equal(t, 3, f.ca.Issued(portainerCN))
}

func TestDistribute_SkipsNotReadyConsumers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Issue(context.Background(), false).Err())

	report := f.mgr.Distribute(context.Background(), func(id int) bool { return id != 951 })
	require.NoError(t, report.Err())
	assert.Equal(t, 1, report.Count(ActionNotReady))
	assert.True(t, report.Degraded())
	_, found := f.hv.File(951, "/etc/portainer/certs/tls.crt")
	assert.False(t, found)

	report = f.mgr.Distribute(context.Background(), allReady)
	assert.False(t, report.Degraded())
	assert.Equal(t, 1, report.Count(ActionDistributed))
	assert.Equal(t, 1, report.Count(ActionCurrent))
}

func TestDistribute_ResumesAfterInterruption(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Issue(context.Background(), false).Err())
	f.hv.FailOn("push", 951, errors.New("container stopped"))

	report := f.mgr.Distribute(context.Background(), allReady)
	require.Error(t, report.Err())

	f.hv.ClearFailures()
	f.hv.ResetCalls()
	report = f.mgr.Distribute(context.Background(), allReady)
	require.NoError(t, report.Err())

	for _, call := range f.hv.Calls() {
		assert.NotEqual(t, 950, call.Id, "current consumer revisited: %s", call)
	}
	restarts := f.hv.CallsTo("exec")
	require.Len(t, restarts, 1)
	assert.Equal(t, 951, restarts[0].Id)
	assert.Equal(t, "docker restart portainer", restarts[0].Detail)
}

func TestDistribute_ClusterSecret(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Issue(context.Background(), false).Err())

	require.NoError(t, f.mgr.Distribute(context.Background(), allReady).Err())
	assert.Equal(t, f.certBytes(t, "certs/traefik"), f.cluster.Secrets["traefik-tls_crt"])
	assert.Contains(t, f.cluster.Secrets, "traefik-tls_key")

	ops := len(f.cluster.Ops)
	require.NoError(t, f.mgr.Distribute(context.Background(), allReady).Err())
	assert.Len(t, f.cluster.Ops, ops)
}

func TestDistribute_NothingIssued(t *testing.T) {
	f := newFixture(t)
	report := f.mgr.Distribute(context.Background(), allReady)
	assert.Equal(t, 2, report.Count(ActionFailed))
	assert.Empty(t, f.hv.CallsTo("push"))
}
