/*
	(c) Copyright NetFoundry Inc. Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package subcmd

import (
	"github.com/chunga-ict/phoenix/kernel/agent"
	"github.com/chunga-ict/phoenix/kernel/converge"
	"github.com/chunga-ict/phoenix/kernel/engine"
	"github.com/chunga-ict/phoenix/kernel/feature"
	"github.com/chunga-ict/phoenix/kernel/loader"
	"github.com/chunga-ict/phoenix/kernel/metrics"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/chunga-ict/phoenix/kernel/probe"
	"github.com/chunga-ict/phoenix/kernel/storage"
	"github.com/chunga-ict/phoenix/kernel/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// GlobalOptions are the flags every command shares.
type GlobalOptions struct {
	ConfigPath  string
	ManifestDir string
	Verbose     bool
}

func (g *GlobalOptions) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVarP(&g.ConfigPath, "config", "c", "", "path to config.yml (default ~/.phoenix/config.yml)")
	cmd.PersistentFlags().StringVarP(&g.ManifestDir, "manifest", "m", "", "manifest directory, overriding the config")
	cmd.PersistentFlags().BoolVarP(&g.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentPreRun = func(*cobra.Command, []string) {
		if g.Verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
	}
}

var globals = &GlobalOptions{}

var RootCmd = &cobra.Command{
	Use:          "phoenix",
	Short:        "Provision, certify and converge a Proxmox-hosted fleet",
	SilenceUsage: true,
}

func init() {
	globals.bind(RootCmd)
}

func Execute() error {
	return RootCmd.Execute()
}

func (g *GlobalOptions) config() (*model.Config, error) {
	var cfg *model.Config
	var err error
	if g.ConfigPath != "" {
		cfg, err = model.LoadConfig(g.ConfigPath)
	} else {
		cfg, err = model.GetConfig()
	}
	if err != nil {
		return nil, err
	}
	if g.ManifestDir != "" {
		cfg.ManifestDir = g.ManifestDir
	}
	return cfg, nil
}

// environment holds everything a command needs to act on the fleet. The hypervisor
// host is dialed lazily, so commands that only read state never connect.
type environment struct {
	cfg     *model.Config
	catalog *feature.Catalog
	mf      *model.Manifest
	store   *store.FileStore
	host    *agent.SSHRunner
	rt      *agent.Runtime
	shared  storage.Shared
	sink    metrics.Sink
}

func (g *GlobalOptions) environment() (*environment, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	catalog := feature.NewCatalog(cfg.FeatureScripts)
	mf, err := loader.LoadManifest(cfg.ManifestDir, catalog)
	if err != nil {
		return nil, err
	}
	shared, err := storage.New(cfg.SharedStorage)
	if err != nil {
		return nil, errors.Wrap(err, "unable to configure shared storage")
	}

	host := agent.NewSSHRunner(cfg.Host)
	hv := agent.NewProxmox(host)
	var manager *model.ResourceSpec
	if managers := mf.Topology.Cluster.Managers; len(managers) > 0 {
		manager, _ = mf.Resource(managers[0])
	}
	ca, _ := mf.Resource(cfg.CA.Resource)

	return &environment{
		cfg:     cfg,
		catalog: catalog,
		mf:      mf,
		store:   store.NewFileStore(cfg.StateDir),
		host:    host,
		rt: &agent.Runtime{
			Hypervisor: hv,
			Cluster:    agent.NewSwarm(hv, manager),
			CA:         agent.NewStepCA(hv, ca, cfg.CA),
			Probes:     probe.NewRunner(hv, cfg.ProbeScripts),
		},
		shared: shared,
		sink:   metrics.FromConfig(cfg.Metrics),
	}, nil
}

func (e *environment) provisioner() *engine.Provisioner {
	machine := engine.NewMachine(e.rt, e.catalog, e.store, e.cfg)
	return engine.NewProvisioner(machine, e.store, e.cfg.Parallelism)
}

func (e *environment) coordinator() *converge.Coordinator {
	return converge.NewCoordinator(e.mf, e.rt, e.store, e.shared, e.sink, e.cfg)
}

func (e *environment) Close() {
	e.sink.Close()
	if err := e.host.Close(); err != nil {
		logrus.WithError(err).Debug("closing host connection")
	}
}
