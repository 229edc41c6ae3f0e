package agent

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

const swarmPort = 2377

// Swarm manages a Docker Swarm by running docker commands inside the manager
// resources through the hypervisor.
type Swarm struct {
	hv      Hypervisor
	manager *model.ResourceSpec
}

// NewSwarm binds the cluster to its lead manager; manager may be nil when the manifest
// declares no cluster.
func NewSwarm(hv Hypervisor, manager *model.ResourceSpec) *Swarm {
	return &Swarm{hv: hv, manager: manager}
}

func (s *Swarm) lead() (*model.ResourceSpec, error) {
	if s.manager == nil {
		return nil, errors.New("no cluster manager declared")
	}
	return s.manager, nil
}

func (s *Swarm) nodeState(ctx context.Context, node *model.ResourceSpec) (string, error) {
	out, err := s.hv.Exec(ctx, node, "docker info --format '{{.Swarm.LocalNodeState}}'")
	if err != nil {
		return "", errors.Wrapf(err, "unable to read swarm state of %s", node.Label())
	}
	return strings.TrimSpace(out), nil
}

func (s *Swarm) Init(ctx context.Context, manager *model.ResourceSpec) error {
	state, err := s.nodeState(ctx, manager)
	if err != nil {
		return err
	}
	if state == "active" {
		pfxlog.Logger().Debugf("%s already leads a swarm", manager.Label())
		return nil
	}
	cmd := "docker swarm init"
	if manager.Address != "" {
		cmd += " --advertise-addr " + manager.Address
	}
	_, err = s.hv.Exec(ctx, manager, cmd)
	return errors.Wrapf(err, "unable to initialize swarm on %s", manager.Label())
}

func (s *Swarm) Join(ctx context.Context, manager, node *model.ResourceSpec, asManager bool) error {
	state, err := s.nodeState(ctx, node)
	if err != nil {
		return err
	}
	if state == "active" {
		return nil
	}
	if manager.Address == "" {
		return errors.Errorf("manager %s has no address to join", manager.Label())
	}
	role := "worker"
	if asManager {
		role = "manager"
	}
	token, err := s.hv.Exec(ctx, manager, "docker swarm join-token -q "+role)
	if err != nil {
		return errors.Wrapf(err, "unable to fetch %s join token", role)
	}
	cmd := fmt.Sprintf("docker swarm join --token %s %s:%d", strings.TrimSpace(token), manager.Address, swarmPort)
	_, err = s.hv.Exec(ctx, node, cmd)
	return errors.Wrapf(err, "unable to join %s to the swarm as %s", node.Label(), role)
}

// SecretName derives the versioned name a payload is registered under. Swarm secrets
// are immutable, so new content always lands under a new name.
func SecretName(name string, data []byte) string {
	sum := sha256.Sum256(data)
	return name + "-" + hex.EncodeToString(sum[:])[:12]
}

func (s *Swarm) RegisterSecret(ctx context.Context, name string, data []byte) error {
	manager, err := s.lead()
	if err != nil {
		return err
	}
	versioned := SecretName(name, data)
	if _, err := s.hv.Exec(ctx, manager, "docker secret inspect "+ShellQuote(versioned)); err == nil {
		return nil
	}
	cmd := fmt.Sprintf("echo %s | base64 -d | docker secret create --label phoenix.secret=%s %s -",
		base64.StdEncoding.EncodeToString(data), ShellQuote(name), ShellQuote(versioned))
	_, err = s.hv.Exec(ctx, manager, cmd)
	return errors.Wrapf(err, "unable to register secret [%s]", versioned)
}

func (s *Swarm) DeployStack(ctx context.Context, name, composePath string) error {
	manager, err := s.lead()
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("docker stack deploy --with-registry-auth -c %s %s", ShellQuote(composePath), ShellQuote(name))
	_, err = s.hv.Exec(ctx, manager, cmd)
	return errors.Wrapf(err, "unable to deploy stack [%s]", name)
}

func (s *Swarm) Status(ctx context.Context) (string, error) {
	manager, err := s.lead()
	if err != nil {
		return "", err
	}
	nodes, err := s.hv.Exec(ctx, manager, "docker node ls")
	if err != nil {
		return "", errors.Wrap(err, "unable to list swarm nodes")
	}
	services, err := s.hv.Exec(ctx, manager, "docker service ls")
	if err != nil {
		return "", errors.Wrap(err, "unable to list swarm services")
	}
	return nodes + "\n" + services, nil
}
