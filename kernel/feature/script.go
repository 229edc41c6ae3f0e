package feature

import (
	"context"

	"github.com/chunga-ict/phoenix/kernel/agent"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

// ScriptInstaller runs a shell script inside the resource.
type ScriptInstaller struct {
	name   string
	script string
}

func Script(name, script string) *ScriptInstaller {
	return &ScriptInstaller{name: name, script: script}
}

func (s *ScriptInstaller) Name() string {
	return s.name
}

func (s *ScriptInstaller) Apply(ctx context.Context, hv agent.Hypervisor, spec *model.ResourceSpec) error {
	log := pfxlog.Logger().WithField("resource", spec.Id).WithField("feature", s.name)
	log.Info("applying feature")
	out, err := hv.Exec(ctx, spec, s.script)
	if err != nil {
		return errors.Wrapf(err, "feature [%s] failed on %s", s.name, spec.Label())
	}
	log.Debugf("feature output: %s", out)
	return nil
}

const baseSetupScript = `set -e
export DEBIAN_FRONTEND=noninteractive
apt-get update -q
apt-get install -y -q ca-certificates curl gnupg jq
timedatectl set-timezone UTC || true`

const clusterRuntimeScript = `set -e
if ! command -v docker >/dev/null 2>&1; then
  curl -fsSL https://get.docker.com | sh
fi
systemctl enable --now docker`

const caClientScript = `set -e
if ! command -v step >/dev/null 2>&1; then
  curl -fsSL -o /tmp/step-cli.deb https://dl.smallstep.com/cli/docs-cli-install/latest/step-cli_amd64.deb
  dpkg -i /tmp/step-cli.deb
  rm -f /tmp/step-cli.deb
fi
mkdir -p /usr/local/share/ca-certificates/phoenix`

const guestAgentScript = `set -e
export DEBIAN_FRONTEND=noninteractive
apt-get install -y -q qemu-guest-agent
systemctl enable --now qemu-guest-agent`

func init() {
	Register("base-setup", func() Installer { return Script("base-setup", baseSetupScript) })
	Register("cluster-runtime", func() Installer { return Script("cluster-runtime", clusterRuntimeScript) })
	Register("certificate-authority-client", func() Installer { return Script("certificate-authority-client", caClientScript) })
	Register("qemu-guest-agent", func() Installer { return Script("qemu-guest-agent", guestAgentScript) })
}
