package agent

import (
	"context"
	"path"
	"strings"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/google/uuid"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// StepCA issues certificates by running the step CLI inside the certificate authority
// resource. Requests are rate limited so a mass renewal does not trip the CA's own
// limits.
type StepCA struct {
	hv           Hypervisor
	ca           *model.ResourceSpec
	provisioner  string
	passwordFile string
	limiter      *rate.Limiter
}

func NewStepCA(hv Hypervisor, ca *model.ResourceSpec, cfg model.CAConfig) *StepCA {
	return &StepCA{
		hv:           hv,
		ca:           ca,
		provisioner:  cfg.Provisioner,
		passwordFile: cfg.PasswordFile,
		limiter:      NewCALimiter(cfg.RatePerMinute),
	}
}

// NewCALimiter allows perMinute requests per minute with a burst of one.
func NewCALimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
}

func (s *StepCA) issueCommand(req IssueRequest, crt, key string) string {
	args := []string{"step", "ca", "certificate", ShellQuote(req.CommonName), crt, key,
		"--provisioner", ShellQuote(s.provisioner), "--force"}
	if s.passwordFile != "" {
		args = append(args, "--provisioner-password-file", ShellQuote(s.passwordFile))
	}
	if req.Validity > 0 {
		args = append(args, "--not-after", req.Validity.String())
	}
	for _, san := range req.SubjectAltNames {
		args = append(args, "--san", ShellQuote(san))
	}
	return strings.Join(args, " ")
}

func (s *StepCA) Issue(ctx context.Context, req IssueRequest) (*Bundle, error) {
	if s.ca == nil {
		return nil, errors.New("no certificate authority resource configured")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	dir := path.Join("/tmp", "phoenix-issue-"+uuid.NewString())
	crt := path.Join(dir, "tls.crt")
	key := path.Join(dir, "tls.key")
	defer func() {
		if _, err := s.hv.Exec(context.Background(), s.ca, "rm -rf "+dir); err != nil {
			pfxlog.Logger().WithError(err).Warnf("unable to clean [%s] on %s", dir, s.ca.Label())
		}
	}()

	if _, err := s.hv.Exec(ctx, s.ca, "mkdir -p -m 700 "+dir+" && "+s.issueCommand(req, crt, key)); err != nil {
		return nil, errors.Wrapf(err, "certificate authority refused [%s]", req.CommonName)
	}
	certPEM, err := s.hv.Exec(ctx, s.ca, "cat "+crt)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read issued certificate for [%s]", req.CommonName)
	}
	keyPEM, err := s.hv.Exec(ctx, s.ca, "cat "+key)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read issued key for [%s]", req.CommonName)
	}
	return &Bundle{CertPEM: []byte(certPEM), KeyPEM: []byte(keyPEM)}, nil
}
