package agent

import (
	"bytes"
	"context"
	"os"
	"path"
	"sync"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/google/uuid"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Runner executes shell commands on, and uploads files to, a remote host.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
	Upload(ctx context.Context, path string, data []byte, mode os.FileMode) error
}

// SSHRunner is a Runner backed by a lazily dialed, shared SSH connection.
type SSHRunner struct {
	cfg    model.HostConfig
	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHRunner(cfg model.HostConfig) *SSHRunner {
	return &SSHRunner{cfg: cfg}
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(r.cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read ssh key [%s]", r.cfg.KeyFile)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse ssh key [%s]", r.cfg.KeyFile)
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if r.cfg.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(r.cfg.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to load known hosts [%s]", r.cfg.KnownHostsFile)
		}
	} else {
		pfxlog.Logger().Warnf("no known_hosts_file configured, host key of [%s] is not verified", r.cfg.Address)
	}
	return &ssh.ClientConfig{
		User:            r.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         r.cfg.DialTimeout,
	}, nil
}

func (r *SSHRunner) connect() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		return r.client, nil
	}
	cfg, err := r.clientConfig()
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", r.cfg.Address, cfg)
	if err != nil {
		return nil, Transient(errors.Wrapf(err, "unable to dial [%s]", r.cfg.Address))
	}
	r.client = client
	return client, nil
}

// drop forgets a connection that failed so the next call redials.
func (r *SSHRunner) drop(client *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == client {
		_ = r.client.Close()
		r.client = nil
	}
}

func (r *SSHRunner) Run(ctx context.Context, command string) (string, error) {
	client, err := r.connect()
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		r.drop(client)
		return "", Transient(errors.Wrap(err, "unable to open ssh session"))
	}
	defer func() { _ = session.Close() }()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	pfxlog.Logger().WithField("host", r.cfg.Address).Debugf("exec: %s", command)

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		return out.String(), ctx.Err()
	case err := <-done:
		if err == nil {
			return out.String(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), &CommandError{Command: command, Output: out.String(), Err: err}
		}
		r.drop(client)
		return out.String(), Transient(errors.Wrapf(err, "ssh command [%s] interrupted", command))
	}
}

// Upload writes data to a temporary file beside path and renames it into place.
func (r *SSHRunner) Upload(ctx context.Context, target string, data []byte, mode os.FileMode) error {
	client, err := r.connect()
	if err != nil {
		return err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		r.drop(client)
		return Transient(errors.Wrap(err, "unable to start sftp"))
	}
	defer func() { _ = sftpClient.Close() }()

	if err := sftpClient.MkdirAll(path.Dir(target)); err != nil {
		return errors.Wrapf(err, "unable to create [%s]", path.Dir(target))
	}
	tmp := path.Join(path.Dir(target), ".upload-"+uuid.NewString())
	f, err := sftpClient.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "unable to create [%s]", tmp)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = sftpClient.Remove(tmp)
		return Transient(errors.Wrapf(err, "unable to write [%s]", tmp))
	}
	if err := f.Close(); err != nil {
		_ = sftpClient.Remove(tmp)
		return errors.Wrapf(err, "unable to close [%s]", tmp)
	}
	if err := sftpClient.Chmod(tmp, mode); err != nil {
		_ = sftpClient.Remove(tmp)
		return errors.Wrapf(err, "unable to chmod [%s]", tmp)
	}
	if err := sftpClient.PosixRename(tmp, target); err != nil {
		_ = sftpClient.Remove(tmp)
		return errors.Wrapf(err, "unable to move [%s] into place", target)
	}
	return ctx.Err()
}

func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
