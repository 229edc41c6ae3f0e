package agent

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// transientError marks a failure worth retrying: transport timeouts, dropped
// connections, a probe that has not come up yet.
type transientError struct {
	cause error
}

func (e *transientError) Error() string {
	return "transient: " + e.cause.Error()
}

func (e *transientError) Unwrap() error {
	return e.cause
}

func (e *transientError) Cause() error {
	return e.cause
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{cause: err}
}

// IsTransient reports whether err (or anything it wraps) was marked transient or is a
// network timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// CommandError carries the output of a failed remote command.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	return errors.Wrapf(e.Err, "command [%s] failed: %s", e.Command, e.Output).Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
