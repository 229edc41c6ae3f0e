// Package retry runs operations with exponential backoff, retrying only failures the
// agent layer marked transient.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/chunga-ict/phoenix/kernel/agent"
	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func FromConfig(cfg model.RetryConfig) Policy {
	return Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

func (p Policy) attempts() uint {
	if p.MaxAttempts == 0 {
		return 1
	}
	return p.MaxAttempts
}

// Value runs op until it succeeds, returns a non-transient error, or the policy's
// attempts are used up. The last error is returned unwrapped.
func Value[T any](ctx context.Context, p Policy, name string, op func() (T, error)) (T, error) {
	log := pfxlog.Logger().WithField("operation", name)
	wrapped := func() (T, error) {
		result, err := op()
		if err != nil && !agent.IsTransient(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}
	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.attempts()),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).Debugf("retrying in %s", next)
		}),
	)
}

func Do(ctx context.Context, p Policy, name string, op func() error) error {
	_, err := Value(ctx, p, name, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

type notYet struct{}

func (notYet) Error() string { return "condition not met" }

// Poll evaluates cond with backoff until it returns true, a non-transient error, or
// timeout elapses. Attempt limits do not apply; only the timeout bounds the wait.
func Poll(ctx context.Context, p Policy, timeout time.Duration, name string, cond func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := cond(ctx)
		switch {
		case err != nil && !agent.IsTransient(err):
			return struct{}{}, backoff.Permanent(err)
		case err != nil:
			return struct{}{}, err
		case !ok:
			return struct{}{}, agent.Transient(notYet{})
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil && (agent.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)) {
		return errors.Wrapf(err, "%s: timed out after %s", name, timeout)
	}
	return err
}
