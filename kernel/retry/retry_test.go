package retry

import (
	"context"
	"testing"
	"time"

	"github.com/chunga-ict/phoenix/kernel/agent"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "flaky", func() error {
		calls++
		if calls < 3 {
			return agent.Transient(errors.New("not yet"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("bad config")
	err := Do(context.Background(), fast, "broken", func() error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, boom))
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fast, "down", func() error {
		calls++
		return agent.Transient(errors.New("unreachable"))
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.True(t, agent.IsTransient(err))
}

func TestValue_ReturnsResult(t *testing.T) {
	v, err := Value(context.Background(), fast, "answer", func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Policy{}, "once", func() error {
		calls++
		return agent.Transient(errors.New("x"))
	})
	assert.Equal(t, 1, calls)
}

func TestPoll_SucceedsWhenConditionTurnsTrue(t *testing.T) {
	polls := 0
	err := Poll(context.Background(), fast, time.Second, "ready", func(context.Context) (bool, error) {
		polls++
		return polls >= 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, polls)
}

func TestPoll_TimesOut(t *testing.T) {
	err := Poll(context.Background(), fast, 30*time.Millisecond, "ready", func(context.Context) (bool, error) {
		return false, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestPoll_PermanentErrorStops(t *testing.T) {
	polls := 0
	boom := errors.New("no such container")
	err := Poll(context.Background(), fast, time.Second, "ready", func(context.Context) (bool, error) {
		polls++
		return false, boom
	})
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, polls)
}
