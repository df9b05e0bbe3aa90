package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p := NewPolicy(time.Millisecond, 2, 5)

	calls := 0
	attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	p := NewPolicy(time.Millisecond, 2, 3)

	sentinel := errors.New("still failing")
	attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
		return sentinel
	})

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, attempts)
}

func TestDoZeroValuePolicyRunsOnce(t *testing.T) {
	var p Policy

	sentinel := errors.New("still failing")
	attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
		return sentinel
	})

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestDoStopsImmediatelyOnPermanentError(t *testing.T) {
	p := NewPolicy(time.Millisecond, 2, 5)

	sentinel := errors.New("bad destination")
	attempts, err := p.Do(context.Background(), func(ctx context.Context) error {
		return Permanent(sentinel)
	})

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	p := NewPolicy(50*time.Millisecond, 2, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := p.Do(ctx, func(ctx context.Context) error {
		return errors.New("transient")
	})
	require.Error(t, err)
}
