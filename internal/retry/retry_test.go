package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), func() (int, error) {
		calls++
		return 42, nil
	}, Options{MaxRetries: 3, Delay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	var retries []int
	got, err := Do(context.Background(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, Options{
		MaxRetries: 5,
		Delay:      time.Millisecond,
		OnRetry:    func(_ error, attempt int) { retries = append(retries, attempt) },
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	lastErr := errors.New("still broken")
	_, err := Do(context.Background(), func() (int, error) {
		calls++
		return 0, lastErr
	}, Options{MaxRetries: 2, Delay: time.Millisecond})

	require.Error(t, err)
	assert.ErrorIs(t, err, lastErr)
	// First attempt plus two re-attempts
	assert.Equal(t, 3, calls)
}

func TestDoZeroRetriesRunsOnce(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), func() (int, error) {
		calls++
		return 0, errors.New("nope")
	}, Options{MaxRetries: 0, Delay: time.Millisecond})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, func() (int, error) {
		calls++
		cancel()
		return 0, errors.New("transient")
	}, Options{MaxRetries: 10, Delay: 10 * time.Millisecond})

	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestDoVoid(t *testing.T) {
	calls := 0
	err := DoVoid(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}, Options{MaxRetries: 3, Delay: time.Millisecond})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
