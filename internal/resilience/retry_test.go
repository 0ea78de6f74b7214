package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return MarkTransient(eris.New("receiver flaking"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := eris.New("bad payload")
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		calls++
		return MarkTransient(eris.New("still down"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "still down")
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fastPolicy().Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return MarkTransient(eris.New("down"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroPolicyGetsDefaults(t *testing.T) {
	calls := 0
	err := Policy{InitialBackoff: time.Millisecond}.Do(context.Background(), func(context.Context) error {
		calls++
		return MarkTransient(eris.New("down"))
	})
	require.Error(t, err)
	assert.Equal(t, DefaultPolicy().MaxAttempts, calls)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(eris.New("plain")))
	assert.True(t, IsTransient(MarkTransient(eris.New("wrapped"))))
	assert.True(t, IsTransient(eris.Wrap(MarkTransient(eris.New("deep")), "outer")))
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, RetryableStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 201, 400, 401, 404, 409} {
		assert.False(t, RetryableStatus(code), "status %d", code)
	}
}

func TestBackoff_CapsAtMax(t *testing.T) {
	p := Policy{
		MaxAttempts:    10,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2.0,
	}.withDefaults()

	assert.LessOrEqual(t, p.backoff(20), 4*time.Millisecond)
}
