package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct{ delays []time.Duration }

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestPolicyDelay(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, Base: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	tests := []struct {
		failed int
		want   time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.failed, nil), "failed=%d", tt.failed)
	}
}

func TestDoRetriesUntilExhausted(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	boom := errors.New("upstream 503")
	calls := 0
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 3, Base: time.Second, Multiplier: 2}, func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		return boom
	}, Options{Sleep: rec.sleep})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	perm := errors.New("bad page")
	rec := &recorder{}
	attempts, err := Do(context.Background(), Default(), func(ctx context.Context, attempt int) error {
		return NoRetry(perm)
	}, Options{Sleep: rec.sleep})
	require.ErrorIs(t, err, perm)
	assert.False(t, IsNoRetry(err), "NoRetry wrapper should be stripped")
	assert.Equal(t, 1, attempts)
	assert.Empty(t, rec.delays)

	classified := errors.New("classified permanent")
	attempts, err = Do(context.Background(), Default(), func(ctx context.Context, attempt int) error {
		return classified
	}, Options{Sleep: rec.sleep, Retryable: func(error) bool { return false }})
	require.ErrorIs(t, err, classified)
	assert.Equal(t, 1, attempts)
}

func TestDoHonoursRetryAfter(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	n := 0
	attempts, err := Do(context.Background(), Policy{MaxAttempts: 3, MaxDelay: 10 * time.Second}, func(ctx context.Context, attempt int) error {
		n++
		if n == 1 {
			return RetryAfter(errors.New("429"), 7*time.Second)
		}
		return nil
	}, Options{Sleep: rec.sleep})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{7 * time.Second}, rec.delays)
}

func TestDoCancelledDuringSleep(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := Do(ctx, Default(), func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("timeout")
	}, Options{Sleep: Sleep})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
