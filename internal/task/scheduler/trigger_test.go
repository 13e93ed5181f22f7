package scheduler

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTrigger(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		in    string
		every time.Duration
		next  time.Time
		err   bool
	}{
		{in: "30s", every: 30 * time.Second, next: base.Add(30 * time.Second)},
		{in: "@every 1m", every: time.Minute, next: base.Add(time.Minute)},
		{in: "every:2m", every: 2 * time.Minute, next: base.Add(2 * time.Minute)},
		{in: "*/5 * * * *", next: base.Add(5 * time.Minute)},
		{in: "cron:@hourly", next: base.Add(time.Hour)},
		{in: "0 30 10 * * *", next: base.Add(30 * time.Minute)},
		{in: "", err: true},
		{in: "500ms", err: true},
		{in: "soon", err: true},
		{in: "cron:", err: true},
		{in: "61 * * * *", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			sched, every, err := parseTrigger(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.every, every)
			assert.Equal(t, tc.next, sched.Next(base))
		})
	}
}

func TestStartupSpread(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)
	base := cron.Every(time.Hour)
	for i := 0; i < 50; i++ {
		sched, offset := withStartupSpread(base, time.Hour, now, "tick")
		require.GreaterOrEqual(t, offset, time.Duration(0))
		require.Less(t, offset, maxStartupSpread)
		if offset == 0 {
			continue
		}

		first := sched.Next(now)
		assert.Equal(t, now.Add(offset), first)
		// After the first tick the base cadence applies, on whole seconds.
		assert.Equal(t, first.Add(time.Hour).Truncate(time.Second), sched.Next(first))
	}

	sched, offset := withStartupSpread(base, 0, now, "tick")
	assert.Zero(t, offset)
	assert.Equal(t, base, sched)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Validate(Config{}))
	require.NoError(t, Validate(Config{Trigger: "*/5 * * * *", Timezone: "Europe/Prague"}))
	require.Error(t, Validate(Config{Trigger: "500ms"}))
	require.Error(t, Validate(Config{Timezone: "Mars/Olympus"}))
}
