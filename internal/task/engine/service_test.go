package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casewatch/internal/eventbus"
	logx "casewatch/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := New(Config{Workers: 2}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "poll:t1", Run: func(ctx context.Context) error {
		close(done)
		return nil
	}}))
	<-done

	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Snapshot().History[0].Error)

	var types []string
	for len(types) < 2 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, []string{"task.started", "task.finished"}, types)
}

func TestOverlapIsSkippedUntilRunReturns(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{Name: "poll:t1", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	require.NoError(t, s.Enqueue(task))
	<-started

	require.ErrorIs(t, s.Enqueue(task), ErrOverlapSkip)
	assert.True(t, s.Busy("poll:t1"))
	close(release)

	require.Eventually(t, func() bool { return !s.Busy("poll:t1") }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Enqueue(Task{Name: "poll:t1", Run: func(context.Context) error { return nil }}))
}

func TestNoConcurrentRunsPerState(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 8})
	st := &RunState{}
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := s.Enqueue(Task{Name: "poll:shared", State: st, Run: func(ctx context.Context) error {
			defer wg.Done()
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			return nil
		}})
		if err != nil {
			wg.Done()
			require.ErrorIs(t, err, ErrOverlapSkip)
		}
		time.Sleep(200 * time.Microsecond)
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestConcurrencyGroupCapsParallelism(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 6})
	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		require.NoError(t, s.Enqueue(Task{
			Name:       "poll:" + string(rune('a'+i)),
			GroupKey:   "CZ",
			GroupLimit: 2,
			Run: func(ctx context.Context) error {
				defer wg.Done()
				n := running.Add(1)
				for {
					m := maxRunning.Load()
					if n <= m || maxRunning.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(2))
	assert.Equal(t, int32(2), maxRunning.Load())
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	require.NoError(t, s.Enqueue(Task{Name: "bad", Run: func(context.Context) error { panic("boom") }}))

	done := make(chan struct{})
	require.Eventually(t, func() bool {
		return s.Enqueue(Task{Name: "good", Run: func(context.Context) error {
			close(done)
			return nil
		}}) == nil
	}, time.Second, 5*time.Millisecond)
	<-done

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.Panics)
	require.NotEmpty(t, snap.History)
	assert.Contains(t, snap.History[0].Error, "panic: boom")
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "a", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}))
	require.ErrorIs(t, s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }}), ErrQueueFull)
	assert.False(t, s.Busy("c"))
	assert.Equal(t, uint64(1), s.Snapshot().DroppedQueueFull)
}

func TestDrainWaitsForInFlight(t *testing.T) {
	t.Parallel()

	s := New(Config{Workers: 2}, logx.Nop(), nil)
	s.Start(context.Background())

	var finished atomic.Bool
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-time.After(50 * time.Millisecond):
			finished.Store(true)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}))
	<-started

	require.NoError(t, s.Drain(context.Background(), 2*time.Second))
	assert.True(t, finished.Load())
	assert.False(t, s.Running())
	require.ErrorIs(t, s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestDrainGraceCancelsWork(t *testing.T) {
	t.Parallel()

	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, s.Enqueue(Task{Name: "stuck", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}}))
	<-started

	err := s.Drain(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrDrainTimeout)
	assert.True(t, cancelled.Load())
	assert.False(t, s.Busy("stuck"))
}

func TestEnqueueWhileDrainingIsRejected(t *testing.T) {
	t.Parallel()

	s := New(Config{Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "hold", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	drained := make(chan error, 1)
	go func() { drained <- s.Drain(context.Background(), time.Second) }()

	require.Eventually(t, func() bool { return s.Snapshot().Draining }, time.Second, time.Millisecond)
	require.ErrorIs(t, s.Enqueue(Task{Name: "new", Run: func(context.Context) error { return nil }}), ErrDraining)
	close(release)
	require.NoError(t, <-drained)
}

func TestStopDiscardsQueued(t *testing.T) {
	t.Parallel()

	s := New(Config{Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "a", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return errors.New("must not run") }}))

	s.Stop(context.Background())
	assert.False(t, s.Busy("b"))
	var discarded bool
	for _, h := range s.Snapshot().History {
		if h.Name == "b" {
			discarded = h.Error == "engine_stopped"
		}
	}
	assert.True(t, discarded)
}
