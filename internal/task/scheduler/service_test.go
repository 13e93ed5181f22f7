package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casewatch/internal/core"
	"casewatch/internal/plugin"
	"casewatch/internal/poll"
	"casewatch/internal/storage"
	"casewatch/internal/task/engine"
	logx "casewatch/pkg/logx"
)

// A yearly cron trigger keeps the background loop out of the way; tests
// drive Tick directly.
const quietTrigger = "cron:0 0 1 1 *"

type fakePoller struct {
	mu       sync.Mutex
	calls    map[string]int
	running  map[string]int
	maxPer   int
	maxTotal int
	total    int

	release chan struct{}
}

func newFakePoller(block bool) *fakePoller {
	p := &fakePoller{calls: map[string]int{}, running: map[string]int{}}
	if block {
		p.release = make(chan struct{})
	}
	return p
}

func (p *fakePoller) Poll(ctx context.Context, id string, onPhase poll.PhaseFunc) (poll.Outcome, error) {
	p.mu.Lock()
	p.calls[id]++
	p.running[id]++
	p.total++
	if p.running[id] > p.maxPer {
		p.maxPer = p.running[id]
	}
	if p.total > p.maxTotal {
		p.maxTotal = p.total
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running[id]--
		p.total--
		p.mu.Unlock()
	}()

	if onPhase != nil {
		onPhase(id, poll.PhasePolling)
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return poll.Outcome{}, ctx.Err()
		}
	}
	return poll.Outcome{}, nil
}

func (p *fakePoller) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func (p *fakePoller) sum() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

type fixedLimits map[string]int

func (l fixedLimits) Limits(code string) plugin.Limits {
	return plugin.Limits{MaxConcurrent: l[code]}
}

var t0 = time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)

func tenant(id string, lastChecked time.Time) core.Tenant {
	return core.Tenant{
		ID:            id,
		OwnerID:       "u-" + id,
		Jurisdiction:  "CZ",
		QueryCode:     "PEKI2025" + id,
		Interval:      core.Interval1h,
		Active:        true,
		LastCheckedAt: lastChecked,
	}
}

func newTestScheduler(t *testing.T, p Poller, limits LimitSource, tenants ...core.Tenant) (*Service, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	for _, tn := range tenants {
		require.NoError(t, store.UpsertTenant(context.Background(), tn))
	}
	s := New(Config{Trigger: quietTrigger, DrainGrace: 2 * time.Second}, Deps{
		Tenants: store,
		Poller:  p,
		Limits:  limits,
		Engine:  engine.New(engine.Config{Workers: 4, QueueSize: 16}, logx.Nop(), nil),
	})
	s.now = func() time.Time { return t0 }
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Drain(context.Background())
	})
	return s, store
}

func TestTickPollsOnlyDueTenants(t *testing.T) {
	t.Parallel()

	p := newFakePoller(false)
	inactive := tenant("d", time.Time{})
	inactive.Active = false
	s, _ := newTestScheduler(t, p, nil,
		tenant("a", time.Time{}),
		tenant("b", t0.Add(-30*time.Minute)),
		tenant("c", t0.Add(-61*time.Minute)),
		inactive,
	)

	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Active)
	assert.Equal(t, 2, rep.Due)
	assert.Equal(t, 2, rep.Enqueued)

	require.Eventually(t, func() bool { return p.sum() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.count("a"))
	assert.Equal(t, 0, p.count("b"))
	assert.Equal(t, 1, p.count("c"))
	assert.Equal(t, 0, p.count("d"))
}

func TestTickRespectsIntervalBoundary(t *testing.T) {
	t.Parallel()

	p := newFakePoller(false)
	s, _ := newTestScheduler(t, p, nil, tenant("a", t0))

	s.now = func() time.Time { return t0.Add(59 * time.Minute) }
	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Due)

	s.now = func() time.Time { return t0.Add(time.Hour) }
	rep, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Enqueued)
	require.Eventually(t, func() bool { return p.count("a") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestTickSkipsTenantStillInFlight(t *testing.T) {
	t.Parallel()

	p := newFakePoller(true)
	s, _ := newTestScheduler(t, p, nil, tenant("a", time.Time{}))

	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Enqueued)
	require.Eventually(t, func() bool { return p.count("a") == 1 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		rep, err = s.Tick(context.Background())
		require.NoError(t, err)
		assert.Zero(t, rep.Enqueued)
		assert.Equal(t, 1, rep.Skipped["in_flight"])
	}

	close(p.release)
	require.Eventually(t, func() bool {
		rep, err := s.Tick(context.Background())
		return err == nil && rep.Enqueued == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return p.count("a") == 2 }, 2*time.Second, 5*time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 1, p.maxPer)
}

func TestJurisdictionConcurrencyCap(t *testing.T) {
	t.Parallel()

	p := newFakePoller(true)
	s, _ := newTestScheduler(t, p, fixedLimits{"CZ": 1},
		tenant("a", time.Time{}),
		tenant("b", time.Time{}),
		tenant("c", time.Time{}),
	)

	rep, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, rep.Enqueued)

	require.Eventually(t, func() bool { return p.sum() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, p.sum())

	close(p.release)
	require.Eventually(t, func() bool { return p.sum() == 3 }, 3*time.Second, 5*time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 1, p.maxTotal)
}

func TestPollNow(t *testing.T) {
	t.Parallel()

	p := newFakePoller(false)
	inactive := tenant("off", time.Time{})
	inactive.Active = false
	s, _ := newTestScheduler(t, p, nil, tenant("a", t0), inactive)

	require.NoError(t, s.PollNow(context.Background(), "a"))
	require.Eventually(t, func() bool { return p.count("a") == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.PollNow(context.Background(), "off"), poll.ErrInactive)
	assert.ErrorIs(t, s.PollNow(context.Background(), "missing"), storage.ErrNotFound)
}

func TestPollNowWhileInFlight(t *testing.T) {
	t.Parallel()

	p := newFakePoller(true)
	s, _ := newTestScheduler(t, p, nil, tenant("a", t0))

	require.NoError(t, s.PollNow(context.Background(), "a"))
	assert.ErrorIs(t, s.PollNow(context.Background(), "a"), engine.ErrOverlapSkip)
	close(p.release)
}

func TestPollNowRequiresRunning(t *testing.T) {
	t.Parallel()

	s := New(Config{Trigger: quietTrigger}, Deps{Tenants: storage.NewMemory(), Poller: newFakePoller(false)})
	assert.ErrorIs(t, s.PollNow(context.Background(), "a"), ErrNotRunning)
	_, err := s.Tick(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSnapshotReportsPhase(t *testing.T) {
	t.Parallel()

	p := newFakePoller(true)
	s, _ := newTestScheduler(t, p, nil, tenant("a", time.Time{}), tenant("b", t0))

	_, err := s.Tick(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap.InFlight) == 1 && snap.InFlight[0].Phase == poll.PhasePolling
	}, 2*time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, Running, snap.Lifecycle)
	assert.Equal(t, "a", snap.InFlight[0].ID)
	require.NotNil(t, snap.LastTick)
	assert.Equal(t, 1, snap.LastTick.Due)

	close(p.release)
	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap.InFlight) == 0 && len(snap.Tenants) == 1 && snap.Tenants[0].LastOutcome == "success"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDrainWaitsForInFlightPoll(t *testing.T) {
	t.Parallel()

	p := newFakePoller(true)
	s, _ := newTestScheduler(t, p, nil, tenant("a", time.Time{}))

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.count("a") == 1 }, 2*time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Drain(context.Background()) }()

	require.Eventually(t, func() bool { return s.Lifecycle() == Draining }, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.PollNow(context.Background(), "a"), ErrNotRunning)

	close(p.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("drain did not return")
	}
	assert.Equal(t, Stopped, s.Lifecycle())
}

func TestDrainGraceCancelsStuckPoll(t *testing.T) {
	t.Parallel()

	p := newFakePoller(true)
	store := storage.NewMemory()
	require.NoError(t, store.UpsertTenant(context.Background(), tenant("a", time.Time{})))
	s := New(Config{Trigger: quietTrigger, DrainGrace: 50 * time.Millisecond}, Deps{Tenants: store, Poller: p})
	require.NoError(t, s.Start(context.Background()))

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.count("a") == 1 }, 2*time.Second, 5*time.Millisecond)

	err = s.Drain(context.Background())
	assert.ErrorIs(t, err, engine.ErrDrainTimeout)
	assert.Equal(t, Stopped, s.Lifecycle())
}

func TestStartRejectsBadConfig(t *testing.T) {
	t.Parallel()

	s := New(Config{Trigger: "sometimes"}, Deps{Tenants: storage.NewMemory(), Poller: newFakePoller(false)})
	require.Error(t, s.Start(context.Background()))
	assert.Equal(t, Stopped, s.Lifecycle())

	s = New(Config{Trigger: "30s", Timezone: "Mars/Olympus"}, Deps{Tenants: storage.NewMemory(), Poller: newFakePoller(false)})
	require.Error(t, s.Start(context.Background()))
}

func TestApplyUpdatesTrigger(t *testing.T) {
	t.Parallel()

	s, _ := newTestScheduler(t, newFakePoller(false), nil)
	require.Error(t, s.Apply(Config{Trigger: "0.5s"}))
	assert.Equal(t, quietTrigger, s.Snapshot().Trigger)

	require.NoError(t, s.Apply(Config{Trigger: "cron:0 0 1 6 *", DrainGrace: time.Second}))
	snap := s.Snapshot()
	assert.Equal(t, "cron:0 0 1 6 *", snap.Trigger)
	assert.Equal(t, time.June, snap.NextTick.Month())
}
