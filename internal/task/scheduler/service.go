package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"casewatch/internal/eventbus"
	"casewatch/internal/metrics"
	"casewatch/internal/poll"
	"casewatch/internal/task/engine"
	logx "casewatch/pkg/logx"
)

const (
	listTimeout     = 30 * time.Second
	enqueueWarnEach = 5 * time.Second
)

type Deps struct {
	Tenants TenantSource
	Poller  Poller
	Limits  LimitSource
	Engine  *engine.Service
	Metrics *metrics.Metrics
	Bus     eventbus.Bus
	Log     logx.Logger
}

// Service triggers polls for due tenants.
//
// Lifecycle: Stopped -> Start -> Running -> Drain -> Stopped.
type Service struct {
	mu        sync.Mutex
	cfg       Config
	lifecycle Lifecycle
	loc       *time.Location
	parent    context.Context
	cron      *cron.Cron
	entryID   cron.EntryID
	lastTick  *TickReport

	tenants TenantSource
	poller  Poller
	limits  LimitSource
	engine  *engine.Service
	metrics *metrics.Metrics
	log     logx.Logger

	runsMu sync.Mutex
	runs   map[string]*tenantRun

	ticking         atomic.Bool
	lastEnqueueWarn atomic.Int64

	now func() time.Time
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	eng := deps.Engine
	if eng == nil {
		eng = engine.New(engine.Config{}, log.With(logx.Component("engine")), deps.Bus)
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		lifecycle: Stopped,
		tenants:   deps.Tenants,
		poller:    deps.Poller,
		limits:    deps.Limits,
		engine:    eng,
		metrics:   deps.Metrics,
		log:       log,
		runs:      make(map[string]*tenantRun),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Lifecycle() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Start validates the trigger, starts the engine and the cron loop.
// Calling Start on a running scheduler is a no-op.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.lifecycle {
	case Running:
		return nil
	case Draining:
		return errors.New("scheduler is draining")
	}

	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	sched, every, err := parseTrigger(s.cfg.Trigger)
	if err != nil {
		return err
	}

	s.engine.Start(ctx)
	s.loc = loc
	s.parent = ctx
	s.cron = cron.New(cron.WithLocation(loc))
	s.entryID = s.scheduleLocked(sched, every)
	s.cron.Start()
	s.lifecycle = Running

	s.log.Info("scheduler started", logx.String("trigger", s.cfg.Trigger), logx.String("tz", loc.String()))
	return nil
}

// scheduleLocked registers the tick job; s.mu must be held.
func (s *Service) scheduleLocked(sched cron.Schedule, every time.Duration) cron.EntryID {
	if every > 0 {
		var offset time.Duration
		sched, offset = withStartupSpread(sched, every, time.Now().In(s.loc), "tick")
		s.log.Debug("first tick spread", logx.Duration("offset", offset))
	}
	parent := s.parent
	return s.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.Tick(parent); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrNotRunning) {
			s.log.Warn("tick failed", logx.Err(err))
		}
	}))
}

// Apply swaps the scheduler configuration. A changed trigger or timezone
// re-registers the tick job when running.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	sched, every, err := parseTrigger(cfg.Trigger)
	if err != nil {
		return err
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.lifecycle != Running || (prev.Trigger == cfg.Trigger && prev.Timezone == cfg.Timezone) {
		return nil
	}

	if prev.Timezone != cfg.Timezone {
		// cron binds the location at construction. A tick already running
		// on the old instance finishes on its own.
		s.cron.Stop()
		s.loc = loc
		s.cron = cron.New(cron.WithLocation(loc))
		s.entryID = s.scheduleLocked(sched, every)
		s.cron.Start()
	} else {
		s.cron.Remove(s.entryID)
		s.entryID = s.scheduleLocked(sched, every)
	}
	s.log.Info("scheduler trigger updated", logx.String("trigger", cfg.Trigger), logx.String("tz", loc.String()))
	return nil
}

// Drain stops triggering, then lets queued and in-flight polls finish within
// DrainGrace (or until ctx ends). Remaining polls are cancelled. The
// scheduler is Stopped when Drain returns.
func (s *Service) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.lifecycle != Running {
		s.mu.Unlock()
		return nil
	}
	s.lifecycle = Draining
	c := s.cron
	grace := s.cfg.DrainGrace
	s.mu.Unlock()

	s.log.Info("scheduler draining", logx.Duration("grace", grace))
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}

	err := s.engine.Drain(ctx, grace)

	s.mu.Lock()
	s.lifecycle = Stopped
	s.cron = nil
	s.mu.Unlock()

	s.metrics.SetInFlight(0)
	s.metrics.SetQueueLength(0)
	if err != nil {
		s.log.Warn("scheduler drain incomplete", logx.Err(err))
		return err
	}
	s.log.Info("scheduler drained")
	return nil
}

// Tick lists active tenants and enqueues a poll for every due one. It is
// invoked by the cron loop; concurrent ticks are collapsed.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	rep := TickReport{At: s.now()}
	if !s.ticking.CompareAndSwap(false, true) {
		rep.skip("tick_overlap")
		s.metrics.Skipped("tick_overlap")
		return rep, nil
	}
	defer s.ticking.Store(false)

	if s.Lifecycle() != Running {
		return rep, ErrNotRunning
	}
	s.metrics.Tick()

	lctx, cancel := context.WithTimeout(ctx, listTimeout)
	tenants, err := s.tenants.ActiveTenants(lctx)
	cancel()
	if err != nil {
		return rep, fmt.Errorf("list active tenants: %w", err)
	}
	rep.Active = len(tenants)

	active := make(map[string]struct{}, len(tenants))
	for _, t := range tenants {
		active[t.ID] = struct{}{}
		if !t.Due(rep.At) {
			continue
		}
		rep.Due++
		if err := s.enqueue(t.ID, t.Jurisdiction); err != nil {
			reason := skipReason(err)
			rep.skip(reason)
			s.metrics.Skipped(reason)
			s.reportEnqueueError(t.ID, reason, err)
			continue
		}
		rep.Enqueued++
	}
	s.prune(active)

	es := s.engine.Snapshot()
	s.metrics.SetQueueLength(es.QueueLen)
	s.metrics.SetInFlight(es.InFlight)

	s.mu.Lock()
	r := rep
	s.lastTick = &r
	s.mu.Unlock()

	if rep.Due > 0 {
		s.log.Debug("tick", logx.Int("active", rep.Active), logx.Int("due", rep.Due), logx.Int("enqueued", rep.Enqueued))
	}
	return rep, nil
}

// PollNow enqueues an immediate poll for one tenant regardless of its
// interval. A poll already queued or running for the tenant yields
// engine.ErrOverlapSkip.
func (s *Service) PollNow(ctx context.Context, tenantID string) error {
	if s.Lifecycle() != Running {
		return ErrNotRunning
	}
	t, err := s.tenants.Tenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if !t.Active {
		return poll.ErrInactive
	}
	if err := s.enqueue(t.ID, t.Jurisdiction); err != nil {
		s.metrics.Skipped(skipReason(err))
		return err
	}
	s.log.Info("manual poll enqueued", logx.Tenant(t.ID))
	return nil
}

func (s *Service) enqueue(tenantID, jurisdiction string) error {
	run := s.runFor(tenantID, jurisdiction)
	if run.state.Busy() {
		return engine.ErrOverlapSkip
	}

	s.mu.Lock()
	timeout := s.cfg.PollTimeout
	s.mu.Unlock()

	limit := 0
	if s.limits != nil {
		limit = s.limits.Limits(jurisdiction).MaxConcurrent
	}

	s.markScheduled(run)
	err := s.engine.Enqueue(engine.Task{
		Name:       "poll:" + tenantID,
		Timeout:    timeout,
		GroupKey:   jurisdiction,
		GroupLimit: limit,
		State:      &run.state,
		Run: func(ctx context.Context) error {
			_, err := s.poller.Poll(ctx, tenantID, s.setPhase)
			s.finish(run, err)
			return err
		},
	})
	if err != nil {
		s.unmarkScheduled(run)
	}
	return err
}

func (s *Service) runFor(id, jurisdiction string) *tenantRun {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		r = &tenantRun{id: id, phase: poll.PhaseIdle, since: s.now()}
		s.runs[id] = r
	}
	r.jurisdiction = jurisdiction
	return r
}

// prune forgets idle tenants that are no longer active.
func (s *Service) prune(active map[string]struct{}) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	for id, r := range s.runs {
		if _, ok := active[id]; ok {
			continue
		}
		if r.phase == poll.PhaseIdle && !r.state.Busy() {
			delete(s.runs, id)
		}
	}
}

func (s *Service) markScheduled(r *tenantRun) {
	s.runsMu.Lock()
	r.phase = poll.PhaseScheduled
	r.since = s.now()
	s.runsMu.Unlock()
}

func (s *Service) unmarkScheduled(r *tenantRun) {
	s.runsMu.Lock()
	if r.phase == poll.PhaseScheduled {
		r.phase = poll.PhaseIdle
		r.since = s.now()
	}
	s.runsMu.Unlock()
}

func (s *Service) setPhase(tenantID string, p poll.Phase) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	if r, ok := s.runs[tenantID]; ok {
		r.phase = p
		r.since = s.now()
	}
}

func (s *Service) finish(r *tenantRun, err error) {
	now := s.now()
	s.runsMu.Lock()
	r.phase = poll.PhaseIdle
	r.since = now
	r.lastRun = now
	switch {
	case err == nil:
		r.lastOutcome, r.lastErr = "success", ""
	case errors.Is(err, poll.ErrInactive):
		r.lastOutcome, r.lastErr = "inactive", ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.lastOutcome, r.lastErr = "cancelled", err.Error()
	default:
		r.lastOutcome, r.lastErr = "error", err.Error()
	}
	s.runsMu.Unlock()
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrOverlapSkip):
		return "in_flight"
	case errors.Is(err, engine.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, engine.ErrDraining), errors.Is(err, engine.ErrStopped):
		return "stopping"
	default:
		return "error"
	}
}

// reportEnqueueError logs skipped enqueues. In-flight skips are routine and
// stay at debug; the rest are warnings throttled to one per enqueueWarnEach.
func (s *Service) reportEnqueueError(tenantID, reason string, err error) {
	if reason == "in_flight" {
		s.log.Debug("poll skipped: previous poll still in flight", logx.Tenant(tenantID))
		return
	}
	now := time.Now().UnixNano()
	last := s.lastEnqueueWarn.Load()
	if last != 0 && time.Duration(now-last) < enqueueWarnEach {
		return
	}
	if !s.lastEnqueueWarn.CompareAndSwap(last, now) {
		return
	}
	s.log.Warn("poll not enqueued", logx.Tenant(tenantID), logx.String("reason", reason), logx.Err(err))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Lifecycle: s.lifecycle,
		Trigger:   s.cfg.Trigger,
		Timezone:  "UTC",
	}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	if s.lastTick != nil {
		r := *s.lastTick
		snap.LastTick = &r
	}
	if s.cron != nil {
		e := s.cron.Entry(s.entryID)
		snap.NextTick, snap.PrevTick = e.Next, e.Prev
	}
	s.mu.Unlock()

	s.runsMu.Lock()
	for _, r := range s.runs {
		ts := TenantState{
			ID:           r.id,
			Jurisdiction: r.jurisdiction,
			Phase:        r.phase,
			Since:        r.since,
			LastRun:      r.lastRun,
			LastOutcome:  r.lastOutcome,
			LastError:    r.lastErr,
		}
		snap.Tenants = append(snap.Tenants, ts)
		if r.phase != poll.PhaseIdle {
			snap.InFlight = append(snap.InFlight, ts)
		}
	}
	s.runsMu.Unlock()

	byID := func(list []TenantState) {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	byID(snap.Tenants)
	byID(snap.InFlight)
	snap.Engine = s.engine.Snapshot()
	return snap
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return loc, nil
}
