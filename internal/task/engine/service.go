package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"casewatch/internal/eventbus"
	rtsup "casewatch/internal/runtime/supervisor"
	logx "casewatch/pkg/logx"
)

const (
	warnThrottleEvery = 5 * time.Second
	stopWait          = 5 * time.Second
)

// Service is a bounded worker pool with a bounded queue.
//
// Lifecycle: Start -> (Drain | Stop) -> Start ... Drain refuses new tasks,
// lets queued and in-flight work finish within a grace period, then cancels
// the work context.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	parent context.Context

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	draining bool

	// pending counts admitted tasks that have not finished or been dropped.
	pending  sync.WaitGroup
	inFlight int32

	stateMu sync.Mutex
	states  map[string]*RunState

	groups groupLimiterStore

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64
	panics           uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration

	state *RunState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
	}
}

// Running reports whether workers are up and accepting tasks.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && s.stopDone == nil && !s.draining
}

// Apply swaps the configuration. A change of Workers or QueueSize drains
// the running pool (bounded by grace) and starts a new one.
func (s *Service) Apply(ctx context.Context, cfg Config, grace time.Duration) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil && !s.draining
	parent := s.parent
	s.mu.Unlock()

	if !running {
		return
	}
	if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
		s.log.Info("task engine resizing", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		if err := s.Drain(ctx, grace); err != nil {
			s.log.Warn("task engine drain before resize incomplete", logx.Err(err))
		}
		s.Start(parent)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.parent = ctx
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.draining = false
	stopCh := s.stopCh
	queue := s.q
	atomic.StoreInt32(&s.inFlight, 0)

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.Component("taskengine"))),
		// A failing worker must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		},
			rtsup.WithPublishFirstError(true),
		)
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop cancels in-flight work and discards queued tasks. It waits for the
// workers until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.discardQueued(queue)
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.draining = false
		s.mu.Unlock()
		atomic.StoreInt32(&s.inFlight, 0)
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Drain stops admissions and waits for queued and in-flight tasks to finish.
// When grace (0 = no limit) or ctx expires first, the remaining work is
// cancelled and ErrDrainTimeout or the ctx error is returned. The engine is
// stopped when Drain returns.
func (s *Service) Drain(ctx context.Context, grace time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	s.draining = true
	s.mu.Unlock()

	s.log.Info("task engine draining", logx.Duration("grace", grace), logx.Int("in_flight", int(atomic.LoadInt32(&s.inFlight))))

	idle := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(idle)
	}()

	var expired <-chan time.Time
	if grace > 0 {
		tmr := time.NewTimer(grace)
		defer tmr.Stop()
		expired = tmr.C
	}

	var err error
	select {
	case <-idle:
	case <-expired:
		err = ErrDrainTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		s.log.Warn("task engine drain cut short; cancelling in-flight work", logx.Err(err))
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopWait)
	defer cancel()
	s.Stop(stopCtx)
	return err
}

// Enqueue admits a task without blocking. A task whose state is held is
// rejected with ErrOverlapSkip; a full queue rejects with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return errors.New("task Name is required")
	}
	t.Name = name

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	switch {
	case q == nil || s.stopCh == nil || s.stopDone != nil:
		s.mu.Unlock()
		return ErrStopped
	case s.draining:
		s.mu.Unlock()
		return ErrDraining
	}
	if !st.tryAcquire() {
		s.mu.Unlock()
		s.publish("task.skipped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return ErrOverlapSkip
	}
	s.pending.Add(1)
	s.mu.Unlock()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, state: st}

	select {
	case q <- qt:
		return nil
	default:
		st.release()
		s.pending.Done()
		s.onQueueFullDropped(now, t, q)
		return ErrQueueFull
	}
}

// Busy reports whether a task with this name (and no explicit State) is
// queued or running.
func (s *Service) Busy(name string) bool {
	s.stateMu.Lock()
	st := s.states[strings.TrimSpace(name)]
	s.stateMu.Unlock()
	return st.Busy()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	draining := s.draining
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:          running && !draining,
		Draining:         draining,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Groups:           s.groups.usage(),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		Panics:           atomic.LoadUint64(&s.panics),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		History:          h,
	}
}

func (s *Service) stateFor(name string) *RunState {
	key := strings.TrimSpace(name)
	s.stateMu.Lock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	s.stateMu.Unlock()
	return st
}

// discardQueued drops tasks left in the queue after the workers exited.
func (s *Service) discardQueued(q chan queuedTask) {
	if q == nil {
		return
	}
	now := time.Now()
	for {
		select {
		case qt := <-q:
			qt.state.release()
			s.pending.Done()
			s.addHistory(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: now, QueueDelay: now.Sub(qt.enqueuedAt), Error: "engine_stopped"})
		default:
			return
		}
	}
}

func (s *Service) addHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedQueueFull, 1)
	s.publish("task.dropped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})

	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedStale, 1)
	s.publish("task.dropped", TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})

	if s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", atomic.LoadUint64(&s.droppedStale)),
		)
	}
}
