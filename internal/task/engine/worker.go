package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "casewatch/pkg/logx"
)

// groupRetryDelay is how long a worker waits before re-checking a task whose
// concurrency group was full.
const groupRetryDelay = 25 * time.Millisecond

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			var releaseGroup func()
			if t.task.GroupLimit > 0 {
				gs := s.groups.get(t.task.GroupKey, t.task.GroupLimit)
				if !gs.tryAcquire() {
					// Group at capacity: put the task back and let other work through.
					if !s.requeue(ctx, stopCh, queue, t) {
						return
					}
					continue
				}
				releaseGroup = gs.release
			}

			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, t)
			atomic.AddInt32(&s.inFlight, -1)
			if releaseGroup != nil {
				releaseGroup()
			}
		}
	}
}

// requeue returns t to the queue after a short pause. It reports false when
// the worker should exit; the task is then released.
func (s *Service) requeue(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, t queuedTask) bool {
	tmr := time.NewTimer(groupRetryDelay)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
	case <-stopCh:
	case <-tmr.C:
		select {
		case queue <- t:
			return true
		default:
			t.state.release()
			s.pending.Done()
			s.onQueueFullDropped(time.Now(), t.task, queue)
			return true
		}
	}
	t.state.release()
	s.pending.Done()
	return false
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	defer s.pending.Done()
	defer qt.state.release()

	start := time.Now()
	queueDelay := time.Duration(0)
	if !qt.enqueuedAt.IsZero() {
		queueDelay = start.Sub(qt.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.addHistory(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish("task.started", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	runCtx := ctx
	var cancel context.CancelFunc
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	var err error
	// One bad task must not kill the worker.
	func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddUint64(&s.panics, 1)
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish("task.failed", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Error: item.Error})
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.publish("task.finished", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur})
	}
	s.addHistory(item)
}
