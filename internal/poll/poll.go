// Package poll runs one poll-and-notify cycle for a tenant: jitter, rate-limited
// fetch with retries, change detection, persistence and notification dispatch.
package poll

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"casewatch/internal/core"
	"casewatch/internal/detect"
	"casewatch/internal/eventbus"
	"casewatch/internal/metrics"
	"casewatch/internal/plugin"
	"casewatch/internal/storage"
	"casewatch/internal/task/retry"
	logx "casewatch/pkg/logx"
)

// Phase is the diagnostic state of a tenant's cycle.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseScheduled Phase = "scheduled"
	PhasePolling   Phase = "polling"
	PhaseRetrying  Phase = "retrying"
	PhaseNotifying Phase = "notifying"
)

// PhaseFunc observes phase transitions. It may be nil.
type PhaseFunc func(tenantID string, p Phase)

// ErrInactive is returned for tenants that were deactivated after being scheduled.
var ErrInactive = errors.New("tenant inactive")

// recordTimeout bounds the poll log write. The write is detached from the
// cycle's context so a fetched result is recorded even during shutdown.
const recordTimeout = 5 * time.Second

type Config struct {
	// JitterMax bounds the random wait before the fetch. 0 disables it.
	JitterMax time.Duration
	Retry     retry.Policy
}

// Fetcher is the part of *plugin.Registry the cycle needs.
type Fetcher interface {
	Wait(ctx context.Context, code string) error
	Fetch(ctx context.Context, code, query, kind string) (plugin.Result, error)
}

// Notifier is the part of *notifier.Dispatcher the cycle needs.
type Notifier interface {
	Dispatch(ctx context.Context, t core.Tenant, ev core.StatusChangedEvent) []core.NotificationRecord
}

// Store is the part of storage.Store the cycle needs.
type Store interface {
	Tenant(ctx context.Context, id string) (core.Tenant, error)
	RecordPoll(ctx context.Context, e core.PollLogEntry, ev *core.StatusChangedEvent) error
}

var _ Store = (storage.Store)(nil)

type Deps struct {
	Store    Store
	Fetcher  Fetcher
	Notifier Notifier
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Log      logx.Logger
}

// Outcome is the result of one cycle.
type Outcome struct {
	Entry         core.PollLogEntry
	Event         *core.StatusChangedEvent
	Notifications []core.NotificationRecord
}

// Finished is published as poll.finished after every recorded cycle.
type Finished struct {
	TenantID     string           `json:"tenant_id"`
	Jurisdiction string           `json:"jurisdiction"`
	Outcome      core.PollOutcome `json:"outcome"`
	Status       string           `json:"status,omitempty"`
	Changed      bool             `json:"changed"`
	Attempts     int              `json:"attempts"`
	Latency      time.Duration    `json:"latency"`
	Error        string           `json:"error,omitempty"`
}

type Poller struct {
	mu  sync.RWMutex
	cfg Config

	store    Store
	fetcher  Fetcher
	notifier Notifier
	bus      eventbus.Bus
	metrics  *metrics.Metrics
	log      logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(cfg Config, deps Deps) *Poller {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		cfg:      normalize(cfg),
		store:    deps.Store,
		fetcher:  deps.Fetcher,
		notifier: deps.Notifier,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    retry.Sleep,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func normalize(cfg Config) Config {
	if cfg.JitterMax < 0 {
		cfg.JitterMax = 0
	}
	cfg.Retry = cfg.Retry.WithDefaults()
	return cfg
}

// Apply swaps jitter and retry settings for subsequent cycles.
func (p *Poller) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = normalize(cfg)
	p.mu.Unlock()
}

func (p *Poller) config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Poller) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return time.Duration(p.rng.Int63n(int64(max)))
}

// Poll runs one cycle for tenantID. The returned error is non-nil when the
// fetch failed or the result could not be recorded; a failed fetch still
// records an error log entry. Cancellation during the jitter wait records
// nothing.
func (p *Poller) Poll(ctx context.Context, tenantID string, onPhase PhaseFunc) (Outcome, error) {
	phase := func(ph Phase) {
		if onPhase != nil {
			onPhase(tenantID, ph)
		}
	}
	cfg := p.config()

	t, err := p.store.Tenant(ctx, tenantID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	if !t.Active {
		return Outcome{}, ErrInactive
	}
	log := p.log.With(logx.Tenant(t.ID), logx.Jurisdiction(t.Jurisdiction))

	if d := p.jitter(cfg.JitterMax); d > 0 {
		log.Debug("poll jitter", logx.Duration("wait", d))
		if err := p.sleep(ctx, d); err != nil {
			return Outcome{}, err
		}
	}

	phase(PhasePolling)
	start := p.now()
	var res plugin.Result
	attempts, ferr := retry.Do(ctx, cfg.Retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			phase(PhaseRetrying)
		}
		if err := p.fetcher.Wait(ctx, t.Jurisdiction); err != nil {
			return err
		}
		r, err := p.fetcher.Fetch(ctx, t.Jurisdiction, t.QueryCode, t.QueryKind)
		if err != nil {
			return err
		}
		res = r
		return nil
	}, retry.Options{
		Retryable: plugin.IsTransient,
		Sleep:     p.sleep,
		OnRetry: func(next int, delay time.Duration, err error) {
			log.Debug("poll retry", logx.Int("attempt", next), logx.Duration("delay", delay), logx.Err(err))
		},
	})
	latency := p.now().Sub(start)

	entry := core.PollLogEntry{
		TenantID: t.ID,
		At:       start,
		Latency:  latency,
		Attempts: attempts,
	}

	if ferr != nil {
		entry.Outcome = core.PollError
		entry.Error = ferr.Error()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := p.store.RecordPoll(wctx, entry, nil); err != nil {
			log.Error("poll log write failed", logx.Err(err))
		}
		p.metrics.ObservePoll(t.Jurisdiction, string(core.PollError), attempts, latency)
		p.finished(t, entry, false)
		log.Warn("poll failed", logx.Int("attempts", attempts), logx.Err(ferr))
		return Outcome{Entry: entry}, ferr
	}

	status := core.NormalizeStatus(res.Status)
	entry.Outcome = core.PollSuccess
	entry.Status = status
	entry.Details = res.Details
	entry.LastUpdate = res.LastUpdate
	entry.RawResponse = res.RawResponse

	out := Outcome{Entry: entry}
	ev, changed := detect.ForTenant(t, status, res.Details, start)
	if changed {
		out.Event = &ev
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	err = p.store.RecordPoll(wctx, entry, out.Event)
	cancel()
	if err != nil {
		// Without the stored status the change is detected again next cycle.
		log.Error("poll record failed", logx.Err(err))
		return out, fmt.Errorf("record poll: %w", err)
	}
	p.metrics.ObservePoll(t.Jurisdiction, string(core.PollSuccess), attempts, latency)

	if !changed {
		log.Debug("status unchanged", logx.String("status", status), logx.Int("attempts", attempts))
		p.finished(t, entry, false)
		return out, nil
	}

	log.Info("status changed", logx.String("old", ev.Old), logx.String("new", ev.New))
	p.metrics.ObserveChange(t.Jurisdiction, ev.New)
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeStatusChanged, Time: ev.At, Data: ev})
	}
	if p.notifier != nil {
		phase(PhaseNotifying)
		t.LastStatus = ev.New
		t.LastDetails = ev.Details
		out.Notifications = p.notifier.Dispatch(ctx, t, ev)
	}
	p.finished(t, entry, true)
	return out, nil
}

func (p *Poller) finished(t core.Tenant, e core.PollLogEntry, changed bool) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypePollFinished, Time: p.now(), Data: Finished{
		TenantID:     t.ID,
		Jurisdiction: t.Jurisdiction,
		Outcome:      e.Outcome,
		Status:       e.Status,
		Changed:      changed,
		Attempts:     e.Attempts,
		Latency:      e.Latency,
		Error:        e.Error,
	}})
}
