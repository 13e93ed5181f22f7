package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"casewatch/internal/core"
	"casewatch/internal/eventbus"
	"casewatch/internal/metrics"
	"casewatch/internal/storage"
	"casewatch/internal/task/retry"
	logx "casewatch/pkg/logx"
)

var ErrNoSender = errors.New("no sender configured for channel")

const historyMax = 300

// recordTimeout bounds record writes, which run detached from the caller's ctx.
const recordTimeout = 5 * time.Second

// Deps are the collaborators of a Dispatcher. Bus and Metrics are optional.
type Deps struct {
	Sink       storage.NotificationSink
	Translator Translator
	Bus        eventbus.Bus
	Metrics    *metrics.Metrics
	Log        logx.Logger
}

// Dispatcher renders and delivers notifications synchronously, inside the
// poll task that detected the change. It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	cfg      Config
	senders  map[core.Channel]Sender
	limiters map[core.Channel]*rate.Limiter

	sink    storage.NotificationSink
	tr      Translator
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	dedup *gocache.Cache

	// sleep is swapped in tests to skip backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, deps Deps, senders ...Sender) *Dispatcher {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		senders: map[core.Channel]Sender{},
		sink:    deps.Sink,
		tr:      deps.Translator,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		log:     log,
		dedup:   gocache.New(10*time.Minute, time.Minute),
		sleep:   retry.Sleep,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, s := range senders {
		if s != nil {
			d.senders[s.Channel()] = s
		}
	}
	d.applyLocked(cfg)
	return d
}

// Apply swaps retry, rate and timeout settings. Senders are fixed at construction.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg.withDefaults())
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	d.cfg = cfg
	d.limiters = map[core.Channel]*rate.Limiter{}
	for ch, r := range cfg.Rates {
		if r.PerSec <= 0 {
			continue
		}
		burst := r.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiters[ch] = rate.NewLimiter(rate.Limit(r.PerSec), burst)
	}
}

// Channels lists the channels with a registered sender.
func (d *Dispatcher) Channels() []core.Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]core.Channel, 0, len(d.senders))
	for ch := range d.senders {
		out = append(out, ch)
	}
	return out
}

// Dispatch delivers ev to every target of t and returns the records it
// created, in target order. Channel none yields no records. A target whose
// dedup key was already dispatched is skipped. Once ctx is done, records are
// still created but left pending.
func (d *Dispatcher) Dispatch(ctx context.Context, t core.Tenant, ev core.StatusChangedEvent) []core.NotificationRecord {
	targets := t.Targets()
	if len(targets) == 0 {
		return nil
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	var subject, body string
	if d.tr != nil {
		subject, body = Render(d.tr, t, ev)
	} else {
		subject = fmt.Sprintf("%s: %s", t.QueryCode, ev.New)
		body = fmt.Sprintf("%s -> %s", ev.Old, ev.New)
	}

	out := make([]core.NotificationRecord, 0, len(targets))
	for _, tg := range targets {
		if cfg.DedupWindow > 0 && d.dedup.Add(dedupKey(t.ID, ev, tg), struct{}{}, cfg.DedupWindow) != nil {
			d.log.Debug("notification deduplicated", logx.Tenant(t.ID), logx.String("channel", string(tg.Channel)))
			continue
		}
		m := Message{
			TenantID:  t.ID,
			Channel:   tg.Channel,
			Recipient: tg.Target,
			Subject:   subject,
			Body:      body,
			Locale:    t.Locale,
			Event:     ev,
		}
		if rec, ok := d.deliver(ctx, cfg, m); ok {
			out = append(out, rec)
		}
	}
	return out
}

func dedupKey(tenantID string, ev core.StatusChangedEvent, tg core.ChannelTarget) string {
	return strings.Join([]string{tenantID, ev.At.UTC().Format(time.RFC3339Nano), string(tg.Channel), tg.Target}, "|")
}

// deliver runs one record through pending -> sent|failed. ok is false when no
// record could be created.
func (d *Dispatcher) deliver(ctx context.Context, cfg Config, m Message) (core.NotificationRecord, bool) {
	log := d.log.With(logx.Tenant(m.TenantID), logx.String("channel", string(m.Channel)))

	rec := core.NotificationRecord{
		TenantID:  m.TenantID,
		Channel:   m.Channel,
		Recipient: m.Recipient,
		Subject:   m.Subject,
		Message:   m.Body,
		Status:    core.NotificationPending,
		CreatedAt: d.now(),
	}
	if d.sink != nil {
		// A change that was already stored must leave a record even when
		// shutdown cancelled ctx before delivery.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		err := d.sink.CreateNotification(wctx, &rec)
		cancel()
		if err != nil {
			// Never send without a record.
			log.Error("notification record create failed", logx.Err(err))
			return core.NotificationRecord{}, false
		}
	}
	if err := ctx.Err(); err != nil {
		log.Warn("notification not attempted; record left pending", logx.String("record", rec.ID), logx.Err(err))
		return rec, true
	}

	attempts, err := d.send(ctx, cfg, m)
	if err != nil && ctx.Err() != nil {
		log.Warn("notification interrupted; record left pending", logx.String("record", rec.ID), logx.Err(err))
		return rec, true
	}

	now := d.now()
	rec.UpdatedAt = now
	if attempts > 1 {
		rec.RetryCount = attempts - 1
	}
	evType := eventbus.TypeNotificationSent
	if err == nil {
		rec.Status = core.NotificationSent
		rec.SentAt = &now
		log.Info("notification sent", logx.String("record", rec.ID), logx.Int("attempts", attempts))
	} else {
		terr := &TransportError{Channel: m.Channel, Recipient: m.Recipient, Attempts: attempts, Err: err}
		rec.Status = core.NotificationFailed
		rec.Error = terr.Error()
		evType = eventbus.TypeNotificationFailed
		log.Warn("notification failed", logx.String("record", rec.ID), logx.Err(terr))
	}

	if d.sink != nil {
		// The outcome is known, so it is stored even if ctx was cancelled meanwhile.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		uerr := d.sink.UpdateNotification(wctx, rec)
		cancel()
		if uerr != nil {
			log.Error("notification record update failed", logx.String("record", rec.ID), logx.Err(uerr))
		}
	}

	d.metrics.ObserveNotification(string(m.Channel), string(rec.Status), rec.RetryCount)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: evType, Time: now, Data: NotificationEvent{
			RecordID:  rec.ID,
			TenantID:  rec.TenantID,
			Channel:   rec.Channel,
			Recipient: rec.Recipient,
			Attempts:  attempts,
			At:        now,
			Error:     rec.Error,
		}})
	}
	d.appendHistory(HistoryItem{At: now, TenantID: rec.TenantID, Channel: rec.Channel, Status: rec.Status, Error: rec.Error})
	return rec, true
}

func (d *Dispatcher) send(ctx context.Context, cfg Config, m Message) (int, error) {
	d.mu.RLock()
	sender := d.senders[m.Channel]
	lim := d.limiters[m.Channel]
	d.mu.RUnlock()
	if sender == nil {
		return 1, fmt.Errorf("%w: %s", ErrNoSender, m.Channel)
	}

	once := func(ctx context.Context, _ int) error {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		defer cancel()
		return sender.Send(callCtx, m)
	}

	if !sender.Retryable() {
		return 1, once(ctx, 1)
	}
	return retry.Do(ctx, cfg.Retry, once, retry.Options{
		Sleep: d.sleep,
		OnRetry: func(next int, delay time.Duration, err error) {
			d.log.Debug("notification send retry",
				logx.Tenant(m.TenantID),
				logx.String("channel", string(m.Channel)),
				logx.Int("attempt", next),
				logx.Duration("delay", delay),
				logx.Err(err),
			)
		},
	})
}

// Recent returns the most recent outcomes, oldest first.
func (d *Dispatcher) Recent() []HistoryItem {
	d.hmu.Lock()
	out := append([]HistoryItem(nil), d.history...)
	d.hmu.Unlock()
	return out
}

func (d *Dispatcher) appendHistory(it HistoryItem) {
	d.hmu.Lock()
	d.history = append(d.history, it)
	if len(d.history) > historyMax {
		d.history = d.history[len(d.history)-historyMax:]
	}
	d.hmu.Unlock()
}
