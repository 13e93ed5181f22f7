package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casewatch/internal/core"
	"casewatch/internal/eventbus"
	"casewatch/internal/i18n"
	"casewatch/internal/storage"
	"casewatch/internal/task/retry"
	logx "casewatch/pkg/logx"
)

type fakeSender struct {
	ch        core.Channel
	retryable bool

	mu    sync.Mutex
	errs  []error // consumed per call; nil entries succeed
	sent  []Message
	block bool
}

func (f *fakeSender) Channel() core.Channel { return f.ch }
func (f *fakeSender) Retryable() bool       { return f.retryable }

func (f *fakeSender) Send(ctx context.Context, m Message) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func testResolver(t *testing.T) *i18n.Resolver {
	t.Helper()
	r, err := i18n.Load(i18n.Config{Default: "en"}, logx.Nop())
	require.NoError(t, err)
	return r
}

func czTenant() core.Tenant {
	return core.Tenant{
		ID:            "t-cz-1",
		OwnerID:       "u-1",
		ApplicantName: "Li Wei",
		Jurisdiction:  "CZ",
		QueryCode:     "PEKI202508140001",
		QueryKind:     "visa",
		Channel:       core.ChannelEmail,
		ChannelTarget: "li.wei@example.com",
		Locale:        "en",
		Interval:      core.Interval1h,
		Active:        true,
		LastStatus:    "pending",
	}
}

func approvedEvent() core.StatusChangedEvent {
	return core.StatusChangedEvent{
		TenantID: "t-cz-1",
		Old:      "pending",
		New:      "approved",
		At:       time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC),
	}
}

func newTestDispatcher(t *testing.T, sink storage.NotificationSink, bus eventbus.Bus, senders ...Sender) (*Dispatcher, *sleepRecorder) {
	t.Helper()
	d := New(Config{Retry: retry.Policy{MaxAttempts: 3, Base: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}},
		Deps{Sink: sink, Translator: testResolver(t), Bus: bus, Log: logx.Nop()}, senders...)
	rec := &sleepRecorder{}
	d.sleep = rec.sleep
	return d, rec
}

func TestDispatchEmailOnApproval(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	email := &fakeSender{ch: core.ChannelEmail, retryable: true}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	d, _ := newTestDispatcher(t, store, bus, email)

	recs := d.Dispatch(context.Background(), czTenant(), approvedEvent())
	require.Len(t, recs, 1)
	assert.Equal(t, core.NotificationSent, recs[0].Status)
	assert.Equal(t, "li.wei@example.com", recs[0].Recipient)
	assert.Zero(t, recs[0].RetryCount)
	require.NotNil(t, recs[0].SentAt)

	require.Equal(t, 1, email.calls())
	msg := email.sent[0]
	assert.Equal(t, "Case status update: Li Wei", msg.Subject)
	assert.Contains(t, msg.Body, `from "Pending" to "Approved"`)
	assert.Contains(t, msg.Body, "PEKI202508140001")
	assert.Contains(t, msg.Body, "has been approved")

	stored, err := store.RecentNotifications(context.Background(), "t-cz-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, core.NotificationSent, stored[0].Status)

	e := <-events
	assert.Equal(t, eventbus.TypeNotificationSent, e.Type)
	assert.Len(t, d.Recent(), 1)
}

func TestDispatchRendersOwnerLocale(t *testing.T) {
	t.Parallel()

	email := &fakeSender{ch: core.ChannelEmail, retryable: true}
	d, _ := newTestDispatcher(t, storage.NewMemory(), nil, email)

	tn := czTenant()
	tn.Locale = "zh-TW"
	d.Dispatch(context.Background(), tn, approvedEvent())
	require.Equal(t, 1, email.calls())
	assert.NotContains(t, email.sent[0].Body, "Approved", "zh-TW falls back to the zh-CN bundle")
	assert.Equal(t, "zh-TW", email.sent[0].Locale)
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	email := &fakeSender{ch: core.ChannelEmail, retryable: true, errs: []error{errors.New("421 try later"), errors.New("421 try later")}}
	d, sleeps := newTestDispatcher(t, store, nil, email)

	recs := d.Dispatch(context.Background(), czTenant(), approvedEvent())
	require.Len(t, recs, 1)
	assert.Equal(t, core.NotificationSent, recs[0].Status)
	assert.Equal(t, 2, recs[0].RetryCount)
	assert.Equal(t, 3, email.calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
}

func TestDispatchFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		errs         []error
		wantCalls    int
		wantAttempts string
	}{
		{"exhausted", []error{errors.New("a"), errors.New("b"), errors.New("c")}, 3, "3 attempt"},
		{"permanent", []error{retry.NoRetry(errors.New("mailbox unavailable"))}, 1, "1 attempt"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store := storage.NewMemory()
			email := &fakeSender{ch: core.ChannelEmail, retryable: true, errs: tt.errs}
			d, _ := newTestDispatcher(t, store, nil, email)

			recs := d.Dispatch(context.Background(), czTenant(), approvedEvent())
			require.Len(t, recs, 1)
			assert.Equal(t, core.NotificationFailed, recs[0].Status)
			assert.Nil(t, recs[0].SentAt)
			assert.Contains(t, recs[0].Error, tt.wantAttempts)
			assert.Equal(t, tt.wantCalls, email.calls())

			stored, err := store.RecentNotifications(context.Background(), "t-cz-1", 0)
			require.NoError(t, err)
			require.Len(t, stored, 1)
			assert.Equal(t, core.NotificationFailed, stored[0].Status)
		})
	}
}

func TestDispatchWithoutSenderFails(t *testing.T) {
	t.Parallel()

	d, _ := newTestDispatcher(t, storage.NewMemory(), nil)
	recs := d.Dispatch(context.Background(), czTenant(), approvedEvent())
	require.Len(t, recs, 1)
	assert.Equal(t, core.NotificationFailed, recs[0].Status)
	assert.Contains(t, recs[0].Error, ErrNoSender.Error())
}

func TestDispatchChannelNone(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	d, _ := newTestDispatcher(t, store, nil, &fakeSender{ch: core.ChannelEmail})
	tn := czTenant()
	tn.Channel = core.ChannelNone

	assert.Empty(t, d.Dispatch(context.Background(), tn, approvedEvent()))
	stored, err := store.RecentNotifications(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestDispatchDeduplicatesSameEvent(t *testing.T) {
	t.Parallel()

	email := &fakeSender{ch: core.ChannelEmail, retryable: true}
	d, _ := newTestDispatcher(t, storage.NewMemory(), nil, email)

	require.Len(t, d.Dispatch(context.Background(), czTenant(), approvedEvent()), 1)
	assert.Empty(t, d.Dispatch(context.Background(), czTenant(), approvedEvent()))

	later := approvedEvent()
	later.At = later.At.Add(time.Hour)
	assert.Len(t, d.Dispatch(context.Background(), czTenant(), later), 1)
	assert.Equal(t, 2, email.calls())
}

func TestDispatchCancelledLeavesPending(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	email := &fakeSender{ch: core.ChannelEmail, retryable: true, block: true}
	d, _ := newTestDispatcher(t, store, nil, email)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	recs := d.Dispatch(ctx, czTenant(), approvedEvent())
	require.Len(t, recs, 1)
	assert.Equal(t, core.NotificationPending, recs[0].Status)

	stored, err := store.RecentNotifications(context.Background(), "t-cz-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, core.NotificationPending, stored[0].Status)
}

// cancellingSender succeeds and cancels the dispatch context, as a drain
// deadline firing right after delivery would.
type cancellingSender struct {
	cancel context.CancelFunc
}

func (s *cancellingSender) Channel() core.Channel { return core.ChannelEmail }
func (s *cancellingSender) Retryable() bool       { return true }

func (s *cancellingSender) Send(context.Context, Message) error {
	s.cancel()
	return nil
}

func TestDispatchStoresSentAfterCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := storage.NewMemory()
	d, _ := newTestDispatcher(t, store, nil, &cancellingSender{cancel: cancel})

	recs := d.Dispatch(ctx, czTenant(), approvedEvent())
	require.Len(t, recs, 1)
	assert.Equal(t, core.NotificationSent, recs[0].Status)

	stored, err := store.RecentNotifications(context.Background(), "t-cz-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, core.NotificationSent, stored[0].Status)
	assert.NotNil(t, stored[0].SentAt)
}

func TestDispatchAfterCancelCreatesPendingRecord(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := storage.NewMemory()
	email := &fakeSender{ch: core.ChannelEmail, retryable: true}
	d, _ := newTestDispatcher(t, store, nil, email)

	recs := d.Dispatch(ctx, czTenant(), approvedEvent())
	require.Len(t, recs, 1)
	assert.Equal(t, core.NotificationPending, recs[0].Status)
	assert.Zero(t, email.calls())

	stored, err := store.RecentNotifications(context.Background(), "t-cz-1", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, core.NotificationPending, stored[0].Status)
}

func TestDispatchInApp(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	d, _ := newTestDispatcher(t, storage.NewMemory(), bus, NewInAppSender(bus))

	tn := czTenant()
	tn.Channel = core.ChannelInApp
	tn.ChannelTarget = ""

	recs := d.Dispatch(context.Background(), tn, approvedEvent())
	require.Len(t, recs, 1)
	assert.Equal(t, core.NotificationSent, recs[0].Status)
	assert.Equal(t, "u-1", recs[0].Recipient)

	var types []string
	for len(types) < 2 {
		e := <-events
		types = append(types, e.Type)
		if e.Type == eventbus.TypeNotificationInApp {
			p, ok := e.Data.(InAppPayload)
			require.True(t, ok)
			assert.Equal(t, "u-1", p.OwnerID)
			assert.Equal(t, "approved", p.New)
		}
	}
	assert.Equal(t, []string{eventbus.TypeNotificationInApp, eventbus.TypeNotificationSent}, types)
}

func TestTransportErrorUnwraps(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := error(&TransportError{Channel: core.ChannelEmail, Recipient: "x@example.com", Attempts: 3, Err: cause})
	assert.ErrorIs(t, err, cause)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, strings.Contains(err.Error(), "3 attempt"))
}
