package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casewatch/internal/core"
	"casewatch/internal/notifier"
	"casewatch/internal/poll"
	"casewatch/internal/storage"
	"casewatch/internal/task/engine"
	"casewatch/internal/task/scheduler"
	logx "casewatch/pkg/logx"
)

type fakeScheduler struct {
	snap   scheduler.Snapshot
	errs   map[string]error
	polled []string
}

func (f *fakeScheduler) Snapshot() scheduler.Snapshot { return f.snap }

func (f *fakeScheduler) PollNow(ctx context.Context, id string) error {
	if err := f.errs[id]; err != nil {
		return err
	}
	f.polled = append(f.polled, id)
	return nil
}

type fakeNotifications struct {
	recent []notifier.HistoryItem
}

func (f *fakeNotifications) Channels() []core.Channel {
	return []core.Channel{core.ChannelTelegram, core.ChannelEmail}
}

func (f *fakeNotifications) Recent() []notifier.HistoryItem {
	return append([]notifier.HistoryItem(nil), f.recent...)
}

func newTestService(token string, health func() error) (*Service, *fakeScheduler, http.Handler) {
	sched := &fakeScheduler{
		snap: scheduler.Snapshot{Lifecycle: scheduler.Running, Trigger: "30s"},
		errs: map[string]error{
			"missing": storage.ErrNotFound,
			"paused":  poll.ErrInactive,
			"busy":    engine.ErrOverlapSkip,
			"full":    engine.ErrQueueFull,
			"boom":    errors.New("boom"),
		},
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("casewatch_ticks_total 3\n"))
	})
	at := time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)
	notes := &fakeNotifications{recent: []notifier.HistoryItem{
		{At: at, TenantID: "t-1", Channel: core.ChannelEmail, Status: core.NotificationSent},
		{At: at.Add(time.Minute), TenantID: "t-2", Channel: core.ChannelTelegram, Status: core.NotificationFailed, Error: "chat not found"},
	}}
	s := New(Config{Token: token}, Deps{Scheduler: sched, Notifications: notes, Metrics: metrics, Health: health}, logx.Nop())
	return s, sched, s.Handler(token)
}

func do(h http.Handler, method, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	_, _, h := newTestService("", nil)
	rec := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	_, _, h = newTestService("", func() error { return errors.New("scheduler stopped") })
	rec = do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "scheduler stopped")
}

func TestSchedulerSnapshot(t *testing.T) {
	t.Parallel()

	_, _, h := newTestService("", nil)
	rec := do(h, http.MethodGet, "/scheduler", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got scheduler.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, scheduler.Running, got.Lifecycle)
	assert.Equal(t, "30s", got.Trigger)
}

func TestNotificationsEndpoint(t *testing.T) {
	t.Parallel()

	_, _, h := newTestService("", nil)
	rec := do(h, http.MethodGet, "/notifications", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Channels []core.Channel         `json:"channels"`
		Recent   []notifier.HistoryItem `json:"recent"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []core.Channel{core.ChannelEmail, core.ChannelTelegram}, got.Channels)
	require.Len(t, got.Recent, 2)
	assert.Equal(t, "t-2", got.Recent[0].TenantID)
	assert.Equal(t, "chat not found", got.Recent[0].Error)

	rec = do(h, http.MethodGet, "/notifications?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Recent, 1)

	rec = do(h, http.MethodGet, "/notifications?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	_, _, h := newTestService("", nil)
	rec := do(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "casewatch_ticks_total")
}

func TestPollNowEndpoint(t *testing.T) {
	t.Parallel()

	cases := []struct {
		id   string
		code int
	}{
		{"t-1", http.StatusAccepted},
		{"missing", http.StatusNotFound},
		{"paused", http.StatusConflict},
		{"busy", http.StatusConflict},
		{"full", http.StatusServiceUnavailable},
		{"boom", http.StatusInternalServerError},
	}
	_, sched, h := newTestService("", nil)
	for _, tc := range cases {
		rec := do(h, http.MethodPost, "/tenants/"+tc.id+"/poll", "")
		assert.Equal(t, tc.code, rec.Code, tc.id)
	}
	assert.Equal(t, []string{"t-1"}, sched.polled)

	rec := do(h, http.MethodGet, "/tenants/t-1/poll", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTokenGuardsEveryRoute(t *testing.T) {
	t.Parallel()

	_, _, h := newTestService("s3cret", nil)
	for _, path := range []string{"/healthz", "/scheduler", "/metrics", "/debug/pprof/"} {
		rec := do(h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = do(h, http.MethodGet, path, "wrong")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = do(h, http.MethodGet, path, "s3cret")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := do(h, http.MethodGet, "/healthz?token=s3cret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:6060"))
	assert.True(t, isLoopbackAddr("[::1]:6060"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("0.0.0.0:6060"))
	assert.False(t, isLoopbackAddr("10.0.0.5:6060"))
	assert.False(t, isLoopbackAddr("nonsense"))
}

func TestApplyStartsAndStopsServer(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestService("", nil)
	s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"})

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Apply(ctx, Config{Enabled: false})
	assert.Nil(t, s.Supervisor())
	assert.Empty(t, s.Addr())
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	err := s.serveOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure bind")
}
