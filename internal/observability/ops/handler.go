package ops

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"slices"
	"strconv"
	"strings"

	"casewatch/internal/core"
	"casewatch/internal/notifier"
	"casewatch/internal/poll"
	"casewatch/internal/storage"
	"casewatch/internal/task/engine"
	"casewatch/internal/task/scheduler"
	logx "casewatch/pkg/logx"
)

// Handler builds the ops mux. A non-empty token guards every route.
func (s *Service) Handler(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics)
	}
	if s.deps.Scheduler != nil {
		mux.HandleFunc("GET /scheduler", s.handleScheduler)
		mux.HandleFunc("POST /tenants/{id}/poll", s.handlePollNow)
	}
	if s.deps.Notifications != nil {
		mux.HandleFunc("GET /notifications", s.handleNotifications)
	}

	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)

	return withAuth(strings.TrimSpace(token), mux)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Service) handleScheduler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Snapshot())
}

type notificationsView struct {
	Channels []core.Channel          `json:"channels"`
	Recent   []notifier.HistoryItem `json:"recent"`
}

// handleNotifications lists configured channels and recent delivery outcomes,
// newest first. ?limit=N trims the list.
func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	chans := s.deps.Notifications.Channels()
	slices.Sort(chans)
	recent := s.deps.Notifications.Recent()
	slices.Reverse(recent)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		if n < len(recent) {
			recent = recent[:n]
		}
	}
	writeJSON(w, http.StatusOK, notificationsView{Channels: chans, Recent: recent})
}

func (s *Service) handlePollNow(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant id required"})
		return
	}
	err := s.deps.Scheduler.PollNow(r.Context(), id)
	if err == nil {
		s.log.Info("manual poll requested", logx.Tenant(id))
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued", "tenant": id})
		return
	}
	code := pollNowStatus(err)
	if code == http.StatusInternalServerError {
		s.log.Warn("manual poll failed", logx.Tenant(id), logx.Err(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error(), "tenant": id})
}

func pollNowStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, poll.ErrInactive), errors.Is(err, engine.ErrOverlapSkip):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotRunning),
		errors.Is(err, engine.ErrQueueFull),
		errors.Is(err, engine.ErrDraining),
		errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	if token == "" {
		return h
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
