package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	got := formatAlert([]byte(`{"level":"error","message":"poll failed","tenant":"t1","attempts":3,"time":"x"}`))
	want := "[ERROR] poll failed\n- attempts=3\n- tenant=t1"
	if got != want {
		t.Fatalf("formatAlert mismatch:\n got: %q\nwant: %q", got, want)
	}

	raw := formatAlert([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("non-JSON input should be trimmed, got %q", raw)
	}
}

func TestServiceAlertsRespectMinLevel(t *testing.T) {
	svc, log := New(Config{Level: "debug", Alerts: AlertConfig{Enabled: false, MinLevel: "warn", RatePerSec: 100}})
	defer svc.Close()

	var (
		mu   sync.Mutex
		msgs []string
	)
	svc.SetAlertFunc(func(ctx context.Context, text string) error {
		mu.Lock()
		msgs = append(msgs, text)
		mu.Unlock()
		return nil
	})
	svc.Apply(Config{Level: "debug", Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100}})

	log.Info("quiet")
	log.Warn("loud", String("k", "v"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(msgs)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one alert, got %d: %v", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0], "[WARN] loud") {
		t.Fatalf("unexpected alert text %q", msgs[0])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("dropped")
	l.With(String("a", "b")).Error("dropped")
}
