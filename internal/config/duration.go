package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string, plus whole days ("2d").
// Empty means 0; negative values are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for 0.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

type durationField struct {
	path string
	raw  string
}

// durationFields lists every duration string in cfg for Validate.
func durationFields(cfg *Config) []durationField {
	out := []durationField{
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"scheduler.drain_grace", cfg.Scheduler.DrainGrace},
		{"scheduler.poll_timeout", cfg.Scheduler.PollTimeout},
		{"task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout},
		{"task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay},
		{"poll.retry.base", cfg.Poll.Retry.Base},
		{"poll.retry.max_delay", cfg.Poll.Retry.MaxDelay},
		{"notifier.send_timeout", cfg.Notifier.SendTimeout},
		{"notifier.dedup_window", cfg.Notifier.DedupWindow},
		{"notifier.retry.base", cfg.Notifier.Retry.Base},
		{"notifier.retry.max_delay", cfg.Notifier.Retry.MaxDelay},
		{"notifier.telegram.timeout", cfg.Notifier.Telegram.Timeout},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	}
	if cfg.Poll.JitterMax != nil {
		out = append(out, durationField{"poll.jitter_max", *cfg.Poll.JitterMax})
	}
	for code, j := range cfg.Jurisdictions {
		out = append(out, durationField{"jurisdictions." + code + ".timeout", j.Timeout})
	}
	return out
}
