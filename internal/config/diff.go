package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	logx "casewatch/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"storage": true,
	"i18n":    true,
	"relay":   true,
}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets are reported only as "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.I18n, newCfg.I18n) {
		changed = append(changed, "i18n")
		attrs = append(attrs, logx.String("i18n.default", newCfg.I18n.Default))
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.trigger", newCfg.Scheduler.Trigger),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.drain_grace", newCfg.Scheduler.DrainGrace),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
		)
	}

	if !reflect.DeepEqual(oldCfg.Poll, newCfg.Poll) {
		changed = append(changed, "poll")
		jitter := "default"
		if newCfg.Poll.JitterMax != nil {
			jitter = *newCfg.Poll.JitterMax
		}
		attrs = append(attrs,
			logx.String("poll.jitter_max", jitter),
			logx.Int("poll.retry.max_attempts", newCfg.Poll.Retry.MaxAttempts),
		)
	}

	if codes := diffJurisdictions(oldCfg.Jurisdictions, newCfg.Jurisdictions); len(codes) > 0 {
		changed = append(changed, "jurisdictions")
		attrs = append(attrs, logx.String("jurisdictions.changed", strings.Join(codes, ",")))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := newCfg.Notifier
		attrs = append(attrs,
			logx.Bool("notifier.email_enabled", n.Email.Enabled),
			logx.Bool("notifier.email_password_set", n.Email.Password != ""),
			logx.Bool("notifier.telegram_enabled", n.Telegram.Enabled),
			logx.Bool("notifier.telegram_token_set", n.Telegram.Token != ""),
			logx.Int("notifier.retry.max_attempts", n.Retry.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Bool("relay.enabled", newCfg.Relay.Enabled),
			logx.Bool("relay.password_set", newCfg.Relay.Password != ""),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections whose changes only take effect after a
// restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func diffJurisdictions(oldM, newM map[string]JurisdictionConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	var out []string
	for code := range set {
		o, oOK := oldM[code]
		n, nOK := newM[code]
		if oOK != nOK || o != n {
			out = append(out, code)
		}
	}
	sort.Strings(out)
	return out
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
