package app

import (
	"fmt"
	"strings"
	"time"

	"casewatch/internal/config"
	"casewatch/internal/core"
	"casewatch/internal/eventbus"
	"casewatch/internal/i18n"
	"casewatch/internal/notifier"
	"casewatch/internal/observability/ops"
	"casewatch/internal/plugin"
	"casewatch/internal/poll"
	"casewatch/internal/storage"
	"casewatch/internal/task/engine"
	"casewatch/internal/task/retry"
	"casewatch/internal/task/scheduler"
	logx "casewatch/pkg/logx"
	"casewatch/plugins/czech"
)

// defaultPollJitter applies when poll.jitter_max is omitted.
const defaultPollJitter = 60 * time.Second

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		switch driver {
		case "sqlite":
			path = "./casewatch.db"
		case "file":
			path = "./casewatch-data"
		}
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapI18nConfig(cfg *config.Config) i18n.Config {
	return i18n.Config{
		Dir:     strings.TrimSpace(cfg.I18n.Dir),
		Default: strings.TrimSpace(cfg.I18n.Default),
		Locales: cfg.I18n.Locales,
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	grace, err := config.ParseDurationOrDefault("scheduler.drain_grace", sc.DrainGrace, scheduler.DefaultDrainGrace)
	if err != nil {
		return scheduler.Config{}, err
	}
	pollTimeout, err := config.ParseDurationOrDefault("scheduler.poll_timeout", sc.PollTimeout, scheduler.DefaultPollTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	trigger := strings.TrimSpace(sc.Trigger)
	if trigger == "" {
		trigger = scheduler.DefaultTrigger
	}
	return scheduler.Config{
		Trigger:     trigger,
		Timezone:    strings.TrimSpace(sc.Timezone),
		DrainGrace:  grace,
		PollTimeout: pollTimeout,
	}, nil
}

func mapRetry(path string, rc config.RetryConfig) (retry.Policy, error) {
	base, err := config.ParseDurationField(path+".base", rc.Base)
	if err != nil {
		return retry.Policy{}, err
	}
	maxDelay, err := config.ParseDurationField(path+".max_delay", rc.MaxDelay)
	if err != nil {
		return retry.Policy{}, err
	}
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		Base:        base,
		Multiplier:  rc.Multiplier,
		MaxDelay:    maxDelay,
		Jitter:      rc.Jitter,
	}.WithDefaults(), nil
}

func mapPollConfig(cfg *config.Config) (poll.Config, error) {
	jitter := defaultPollJitter
	if cfg.Poll.JitterMax != nil {
		d, err := config.ParseDurationField("poll.jitter_max", *cfg.Poll.JitterMax)
		if err != nil {
			return poll.Config{}, err
		}
		jitter = d
	}
	pol, err := mapRetry("poll.retry", cfg.Poll.Retry)
	if err != nil {
		return poll.Config{}, err
	}
	return poll.Config{JitterMax: jitter, Retry: pol}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	sendTimeout, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	pol, err := mapRetry("notifier.retry", nc.Retry)
	if err != nil {
		return notifier.Config{}, err
	}
	var rates map[core.Channel]notifier.Rate
	if len(nc.Rates) > 0 {
		rates = make(map[core.Channel]notifier.Rate, len(nc.Rates))
		for name, rc := range nc.Rates {
			ch := core.ParseChannel(name)
			if ch == core.ChannelNone {
				return notifier.Config{}, fmt.Errorf("notifier.rates: unknown channel %q", name)
			}
			rates[ch] = notifier.Rate{PerSec: rc.PerSec, Burst: rc.Burst}
		}
	}
	return notifier.Config{SendTimeout: sendTimeout, Retry: pol, DedupWindow: dedup, Rates: rates}, nil
}

func mapEmailConfig(cfg *config.Config) notifier.EmailConfig {
	ec := cfg.Notifier.Email
	return notifier.EmailConfig{
		Host:               strings.TrimSpace(ec.Host),
		Port:               ec.Port,
		Username:           ec.Username,
		Password:           ec.Password,
		From:               strings.TrimSpace(ec.From),
		InsecureSkipVerify: ec.InsecureSkipVerify,
		SSL:                ec.SSL,
	}
}

func mapTelegramConfig(cfg *config.Config) (notifier.TelegramConfig, error) {
	timeout, err := config.ParseDurationField("notifier.telegram.timeout", cfg.Notifier.Telegram.Timeout)
	if err != nil {
		return notifier.TelegramConfig{}, err
	}
	return notifier.TelegramConfig{Token: strings.TrimSpace(cfg.Notifier.Telegram.Token), Timeout: timeout}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	wt, err := config.ParseDurationField("ops.write_timeout", oc.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	addr := strings.TrimSpace(oc.Addr)
	if addr == "" {
		addr = ops.DefaultAddr
	}
	return ops.Config{
		Enabled:              oc.Enabled,
		Addr:                 addr,
		Token:                strings.TrimSpace(oc.Token),
		AllowInsecure:        oc.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: oc.MutexProfileFraction,
		BlockProfileRate:     oc.BlockProfileRate,
		MemProfileRate:       oc.MemProfileRate,
	}, nil
}

func mapRelayConfig(cfg *config.Config) (eventbus.RedisConfig, string) {
	rc := cfg.Relay
	prefix := rc.Prefix
	if prefix == "" {
		prefix = "casewatch:"
	}
	return eventbus.RedisConfig{
		URL:          strings.TrimSpace(rc.URL),
		Password:     rc.Password,
		PoolSize:     rc.PoolSize,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}, prefix
}

// jurisdictionFactory builds a jurisdiction plugin from its config section.
type jurisdictionFactory func(jc config.JurisdictionConfig, log logx.Logger) (plugin.Jurisdiction, error)

// jurisdictions lists every plugin compiled into the binary, keyed by code.
var jurisdictions = map[string]jurisdictionFactory{
	czech.Code: func(jc config.JurisdictionConfig, log logx.Logger) (plugin.Jurisdiction, error) {
		timeout, err := config.ParseDurationField("jurisdictions."+czech.Code+".timeout", jc.Timeout)
		if err != nil {
			return nil, err
		}
		return czech.New(czech.Config{BaseURL: jc.BaseURL, UserAgent: jc.UserAgent, Timeout: timeout}, log)
	},
}

// jurisdictionEnabled reports whether code should be registered. A code
// missing from the config is enabled with plugin defaults.
func jurisdictionEnabled(cfg *config.Config, code string) (config.JurisdictionConfig, bool) {
	for k, jc := range cfg.Jurisdictions {
		if strings.EqualFold(k, code) {
			return jc, jc.Enabled
		}
	}
	return config.JurisdictionConfig{}, true
}

func mapLimits(jc config.JurisdictionConfig) plugin.Limits {
	return plugin.Limits{
		RatePerMinute: float64(jc.RatePerMinute),
		Burst:         jc.Burst,
		MaxConcurrent: jc.MaxConcurrent,
	}
}

// validateConfig runs every mapping so a bad hot reload is rejected before it
// is committed.
func validateConfig(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	if err := scheduler.Validate(sc); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if _, err := mapPollConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	for code := range cfg.Jurisdictions {
		if _, ok := jurisdictions[strings.ToUpper(code)]; !ok {
			return fmt.Errorf("jurisdictions.%s: no plugin for this code", code)
		}
	}
	return nil
}
