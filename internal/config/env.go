package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CASEWATCH"

// Secrets are the values the environment may supply instead of the file.
// A set variable wins over the file value.
type Secrets struct {
	SMTPPassword  string `envconfig:"SMTP_PASSWORD"`
	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	OpsToken      string `envconfig:"OPS_TOKEN"`
}

// ApplyEnv overlays CASEWATCH_* secrets onto cfg.
func ApplyEnv(cfg *Config) error {
	var s Secrets
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	if s.SMTPPassword != "" {
		cfg.Notifier.Email.Password = s.SMTPPassword
	}
	if s.TelegramToken != "" {
		cfg.Notifier.Telegram.Token = s.TelegramToken
	}
	if s.RedisPassword != "" {
		cfg.Relay.Password = s.RedisPassword
	}
	if s.OpsToken != "" {
		cfg.Ops.Token = s.OpsToken
	}
	return nil
}
