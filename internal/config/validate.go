package config

import (
	"fmt"
	"strings"
)

// Validate checks everything that can be checked without touching the
// environment: duration syntax, known storage drivers, required provider
// fields. Listen addresses and schedules are validated by the components
// that consume them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "sqlite", "memory":
		case "":
			return fmt.Errorf("storage.driver: required when storage is set")
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	if _, err := ParseDurationField("sweep.retention", cfg.Sweep.Retention); err != nil {
		return err
	}
	if _, err := ParseDurationField("sweep.lease_ttl", cfg.Sweep.LeaseTTL); err != nil {
		return err
	}

	if tg := cfg.Providers.Telegram; tg != nil {
		if strings.TrimSpace(tg.Token) == "" {
			return fmt.Errorf("providers.telegram.token: required")
		}
		if _, err := ParseDurationField("providers.telegram.timeout", tg.Timeout); err != nil {
			return err
		}
	}
	if smtp := cfg.Providers.SMTP; smtp != nil {
		if strings.TrimSpace(smtp.Host) == "" {
			return fmt.Errorf("providers.smtp.host: required")
		}
		if strings.TrimSpace(smtp.From) == "" {
			return fmt.Errorf("providers.smtp.from: required")
		}
		if smtp.Port < 0 || smtp.Port > 65535 {
			return fmt.Errorf("providers.smtp.port: out of range")
		}
	}

	if cfg.Dispatch.DefaultIntervalSeconds < 0 {
		return fmt.Errorf("dispatch.default_interval_seconds: must be >= 0")
	}
	return nil
}
