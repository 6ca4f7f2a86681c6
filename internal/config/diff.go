package config

import (
	"reflect"
	"strings"

	logx "dispatchd/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (bot token, SMTP password) are
// never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}

	if strings.TrimSpace(oldCfg.HTTP.Address) != strings.TrimSpace(newCfg.HTTP.Address) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.address", strings.TrimSpace(newCfg.HTTP.Address)))
	}

	if oldCfg.Sweep != newCfg.Sweep {
		changed = append(changed, "sweep")
		attrs = append(attrs,
			logx.Bool("sweep.enabled", newCfg.Sweep.Enabled),
			logx.String("sweep.schedule", strings.TrimSpace(newCfg.Sweep.Schedule)),
		)
	}

	// Providers (never log token or password)
	if !providersEqual(oldCfg.Providers, newCfg.Providers) {
		changed = append(changed, "providers")
		attrs = append(attrs,
			logx.Bool("providers.telegram_set", newCfg.Providers.Telegram != nil),
			logx.Bool("providers.smtp_set", newCfg.Providers.SMTP != nil),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs, logx.Int("dispatch.default_interval_seconds", newCfg.Dispatch.DefaultIntervalSeconds))
	}

	return changed, attrs
}

func providersEqual(a, b ProvidersConfig) bool {
	switch {
	case (a.Telegram == nil) != (b.Telegram == nil):
		return false
	case a.Telegram != nil && *a.Telegram != *b.Telegram:
		return false
	case (a.SMTP == nil) != (b.SMTP == nil):
		return false
	case a.SMTP != nil && *a.SMTP != *b.SMTP:
		return false
	}
	return true
}
