// Package config loads and watches the bot configuration. JSON is the
// native format; YAML is accepted by coercing to JSON so both go through
// the same strict decoder. Durations are Go duration strings.
package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Ingest       IngestConfig       `json:"ingest"`
	Notify       NotifyConfig       `json:"notify"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout / SendTimeout are Go duration strings (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type IngestConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// NotifyConfig tunes the admission/dispatch/delivery pipeline. Zero
// values fall back to the component defaults.
type NotifyConfig struct {
	CooldownWindow    string `json:"cooldown_window,omitempty"`
	DispatchInterval  string `json:"dispatch_interval,omitempty"`
	BatchThreshold    int    `json:"batch_threshold,omitempty"`
	MaxQuietPeriod    string `json:"max_quiet_period,omitempty"`
	SendDelay         string `json:"send_delay,omitempty"`
	RateLimitFallback string `json:"rate_limit_fallback,omitempty"`
	SendTimeout       string `json:"send_timeout,omitempty"`
	QueueSize         int    `json:"queue_size,omitempty"`
	DashboardURL      string `json:"dashboard_url,omitempty"`
}

// HousekeepingConfig tunes the lifecycle sweeps. Specs are cron
// expressions (five fields), retentions are Go duration strings.
type HousekeepingConfig struct {
	LifecycleSpec     string `json:"lifecycle_spec,omitempty"`
	PurgeSpec         string `json:"purge_spec,omitempty"`
	ExpiryWarnWindow  string `json:"expiry_warn_window,omitempty"`
	HistoryRetention  string `json:"history_retention,omitempty"`
	QueueRetention    string `json:"queue_retention,omitempty"`
	CooldownRetention string `json:"cooldown_retention,omitempty"`
	CodeGrace         string `json:"code_grace,omitempty"`
}

const (
	DefaultLifecycleSpec = "10 3 * * *"
	DefaultPurgeSpec     = "30 3 * * *"
)

// Validate parses every duration field so bad configs fail at load time
// instead of at first use.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	fields := map[string]string{
		"telegram.poll_timeout":           c.Telegram.PollTimeout,
		"telegram.send_timeout":           c.Telegram.SendTimeout,
		"storage.busy_timeout":            c.Storage.BusyTimeout,
		"notify.cooldown_window":          c.Notify.CooldownWindow,
		"notify.dispatch_interval":        c.Notify.DispatchInterval,
		"notify.max_quiet_period":         c.Notify.MaxQuietPeriod,
		"notify.send_delay":               c.Notify.SendDelay,
		"notify.rate_limit_fallback":      c.Notify.RateLimitFallback,
		"notify.send_timeout":             c.Notify.SendTimeout,
		"housekeeping.expiry_warn_window": c.Housekeeping.ExpiryWarnWindow,
		"housekeeping.history_retention":  c.Housekeeping.HistoryRetention,
		"housekeeping.queue_retention":    c.Housekeeping.QueueRetention,
		"housekeeping.cooldown_retention": c.Housekeeping.CooldownRetention,
		"housekeeping.code_grace":         c.Housekeeping.CodeGrace,
	}
	for path, raw := range fields {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Duration returns the parsed field value, or def when the field is
// empty. Call only after Validate(); parse failures fall back to def.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
