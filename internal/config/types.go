package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Weather  WeatherConfig  `json:"weather"`
	Advisory AdvisoryConfig `json:"advisory"`
	Store    StoreConfig    `json:"store"`
	Dispatch DispatchConfig `json:"dispatch"`
	Schedule ScheduleConfig `json:"schedule"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"` // duration, default 10s
}

type LoggingConfig struct {
	Level   string         `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool           `json:"console"`
	File    LogFileConfig  `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// WeatherConfig points at the upstream weather provider and its
// JWT credential material.
type WeatherConfig struct {
	APIHost        string `json:"api_host"`
	KeyID          string `json:"key_id"`
	ProjectID      string `json:"project_id"`
	PrivateKeyPath string `json:"private_key_path"`
	Timeout        string `json:"timeout,omitempty"`           // per-request, default 5s
	CacheTTL       string `json:"cache_ttl,omitempty"`         // default 5m
	WarningTTL     string `json:"warning_cache_ttl,omitempty"` // default 2m
}

type AdvisoryConfig struct {
	Enabled bool   `json:"enabled"`
	APIURL  string `json:"api_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt,omitempty"` // system prompt override
	Timeout string `json:"timeout,omitempty"`
}

type StoreConfig struct {
	Driver string `json:"driver"` // "file" or "sqlite"
	Path   string `json:"path"`
}

type DispatchConfig struct {
	BatchSize   int    `json:"batch_size,omitempty"`   // default 20
	BatchPause  string `json:"batch_pause,omitempty"`  // default 1s
	RatePerSec  int    `json:"rate_per_sec,omitempty"` // default 20
	RetryMax    int    `json:"retry_max,omitempty"`    // total attempts, default 3
	RetryBase   string `json:"retry_base,omitempty"`   // default 1s
	SendTimeout string `json:"send_timeout,omitempty"` // default 10s
}

type ScheduleConfig struct {
	Timezone      string   `json:"timezone,omitempty"`       // scheduler cron zone, default UTC
	DefaultZone   string   `json:"default_zone,omitempty"`   // fallback subscriber zone
	DefaultTimes  []string `json:"default_times,omitempty"`  // default reminder slots
	ReminderSpec  string   `json:"reminder_spec,omitempty"`  // cron, default "* * * * *"
	AlertInterval string   `json:"alert_interval,omitempty"` // default 5m
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"` // default ":9090"
}

// DefaultReminderTimes are the slots a new subscriber starts with.
var DefaultReminderTimes = []string{"06:00", "12:00", "16:00"}

// Validate checks the config for holes that would make startup pointless.
// Soft knobs (batch sizes, intervals) are corrected by the accessors below
// rather than rejected here.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Weather.APIHost) == "" {
		return errors.New("weather.api_host is required")
	}
	if strings.TrimSpace(c.Weather.PrivateKeyPath) == "" {
		return errors.New("weather.private_key_path is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "file", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver %q is not supported (file, sqlite)", c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required")
	}
	for _, t := range c.Schedule.DefaultTimes {
		if _, _, err := ParseHHMM(t); err != nil {
			return fmt.Errorf("schedule.default_times: %w", err)
		}
	}
	if tz := strings.TrimSpace(c.Schedule.DefaultZone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedule.default_zone: %w", err)
		}
	}
	// Duration fields must at least parse.
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"weather.timeout", c.Weather.Timeout},
		{"weather.cache_ttl", c.Weather.CacheTTL},
		{"weather.warning_cache_ttl", c.Weather.WarningTTL},
		{"advisory.timeout", c.Advisory.Timeout},
		{"dispatch.batch_pause", c.Dispatch.BatchPause},
		{"dispatch.retry_base", c.Dispatch.RetryBase},
		{"dispatch.send_timeout", c.Dispatch.SendTimeout},
		{"schedule.alert_interval", c.Schedule.AlertInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// DefaultTimesOrFallback returns configured default reminder slots,
// falling back to the built-in defaults.
func (c *Config) DefaultTimesOrFallback() []string {
	if len(c.Schedule.DefaultTimes) == 0 {
		return append([]string(nil), DefaultReminderTimes...)
	}
	return append([]string(nil), c.Schedule.DefaultTimes...)
}

// ParseHHMM validates a 24h "HH:MM" string and returns its parts.
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil || len(strings.Split(s, ":")) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// NormalizeHHMM re-renders a valid "HH:MM" with zero padding ("6:5" -> "06:05").
func NormalizeHHMM(s string) (string, error) {
	h, m, err := ParseHHMM(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}
