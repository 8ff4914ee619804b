package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		h, m    int
		wantErr bool
	}{
		{raw: "06:00", h: 6, m: 0},
		{raw: "23:59", h: 23, m: 59},
		{raw: " 12:30 ", h: 12, m: 30},
		{raw: "24:00", wantErr: true},
		{raw: "12:60", wantErr: true},
		{raw: "noon", wantErr: true},
		{raw: "12", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			h, m, err := ParseHHMM(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseHHMM(%q) succeeded, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseHHMM(%q): %v", tt.raw, err)
			}
			if h != tt.h || m != tt.m {
				t.Fatalf("ParseHHMM(%q) = %d:%d, want %d:%d", tt.raw, h, m, tt.h, tt.m)
			}
		})
	}
}

func TestNormalizeHHMM(t *testing.T) {
	t.Parallel()
	got, err := NormalizeHHMM("6:5")
	if err != nil {
		t.Fatalf("NormalizeHHMM: %v", err)
	}
	if got != "06:05" {
		t.Fatalf("NormalizeHHMM = %q, want 06:05", got)
	}
}

func validConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{Token: "123:abc"},
		Weather: WeatherConfig{
			APIHost:        "https://api.example.com",
			KeyID:          "k1",
			ProjectID:      "p1",
			PrivateKeyPath: "/etc/skycast/key.pem",
		},
		Store: StoreConfig{Driver: "file", Path: "/var/lib/skycast/subs.json"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = "" }},
		{"missing api host", func(c *Config) { c.Weather.APIHost = " " }},
		{"missing key path", func(c *Config) { c.Weather.PrivateKeyPath = "" }},
		{"bad store driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"missing store path", func(c *Config) { c.Store.Path = "" }},
		{"bad default time", func(c *Config) { c.Schedule.DefaultTimes = []string{"25:00"} }},
		{"bad default zone", func(c *Config) { c.Schedule.DefaultZone = "Mars/Olympus" }},
		{"bad duration", func(c *Config) { c.Dispatch.BatchPause = "soon" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestDefaultTimesOrFallback(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	got := cfg.DefaultTimesOrFallback()
	if strings.Join(got, ",") != "06:00,12:00,16:00" {
		t.Fatalf("fallback times = %v", got)
	}

	cfg.Schedule.DefaultTimes = []string{"08:00"}
	got = cfg.DefaultTimesOrFallback()
	if len(got) != 1 || got[0] != "08:00" {
		t.Fatalf("configured times = %v", got)
	}
	// returned slice must not alias the config
	got[0] = "09:00"
	if cfg.Schedule.DefaultTimes[0] != "08:00" {
		t.Fatal("DefaultTimesOrFallback aliased the config slice")
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	if got := DurationOrDefault("", 5*time.Second); got != 5*time.Second {
		t.Fatalf("empty = %v", got)
	}
	if got := DurationOrDefault("250ms", time.Second); got != 250*time.Millisecond {
		t.Fatalf("parse = %v", got)
	}
	if _, err := ParseDurationField("dispatch.batch_pause", "bogus"); err == nil {
		t.Fatal("expected error for bogus duration")
	}
}

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return NewManager(path)
}

func TestManagerParseJSON(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{
		"telegram": {"token": "123:abc"},
		"weather": {"api_host": "https://api.example.com", "private_key_path": "/k.pem"},
		"store": {"driver": "file", "path": "/tmp/subs.json"}
	}`)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Store.Driver != "file" {
		t.Fatalf("parsed config = %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed snapshot")
	}
}

func TestManagerParseYAML(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.yaml", strings.Join([]string{
		"telegram:",
		"  token: 123:abc",
		"weather:",
		"  api_host: https://api.example.com",
		"  private_key_path: /k.pem",
		"store:",
		"  driver: sqlite",
		"  path: /tmp/subs.db",
	}, "\n"))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Telegram.Token != "123:abc" {
		t.Fatalf("parsed config = %+v", cfg)
	}
}

func TestManagerParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{"telegram": {"token": "x", "typo_field": true}}`)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestManagerParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := writeConfig(t, "config.json", `{"telegram": {"token": "x"}}{"extra": 1}`)
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestManagerSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	cfg := validConfig()
	m.Commit(cfg)
	m.publish(cfg)

	select {
	case got := <-ch:
		if got != cfg {
			t.Fatal("subscriber received a different snapshot")
		}
	default:
		t.Fatal("no config delivered to subscriber")
	}

	// slow subscriber: the newest snapshot wins
	newer := validConfig()
	newer.Telegram.Token = "456:def"
	m.publish(cfg)
	m.publish(newer)
	got := <-ch
	if got.Telegram.Token != "456:def" {
		t.Fatalf("expected newest snapshot, got token %s", got.Telegram.Token)
	}
}
