package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"skycast/internal/config"
	logx "skycast/pkg/logx"
)

// ErrNotFound is returned by mutations targeting an unknown subscriber.
var ErrNotFound = errors.New("subscriber not found")

const (
	// MaxReminderTimes caps the per-subscriber reminder slots.
	MaxReminderTimes = 5

	// sentAlertsCap / sentAlertsKeep bound the delivered-alert dedup set:
	// once it grows past the cap it is trimmed to the most recent entries.
	sentAlertsCap  = 50
	sentAlertsKeep = 25
)

// AlertKey is a warning-alert subscription: an upstream location id and
// its display name.
type AlertKey struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// Subscriber is one notification recipient and their preferences.
//
// ID is the opaque recipient id (the Telegram chat id, in decimal form).
// SentAlerts is an append-ordered FIFO of delivered warning-alert ids used
// for at-most-once alert delivery across restarts.
type Subscriber struct {
	ID            string     `json:"-"`
	Active        bool       `json:"active"`
	CityID        string     `json:"city_id,omitempty"`
	CityName      string     `json:"city_name,omitempty"`
	TimeZone      string     `json:"time_zone,omitempty"`
	ReminderTimes []string   `json:"reminder_times,omitempty"`
	AlertCities   []AlertKey `json:"alert_cities,omitempty"`
	SentAlerts    []string   `json:"sent_alerts,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at,omitempty"`
}

// Clone returns a deep copy so callers can't alias store-owned slices.
func (s Subscriber) Clone() Subscriber {
	cp := s
	cp.ReminderTimes = append([]string(nil), s.ReminderTimes...)
	cp.AlertCities = append([]AlertKey(nil), s.AlertCities...)
	cp.SentAlerts = append([]string(nil), s.SentAlerts...)
	return cp
}

// HasSentAlert reports whether the given warning id was already delivered.
func (s Subscriber) HasSentAlert(id string) bool {
	for _, v := range s.SentAlerts {
		if v == id {
			return true
		}
	}
	return false
}

// appendSentAlerts appends ids in delivery order and trims the set when it
// exceeds the cap, keeping only the most recent entries.
func appendSentAlerts(existing []string, ids []string) []string {
	out := existing
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		dup := false
		for _, v := range out {
			if v == id {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		out = append(out, id)
	}
	if len(out) > sentAlertsCap {
		out = append([]string(nil), out[len(out)-sentAlertsKeep:]...)
	}
	return out
}

// sanitizeSlots normalizes stored reminder slots and drops anything that
// is not a valid "HH:MM" time. Handlers validate on write, but hand-edited
// or legacy snapshots must not derail a tick.
func sanitizeSlots(sub *Subscriber, log logx.Logger) {
	if len(sub.ReminderTimes) == 0 {
		return
	}
	out := sub.ReminderTimes[:0]
	for _, raw := range sub.ReminderTimes {
		slot, err := config.NormalizeHHMM(raw)
		if err != nil {
			log.Warn("dropping malformed reminder slot",
				logx.String("subscriber", sub.ID), logx.String("slot", raw))
			continue
		}
		dup := false
		for _, v := range out {
			if v == slot {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, slot)
		}
	}
	if len(out) > MaxReminderTimes {
		out = out[:MaxReminderTimes]
	}
	sub.ReminderTimes = out
}

// Store is durable subscriber persistence. Implementations serialize all
// mutations internally (single logical writer) and flush after each one,
// so state survives a clean restart.
type Store interface {
	// All returns a snapshot copy of every subscriber.
	All(ctx context.Context) ([]Subscriber, error)
	// Get returns a snapshot copy of one subscriber.
	Get(ctx context.Context, id string) (Subscriber, bool, error)
	// Put upserts a subscriber record.
	Put(ctx context.Context, sub Subscriber) error
	// Deactivate flips Active to false. Idempotent; missing id is ErrNotFound.
	Deactivate(ctx context.Context, id string) error
	// RecordAlerts appends delivered warning ids to the subscriber's dedup
	// set, trimming the set when it overflows.
	RecordAlerts(ctx context.Context, id string, alertIDs []string) error
	Close() error
}

// Config selects the persistence backend.
//
// Driver values:
//   - "file": JSON snapshot file, rewritten atomically after each mutation
//   - "sqlite": SQLite database file
type Config struct {
	Driver string
	Path   string
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}
