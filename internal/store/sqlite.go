package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "skycast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

// subscriberRow mirrors the subscribers table; slice fields are stored as
// JSON text columns.
type subscriberRow struct {
	ID            string `db:"id"`
	Active        bool   `db:"active"`
	CityID        string `db:"city_id"`
	CityName      string `db:"city_name"`
	TimeZone      string `db:"time_zone"`
	ReminderTimes string `db:"reminder_times"`
	AlertCities   string `db:"alert_cities"`
	SentAlerts    string `db:"sent_alerts"`
	UpdatedAt     string `db:"updated_at"`
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	var n int
	_ = db.Get(&n, "SELECT COUNT(*) FROM subscribers")
	log.Info("subscriber store loaded", logx.String("driver", "sqlite"), logx.Int("subscribers", n))
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func rowToSubscriber(r subscriberRow) (Subscriber, error) {
	sub := Subscriber{
		ID:       r.ID,
		Active:   r.Active,
		CityID:   r.CityID,
		CityName: r.CityName,
		TimeZone: r.TimeZone,
	}
	if r.ReminderTimes != "" {
		if err := json.Unmarshal([]byte(r.ReminderTimes), &sub.ReminderTimes); err != nil {
			return Subscriber{}, err
		}
	}
	if r.AlertCities != "" {
		if err := json.Unmarshal([]byte(r.AlertCities), &sub.AlertCities); err != nil {
			return Subscriber{}, err
		}
	}
	if r.SentAlerts != "" {
		if err := json.Unmarshal([]byte(r.SentAlerts), &sub.SentAlerts); err != nil {
			return Subscriber{}, err
		}
	}
	if r.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, r.UpdatedAt); err == nil {
			sub.UpdatedAt = t
		}
	}
	return sub, nil
}

func subscriberToRow(sub Subscriber) (subscriberRow, error) {
	times, err := json.Marshal(emptyIfNilStrings(sub.ReminderTimes))
	if err != nil {
		return subscriberRow{}, err
	}
	cities, err := json.Marshal(emptyIfNilKeys(sub.AlertCities))
	if err != nil {
		return subscriberRow{}, err
	}
	sent, err := json.Marshal(emptyIfNilStrings(sub.SentAlerts))
	if err != nil {
		return subscriberRow{}, err
	}
	return subscriberRow{
		ID:            sub.ID,
		Active:        sub.Active,
		CityID:        sub.CityID,
		CityName:      sub.CityName,
		TimeZone:      sub.TimeZone,
		ReminderTimes: string(times),
		AlertCities:   string(cities),
		SentAlerts:    string(sent),
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func emptyIfNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func emptyIfNilKeys(in []AlertKey) []AlertKey {
	if in == nil {
		return []AlertKey{}
	}
	return in
}

func (s *sqliteStore) All(ctx context.Context) ([]Subscriber, error) {
	var rows []subscriberRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM subscribers ORDER BY id"); err != nil {
		return nil, err
	}
	out := make([]Subscriber, 0, len(rows))
	for _, r := range rows {
		sub, err := rowToSubscriber(r)
		if err != nil {
			s.log.Warn("skipping malformed subscriber row", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		sanitizeSlots(&sub, s.log)
		out = append(out, sub)
	}
	return out, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Subscriber, bool, error) {
	var r subscriberRow
	err := s.db.GetContext(ctx, &r, "SELECT * FROM subscribers WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, false, nil
	}
	if err != nil {
		return Subscriber{}, false, err
	}
	sub, err := rowToSubscriber(r)
	if err != nil {
		return Subscriber{}, false, err
	}
	sanitizeSlots(&sub, s.log)
	return sub, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, sub Subscriber) error {
	if strings.TrimSpace(sub.ID) == "" {
		return errors.New("subscriber id is empty")
	}
	r, err := subscriberToRow(sub)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO subscribers (id, active, city_id, city_name, time_zone, reminder_times, alert_cities, sent_alerts, updated_at)
		VALUES (:id, :active, :city_id, :city_name, :time_zone, :reminder_times, :alert_cities, :sent_alerts, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			active = excluded.active,
			city_id = excluded.city_id,
			city_name = excluded.city_name,
			time_zone = excluded.time_zone,
			reminder_times = excluded.reminder_times,
			alert_cities = excluded.alert_cities,
			sent_alerts = excluded.sent_alerts,
			updated_at = excluded.updated_at`,
		r)
	return err
}

func (s *sqliteStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE subscribers SET active = 0, updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) RecordAlerts(ctx context.Context, id string, alertIDs []string) error {
	if len(alertIDs) == 0 {
		return nil
	}
	// Read-modify-write inside one transaction; the single-connection pool
	// plus the transaction keeps concurrent appends from losing updates.
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var r subscriberRow
	err = tx.GetContext(ctx, &r, "SELECT * FROM subscribers WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	sub, err := rowToSubscriber(r)
	if err != nil {
		return err
	}
	sub.SentAlerts = appendSentAlerts(sub.SentAlerts, alertIDs)

	sent, err := json.Marshal(emptyIfNilStrings(sub.SentAlerts))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE subscribers SET sent_alerts = ?, updated_at = ? WHERE id = ?",
		string(sent), time.Now().UTC().Format(time.RFC3339Nano), id); err != nil {
		return err
	}
	return tx.Commit()
}
