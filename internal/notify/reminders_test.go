package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"skycast/internal/store"
	"skycast/internal/weather"
)

const nowPayload = `{"code":"200","updateTime":"2026-03-01T06:00+00:00",
	"now":{"obsTime":"2026-03-01T05:55+00:00","temp":"21","feelsLike":"20","text":"Sunny","windDir":"N","windScale":"2","humidity":"40","vis":"16"},
	"refer":{"sources":["test"]}}`

func reportSource(t *testing.T, hits *atomic.Int64) *weather.Source {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v7/weather/now" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		fmt.Fprint(w, nowPayload)
	}))
	t.Cleanup(srv.Close)
	client := weather.NewClient(weather.ClientConfig{APIHost: srv.URL}, stubTokens{}, testLogger())
	return weather.NewSource(weather.SourceConfig{}, client, nil, testLogger())
}

func TestRemindersTickSendsDueOnly(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	src := reportSource(t, &hits)
	ad := &scriptedAdapter{}
	st := newMemStore(
		store.Subscriber{ID: "10", Active: true, CityID: "c1", CityName: "Beijing", ReminderTimes: []string{"06:00"}},
		store.Subscriber{ID: "11", Active: true, CityID: "c1", CityName: "Beijing", ReminderTimes: []string{"06:00"}},
		store.Subscriber{ID: "12", Active: true, CityID: "c2", CityName: "Oslo", ReminderTimes: []string{"18:00"}},
	)
	d, _ := newTestDispatcher(DispatcherConfig{}, ad, st)
	r := NewReminders(st, src, d, time.UTC, nil, testLogger())
	r.now = func() time.Time { return time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC) }

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := ad.callCount(); got != 2 {
		t.Fatalf("sends = %d, want 2 (only the 06:00 subscribers)", got)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("upstream fetches = %d, want 1 for a shared city", got)
	}

	ad.mu.Lock()
	text := ad.calls[0].text
	ad.mu.Unlock()
	if !strings.Contains(text, "Beijing") || !strings.Contains(text, "21") {
		t.Fatalf("report text missing city or temperature: %q", text)
	}
	if !strings.Contains(text, weather.FallbackAdvice) {
		t.Fatalf("advisory fallback missing from report: %q", text)
	}
}

func TestRemindersTickNoDue(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	src := reportSource(t, &hits)
	ad := &scriptedAdapter{}
	st := newMemStore(
		store.Subscriber{ID: "10", Active: true, CityID: "c1", ReminderTimes: []string{"06:00"}},
	)
	d, _ := newTestDispatcher(DispatcherConfig{}, ad, st)
	r := NewReminders(st, src, d, time.UTC, nil, testLogger())
	r.now = func() time.Time { return time.Date(2026, 3, 1, 6, 1, 0, 0, time.UTC) }

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if ad.callCount() != 0 || hits.Load() != 0 {
		t.Fatal("off-slot tick fetched or sent")
	}
}
