package notify

import (
	"testing"
	"time"

	"skycast/internal/store"
	logx "skycast/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}

func TestDueNowMatchesLocalSlot(t *testing.T) {
	t.Parallel()
	// 22:00 UTC is 06:00 the next day in UTC+8
	at := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	subs := []store.Subscriber{
		{ID: "east", Active: true, CityID: "c1", TimeZone: "Etc/GMT-8", ReminderTimes: []string{"06:00"}},
		{ID: "utc", Active: true, CityID: "c2", ReminderTimes: []string{"22:00"}},
		{ID: "off-slot", Active: true, CityID: "c3", TimeZone: "Etc/GMT-8", ReminderTimes: []string{"07:00"}},
	}

	due := DueNow(subs, at, time.UTC, testLogger())
	if len(due) != 2 {
		t.Fatalf("due = %d entries, want 2: %+v", len(due), due)
	}
	seen := map[string]string{}
	for _, e := range due {
		seen[e.Sub.ID] = e.CityID
	}
	if seen["east"] != "c1" || seen["utc"] != "c2" {
		t.Fatalf("wrong due set: %v", seen)
	}
	if _, ok := seen["off-slot"]; ok {
		t.Fatal("07:00 subscriber must not be due at local 06:00")
	}
}

func TestDueNowExcludesInactiveAndUnconfigured(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	subs := []store.Subscriber{
		{ID: "paused", Active: false, CityID: "c1", ReminderTimes: []string{"06:00"}},
		{ID: "no-city", Active: true, ReminderTimes: []string{"06:00"}},
		{ID: "no-times", Active: true, CityID: "c1"},
	}
	if due := DueNow(subs, at, time.UTC, testLogger()); len(due) != 0 {
		t.Fatalf("due = %+v, want empty", due)
	}
}

func TestDueNowInvalidZoneFallsBack(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC) // 06:00 in UTC-8
	defaultZone := mustZone(t, "Etc/GMT+8")
	subs := []store.Subscriber{
		{ID: "bad-zone", Active: true, CityID: "c1", TimeZone: "Mars/Olympus", ReminderTimes: []string{"06:00"}},
	}
	due := DueNow(subs, at, defaultZone, testLogger())
	if len(due) != 1 {
		t.Fatalf("subscriber with broken zone was dropped instead of falling back")
	}
}

func TestDueNowIsIdempotentForSameInstant(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	subs := []store.Subscriber{
		{ID: "a", Active: true, CityID: "c1", ReminderTimes: []string{"12:00"}},
		{ID: "b", Active: true, CityID: "c2", ReminderTimes: []string{"12:00", "12:00"}},
	}

	first := DueNow(subs, at, time.UTC, testLogger())
	second := DueNow(subs, at, time.UTC, testLogger())
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("re-evaluation changed the due set: %d then %d", len(first), len(second))
	}
	// duplicate slots never produce duplicate entries
	for _, due := range [][]DueEntry{first, second} {
		counts := map[string]int{}
		for _, e := range due {
			counts[e.Sub.ID]++
		}
		if counts["b"] != 1 {
			t.Fatalf("subscriber b appears %d times", counts["b"])
		}
	}
}
