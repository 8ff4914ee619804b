package notify

import (
	"time"

	"skycast/internal/store"
	logx "skycast/pkg/logx"
)

// DueEntry is one (subscriber, watched city) pair eligible for a reminder
// in the current tick. Ephemeral; never persisted.
type DueEntry struct {
	Sub    store.Subscriber
	CityID string
}

// DueNow computes which subscribers should receive a reminder at the given
// instant: active, a city configured, and the instant's local "HH:MM" in
// the subscriber's own time zone matching one of their reminder slots.
//
// A subscriber with an unresolvable time zone falls back to defaultZone
// (logged) instead of being silently excluded forever. The result carries
// no ordering guarantee, and re-evaluating the same instant against an
// unmutated subscriber set yields the same due set: slot-string equality
// is the only trigger, so extra evaluations within one minute cannot
// produce duplicates on their own.
func DueNow(subs []store.Subscriber, at time.Time, defaultZone *time.Location, log logx.Logger) []DueEntry {
	if defaultZone == nil {
		defaultZone = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var due []DueEntry
	for _, sub := range subs {
		if !sub.Active || sub.CityID == "" || len(sub.ReminderTimes) == 0 {
			continue
		}

		loc := defaultZone
		if sub.TimeZone != "" {
			l, err := time.LoadLocation(sub.TimeZone)
			if err != nil {
				log.Warn("subscriber has invalid time zone; using default",
					logx.String("subscriber", sub.ID),
					logx.String("zone", sub.TimeZone),
					logx.String("default", defaultZone.String()))
			} else {
				loc = l
			}
		}

		local := at.In(loc).Format("15:04")
		for _, slot := range sub.ReminderTimes {
			if slot == local {
				due = append(due, DueEntry{Sub: sub, CityID: sub.CityID})
				break
			}
		}
	}
	return due
}
