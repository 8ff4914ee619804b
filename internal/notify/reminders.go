package notify

import (
	"context"
	"time"

	"skycast/internal/metrics"
	"skycast/internal/store"
	"skycast/internal/weather"
	logx "skycast/pkg/logx"
)

// Reminders runs one scheduled-reminder tick: evaluate the due set, resolve
// one payload per distinct city, dispatch.
type Reminders struct {
	store       store.Store
	source      *weather.Source
	dispatcher  *Dispatcher
	metrics     *metrics.Collector
	log         logx.Logger
	defaultZone *time.Location

	now func() time.Time
}

func NewReminders(st store.Store, src *weather.Source, d *Dispatcher, defaultZone *time.Location, m *metrics.Collector, log logx.Logger) *Reminders {
	if defaultZone == nil {
		defaultZone = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reminders{
		store:       st,
		source:      src,
		dispatcher:  d,
		metrics:     m,
		log:         log,
		defaultZone: defaultZone,
		now:         time.Now,
	}
}

// Tick evaluates and delivers the reminders due at the current minute.
// Payloads are resolved once per distinct city; a city whose payload cannot
// be resolved skips only the subscribers watching it.
func (r *Reminders) Tick(ctx context.Context) error {
	subs, err := r.store.All(ctx)
	if err != nil {
		return err
	}

	at := r.now()
	due := DueNow(subs, at, r.defaultZone, r.log)
	if len(due) == 0 {
		return nil
	}
	r.log.Debug("reminder tick", logx.Int("due", len(due)))

	// One payload resolution per distinct city; formatting stays per
	// subscriber because the recorded city name may differ.
	reps := make(map[string]*weather.CachedReport, len(due))
	var sends []Send
	for _, e := range due {
		chatID, ok := ChatIDFor(e.Sub)
		if !ok {
			r.log.Warn("subscriber id is not a chat id", logx.String("subscriber", e.Sub.ID))
			continue
		}
		rep, seen := reps[e.CityID]
		if !seen {
			var ferr error
			rep, ferr = r.source.Report(ctx, e.CityID)
			if ferr != nil {
				r.log.Error("payload unresolved, skipping city",
					logx.String("city", e.CityID), logx.Err(ferr))
				rep = nil
			}
			reps[e.CityID] = rep
		}
		if rep == nil {
			continue
		}
		sends = append(sends, Send{SubscriberID: e.Sub.ID, ChatID: chatID, Text: FormatReport(e.Sub.CityName, rep)})
	}

	rep := r.dispatcher.Dispatch(ctx, sends)
	for i := 0; i < rep.Sent; i++ {
		r.metrics.ReminderSent()
	}
	return nil
}
