package notify

import (
	"context"

	"skycast/internal/metrics"
	"skycast/internal/store"
	"skycast/internal/weather"
	logx "skycast/pkg/logx"
)

// Alerts runs one hazard-warning sweep: fetch active warnings once per
// distinct watched city, deliver each warning at most once per subscriber,
// and persist delivered ids before the next sweep can re-send them.
type Alerts struct {
	store      store.Store
	source     *weather.Source
	dispatcher *Dispatcher
	metrics    *metrics.Collector
	log        logx.Logger
}

func NewAlerts(st store.Store, src *weather.Source, d *Dispatcher, m *metrics.Collector, log logx.Logger) *Alerts {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Alerts{
		store:      st,
		source:     src,
		dispatcher: d,
		metrics:    m,
		log:        log,
	}
}

// Tick sweeps every watched city. A city whose warning fetch fails is
// skipped for this sweep and retried on the next one; its subscribers'
// dedup state is untouched so nothing is lost.
func (a *Alerts) Tick(ctx context.Context) error {
	subs, err := a.store.All(ctx)
	if err != nil {
		return err
	}

	// Per-sweep fetch memo. The source has its own short TTL cache, but
	// memoizing here guarantees one lookup per city per sweep even when
	// the cache expires mid-loop.
	warnings := make(map[string][]weather.Warning)
	fetchFailed := make(map[string]bool)

	var sends []Send
	for _, sub := range subs {
		if !sub.Active || len(sub.AlertCities) == 0 {
			continue
		}
		chatID, ok := ChatIDFor(sub)
		if !ok {
			a.log.Warn("subscriber id is not a chat id", logx.String("subscriber", sub.ID))
			continue
		}
		// Adjacent watched regions can surface the same warning id;
		// queued keeps one sweep from sending it twice before the
		// store records it.
		queued := make(map[string]bool)
		for _, city := range sub.AlertCities {
			if fetchFailed[city.ID] {
				continue
			}
			ws, seen := warnings[city.ID]
			if !seen {
				var ferr error
				ws, ferr = a.source.WarningsFor(ctx, city.ID)
				if ferr != nil {
					a.log.Error("warning fetch failed, skipping city this sweep",
						logx.String("city", city.ID), logx.Err(ferr))
					fetchFailed[city.ID] = true
					continue
				}
				warnings[city.ID] = ws
			}
			for _, w := range ws {
				if sub.HasSentAlert(w.ID) || queued[w.ID] {
					a.metrics.AlertSuppressed()
					continue
				}
				queued[w.ID] = true
				subID, warnID := sub.ID, w.ID
				sends = append(sends, Send{
					SubscriberID: subID,
					ChatID:       chatID,
					Text:         FormatWarning(city.Name, w),
					OnDelivered: func(ctx context.Context) error {
						a.metrics.AlertSent()
						return a.store.RecordAlerts(ctx, subID, []string{warnID})
					},
				})
			}
		}
	}

	if len(sends) == 0 {
		return nil
	}
	a.log.Info("alert sweep dispatching", logx.Int("sends", len(sends)))
	a.dispatcher.Dispatch(ctx, sends)
	return nil
}
