package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"skycast/internal/config"
	"skycast/internal/notify"
	"skycast/internal/store"
	"skycast/internal/transport"
	"skycast/internal/weather"
	logx "skycast/pkg/logx"
	"skycast/pkg/tgui"
)

// Service implements the subscriber-facing command set on top of the
// router, the store and the weather source.
type Service struct {
	store  store.Store
	source *weather.Source
	router *Router
	cfg    func() *config.Config
	log    logx.Logger
}

func NewService(st store.Store, src *weather.Source, router *Router, cfg func() *config.Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: st, source: src, router: router, cfg: cfg, log: log}
	router.Register(
		Command{Name: "start", Description: "subscribe to weather reminders", Handle: s.handleStart},
		Command{Name: "weather", Description: "current weather for your city", Timeout: 20 * time.Second, Handle: s.handleWeather},
		Command{Name: "setcity", Description: "choose your city", Usage: "/setcity <name>", Timeout: 20 * time.Second, Handle: s.handleSetCity},
		Command{Name: "settimes", Description: "set reminder times", Usage: "/settimes 07:30 19:00 | default", Handle: s.handleSetTimes},
		Command{Name: "settz", Description: "set your time zone", Usage: "/settz Asia/Shanghai", Handle: s.handleSetTZ},
		Command{Name: "alerts", Description: "toggle hazard alerts for a city", Usage: "/alerts <name>", Timeout: 20 * time.Second, Handle: s.handleAlerts},
		Command{Name: "warnings", Description: "current warnings for alert cities", Timeout: 30 * time.Second, Handle: s.handleWarnings},
		Command{Name: "status", Description: "your settings", Handle: s.handleStatus},
		Command{Name: "stop", Description: "pause reminders", Handle: s.handleStop},
		Command{Name: "help", Description: "usage", Handle: s.handleHelp},
	)
	return s
}

func reply(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &transport.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
	})
	return err
}

func subID(chatID int64) string { return strconv.FormatInt(chatID, 10) }

// loadOrCreate returns the chat's subscriber record, creating a fresh
// active one with default reminder slots on first contact.
func (s *Service) loadOrCreate(ctx context.Context, chatID int64) (store.Subscriber, error) {
	id := subID(chatID)
	sub, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return store.Subscriber{}, err
	}
	if ok {
		return sub, nil
	}
	sub = store.Subscriber{
		ID:            id,
		Active:        true,
		ReminderTimes: s.cfg().DefaultTimesOrFallback(),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.store.Put(ctx, sub); err != nil {
		return store.Subscriber{}, err
	}
	return sub, nil
}

func (s *Service) save(ctx context.Context, sub store.Subscriber) error {
	sub.UpdatedAt = time.Now().UTC()
	return s.store.Put(ctx, sub)
}

func (s *Service) handleStart(ctx context.Context, req *Request) error {
	sub, err := s.loadOrCreate(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if !sub.Active {
		sub.Active = true
		if len(sub.ReminderTimes) == 0 {
			sub.ReminderTimes = s.cfg().DefaultTimesOrFallback()
		}
		if err := s.save(ctx, sub); err != nil {
			return err
		}
	}

	lines := []tgui.H{
		tgui.B("Weather reminders are on."),
		tgui.Raw(""),
		tgui.Esc("Reminder times: " + strings.Join(sub.ReminderTimes, ", ")),
	}
	if sub.CityID == "" {
		lines = append(lines, tgui.Esc("Pick a city with /setcity <name> to start receiving reports."))
	} else {
		lines = append(lines, tgui.Esc("City: "+sub.CityName))
	}
	return reply(ctx, req, tgui.Lines(lines...).String())
}

func (s *Service) handleStop(ctx context.Context, req *Request) error {
	id := subID(req.Chat.ChatID)
	if _, ok, err := s.store.Get(ctx, id); err != nil {
		return err
	} else if !ok {
		return reply(ctx, req, "You are not subscribed. /start to begin.")
	}
	if err := s.store.Deactivate(ctx, id); err != nil {
		return err
	}
	return reply(ctx, req, "Reminders paused. /start to resume; your settings are kept.")
}

func (s *Service) handleWeather(ctx context.Context, req *Request) error {
	sub, err := s.loadOrCreate(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if sub.CityID == "" {
		return reply(ctx, req, "No city set. Use /setcity <name> first.")
	}
	rep, err := s.source.Report(ctx, sub.CityID)
	if err != nil {
		req.Log.Error("report fetch failed", logx.String("city", sub.CityID), logx.Err(err))
		return reply(ctx, req, "Weather service is unavailable right now, try again in a minute.")
	}
	return reply(ctx, req, notify.FormatReport(sub.CityName, rep))
}

func (s *Service) handleSetCity(ctx context.Context, req *Request) error {
	if req.ArgText == "" {
		s.router.SetPending(req.Chat.ChatID, func(ctx context.Context, rq *Request) (ContinuationFunc, error) {
			return nil, s.lookupAndBind(ctx, rq, rq.ArgText)
		})
		return reply(ctx, req, "Which city? Send its name.")
	}
	return s.lookupAndBind(ctx, req, req.ArgText)
}

func (s *Service) lookupAndBind(ctx context.Context, req *Request, name string) error {
	cities, err := s.source.LookupCity(ctx, name)
	if err != nil {
		req.Log.Error("city lookup failed", logx.String("query", name), logx.Err(err))
		return reply(ctx, req, "City lookup failed, try again later.")
	}
	switch len(cities) {
	case 0:
		return reply(ctx, req, "No city matched "+tgui.Esc(name).String()+". Check the spelling?")
	case 1:
		return s.bindCity(ctx, req, cities[0])
	}

	s.router.SetPending(req.Chat.ChatID, s.selectCity(cities, s.bindCity))
	return reply(ctx, req, cityChoiceText(cities))
}

// selectCity builds a continuation that resolves a numbered pick from a
// lookup result list and hands it to bind.
func (s *Service) selectCity(cities []weather.City, bind func(context.Context, *Request, weather.City) error) ContinuationFunc {
	return func(ctx context.Context, req *Request) (ContinuationFunc, error) {
		choice := strings.TrimSpace(req.ArgText)
		n, err := strconv.Atoi(choice)
		if err != nil || n < 1 || n > len(cities) {
			// stay in the flow until a valid number or a new command
			return s.selectCity(cities, bind), reply(ctx, req, fmt.Sprintf("Send a number between 1 and %d.", len(cities)))
		}
		return nil, bind(ctx, req, cities[n-1])
	}
}

func cityChoiceText(cities []weather.City) string {
	lines := make([]tgui.H, 0, len(cities)+2)
	lines = append(lines, tgui.B("Several matches, pick one:"), tgui.Raw(""))
	for i, c := range cities {
		label := c.DisplayName()
		if c.Country != "" {
			label += ", " + c.Country
		}
		lines = append(lines, tgui.Esc(fmt.Sprintf("%d. %s", i+1, label)))
	}
	return tgui.Lines(lines...).String()
}

func (s *Service) bindCity(ctx context.Context, req *Request, c weather.City) error {
	sub, err := s.loadOrCreate(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	sub.CityID = c.ID
	sub.CityName = c.DisplayName()
	if err := s.save(ctx, sub); err != nil {
		return err
	}
	return reply(ctx, req, "City set to "+tgui.B(sub.CityName).String()+". Set your zone with /settz if reminders should follow local time.")
}

func (s *Service) handleSetTimes(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		s.router.SetPending(req.Chat.ChatID, func(ctx context.Context, rq *Request) (ContinuationFunc, error) {
			return nil, s.applyTimes(ctx, rq, rq.Args)
		})
		return reply(ctx, req, fmt.Sprintf(
			"Send reminder times as HH:MM separated by spaces (up to %d), or \"default\".", store.MaxReminderTimes))
	}
	return s.applyTimes(ctx, req, req.Args)
}

func (s *Service) applyTimes(ctx context.Context, req *Request, args []string) error {
	sub, err := s.loadOrCreate(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}

	var times []string
	if len(args) == 1 && strings.EqualFold(args[0], "default") {
		times = s.cfg().DefaultTimesOrFallback()
	} else {
		if len(args) > store.MaxReminderTimes {
			return reply(ctx, req, fmt.Sprintf("At most %d reminder times.", store.MaxReminderTimes))
		}
		seen := map[string]bool{}
		for _, a := range args {
			t, err := config.NormalizeHHMM(a)
			if err != nil {
				return reply(ctx, req, tgui.Esc(a).String()+" is not a valid HH:MM time.")
			}
			if !seen[t] {
				seen[t] = true
				times = append(times, t)
			}
		}
	}

	sub.ReminderTimes = times
	if err := s.save(ctx, sub); err != nil {
		return err
	}
	return reply(ctx, req, "Reminder times set: "+tgui.Esc(strings.Join(times, ", ")).String())
}

func (s *Service) handleSetTZ(ctx context.Context, req *Request) error {
	zone := strings.TrimSpace(req.ArgText)
	if zone == "" {
		return reply(ctx, req, "Usage: /settz <IANA zone>, e.g. /settz Europe/Berlin")
	}
	if _, err := time.LoadLocation(zone); err != nil {
		return reply(ctx, req, tgui.Esc(zone).String()+" is not a known time zone. Use an IANA name like Asia/Tokyo.")
	}
	sub, err := s.loadOrCreate(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	sub.TimeZone = zone
	if err := s.save(ctx, sub); err != nil {
		return err
	}
	return reply(ctx, req, "Time zone set to "+tgui.B(zone).String()+".")
}

func (s *Service) handleAlerts(ctx context.Context, req *Request) error {
	sub, err := s.loadOrCreate(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if req.ArgText == "" {
		if len(sub.AlertCities) == 0 {
			return reply(ctx, req, "No alert subscriptions. /alerts <city> to add one.")
		}
		lines := []tgui.H{tgui.B("Hazard alerts on for:"), tgui.Raw("")}
		for _, c := range sub.AlertCities {
			lines = append(lines, tgui.Esc("• "+c.Name))
		}
		lines = append(lines, tgui.Raw(""), tgui.Esc("/alerts <city> toggles a subscription."))
		return reply(ctx, req, tgui.Lines(lines...).String())
	}

	// Toggling off matches on the stored name, no lookup needed.
	for _, c := range sub.AlertCities {
		if strings.EqualFold(c.Name, req.ArgText) {
			return s.toggleAlert(ctx, req, weather.City{ID: c.ID, Name: c.Name})
		}
	}

	cities, err := s.source.LookupCity(ctx, req.ArgText)
	if err != nil {
		req.Log.Error("city lookup failed", logx.String("query", req.ArgText), logx.Err(err))
		return reply(ctx, req, "City lookup failed, try again later.")
	}
	switch len(cities) {
	case 0:
		return reply(ctx, req, "No city matched "+tgui.Esc(req.ArgText).String()+".")
	case 1:
		return s.toggleAlert(ctx, req, cities[0])
	}
	s.router.SetPending(req.Chat.ChatID, s.selectCity(cities, s.toggleAlert))
	return reply(ctx, req, cityChoiceText(cities))
}

func (s *Service) toggleAlert(ctx context.Context, req *Request, c weather.City) error {
	sub, err := s.loadOrCreate(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}

	name := c.DisplayName()
	if name == "" {
		name = c.Name
	}
	for i, existing := range sub.AlertCities {
		if existing.ID == c.ID {
			sub.AlertCities = append(sub.AlertCities[:i], sub.AlertCities[i+1:]...)
			if err := s.save(ctx, sub); err != nil {
				return err
			}
			return reply(ctx, req, "Hazard alerts off for "+tgui.B(existing.Name).String()+".")
		}
	}

	sub.AlertCities = append(sub.AlertCities, store.AlertKey{ID: c.ID, Name: name})
	if err := s.save(ctx, sub); err != nil {
		return err
	}
	return reply(ctx, req, "Hazard alerts on for "+tgui.B(name).String()+". You'll get each new warning once.")
}

func (s *Service) handleWarnings(ctx context.Context, req *Request) error {
	sub, err := s.loadOrCreate(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if len(sub.AlertCities) == 0 {
		return reply(ctx, req, "No alert subscriptions. /alerts <city> to add one.")
	}

	any := false
	for _, c := range sub.AlertCities {
		ws, err := s.source.WarningsFor(ctx, c.ID)
		if err != nil {
			req.Log.Error("warning fetch failed", logx.String("city", c.ID), logx.Err(err))
			if rerr := reply(ctx, req, "Could not check "+tgui.Esc(c.Name).String()+" right now."); rerr != nil {
				return rerr
			}
			continue
		}
		for _, w := range ws {
			any = true
			if err := reply(ctx, req, notify.FormatWarning(c.Name, w)); err != nil {
				return err
			}
		}
	}
	if !any {
		return reply(ctx, req, "No active warnings for your cities.")
	}
	return nil
}

func (s *Service) handleStatus(ctx context.Context, req *Request) error {
	sub, ok, err := s.store.Get(ctx, subID(req.Chat.ChatID))
	if err != nil {
		return err
	}
	if !ok {
		return reply(ctx, req, "Not subscribed yet. /start to begin.")
	}

	state := "paused"
	if sub.Active {
		state = "active"
	}
	city := sub.CityName
	if city == "" {
		city = "(not set)"
	}
	zone := sub.TimeZone
	if zone == "" {
		zone = "(default)"
	}
	lines := []tgui.H{
		tgui.B("Your settings"),
		tgui.Raw(""),
		tgui.Esc("Reminders: " + state),
		tgui.Esc("City: " + city),
		tgui.Esc("Times: " + strings.Join(sub.ReminderTimes, ", ")),
		tgui.Esc("Zone: " + zone),
	}
	if len(sub.AlertCities) > 0 {
		names := make([]string, len(sub.AlertCities))
		for i, c := range sub.AlertCities {
			names[i] = c.Name
		}
		lines = append(lines, tgui.Esc("Alerts: "+strings.Join(names, ", ")))
	}
	return reply(ctx, req, tgui.Lines(lines...).String())
}

func (s *Service) handleHelp(ctx context.Context, req *Request) error {
	lines := []tgui.H{tgui.B("Commands"), tgui.Raw("")}
	for _, c := range s.router.MenuCommands() {
		entry := "/" + c.Command + " - " + c.Description
		lines = append(lines, tgui.Esc(entry))
	}
	return reply(ctx, req, tgui.Lines(lines...).String())
}
