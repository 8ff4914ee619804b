// Package scheduler triggers the periodic dispatch jobs: the minute-level
// reminder tick and the interval-based alert sweep. Triggering is cron
// driven; execution runs inline in a per-job goroutine with an
// overlap guard, so a slow tick is skipped rather than queued behind.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "skycast/pkg/logx"
)

type Config struct {
	Timezone       string // IANA TZ for cron specs; empty means Local
	DefaultTimeout time.Duration
}

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	running atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []*jobDef

	runCtx context.Context
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a cron-spec job. Jobs may be added before or after Start.
func (s *Service) Add(name, spec string, timeout time.Duration, run func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	d := &jobDef{name: name, spec: spec, timeout: s.resolveTimeout(timeout), run: run}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.addCronLocked(d)
	}
	return nil
}

// AddInterval registers a fixed-interval job.
func (s *Service) AddInterval(name string, every, timeout time.Duration, run func(ctx context.Context) error) error {
	if every <= 0 {
		return errors.New("interval must be positive")
	}
	return s.Add(name, "@every "+every.String(), timeout, run)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx = ctx

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		_ = s.addCronLocked(d)
	}
	s.c.Start()
	s.log.Info("started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("stopped")
}

// Apply picks up runtime config changes. A timezone change restarts the
// cron runner with the new location; registered jobs carry over.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		s.restartLocked()
	}
}

func (s *Service) addCronLocked(d *jobDef) error {
	_, err := s.c.AddFunc(d.spec, func() { s.fire(d) })
	return err
}

// fire runs a triggered job unless its previous run is still going, in
// which case this trigger is skipped outright.
func (s *Service) fire(d *jobDef) {
	if !d.running.CompareAndSwap(false, true) {
		s.log.Warn("previous run still active, skipping trigger", logx.String("job", d.name))
		return
	}
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		d.running.Store(false)
		return
	}

	go func() {
		defer d.running.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked", logx.String("job", d.name), logx.Any("panic", r))
			}
		}()

		runCtx := ctx
		var cancel context.CancelFunc
		if d.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}

		start := time.Now()
		err := d.run(runCtx)
		took := time.Since(start)
		if err != nil {
			s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", took), logx.Err(err))
			return
		}
		s.log.Debug("job ok", logx.String("job", d.name), logx.Duration("took", took))
	}()
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		_ = s.addCronLocked(d)
	}
	s.c.Start()
	s.log.Info("restarted", logx.String("tz", loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

// Location returns the zone cron specs are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return time.Local
}
