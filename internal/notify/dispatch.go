package notify

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"skycast/internal/metrics"
	"skycast/internal/store"
	"skycast/internal/transport"
	logx "skycast/pkg/logx"
)

// Send is one prepared outbound message. OnDelivered, when set, runs after
// a successful send (used by the alert path to persist delivered ids).
type Send struct {
	SubscriberID string
	ChatID       int64
	Text         string
	OnDelivered  func(ctx context.Context) error
}

// Report summarizes one dispatch run.
type Report struct {
	JobID       string
	Total       int
	Sent        int
	Failed      int
	Deactivated int
	Elapsed     time.Duration
}

type DispatcherConfig struct {
	BatchSize   int           // concurrent sends per batch, default 20
	BatchPause  time.Duration // pause between batches, default 1s
	RatePerSec  float64       // hard send ceiling, default 25/s
	RateBurst   int           // default BatchSize
	MaxAttempts int           // total attempts per send, default 3
	RetryBase   time.Duration // first retry delay, doubled per attempt, default 1s
	SendTimeout time.Duration // per-attempt deadline, default 10s
}

func (c *DispatcherConfig) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.BatchPause <= 0 {
		c.BatchPause = time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.RateBurst <= 0 {
		c.RateBurst = c.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// Dispatcher fans a prepared send list out to the transport in fixed-size
// concurrent batches, pausing between batches and holding every send under
// a shared rate ceiling. Transient failures are retried with exponential
// backoff; permanent recipient failures deactivate the subscriber and are
// never retried.
type Dispatcher struct {
	adapter transport.Adapter
	store   store.Store
	metrics *metrics.Collector
	log     logx.Logger

	mu      sync.Mutex
	cfg     DispatcherConfig
	limiter *rate.Limiter

	// sleep is swapped by tests to observe backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(cfg DispatcherConfig, adapter transport.Adapter, st store.Store, m *metrics.Collector, log logx.Logger) *Dispatcher {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		adapter: adapter,
		store:   st,
		metrics: m,
		log:     log,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		sleep:   sleepCtx,
	}
}

// Apply swaps the dispatch tuning at runtime. In-flight runs finish with
// the snapshot they started with.
func (d *Dispatcher) Apply(cfg DispatcherConfig) {
	cfg.normalize()
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst)
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (DispatcherConfig, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Dispatch delivers the whole list and reports per-run counters. A single
// subscriber's failure never aborts the run; ctx cancellation does.
func (d *Dispatcher) Dispatch(ctx context.Context, sends []Send) Report {
	cfg, limiter := d.snapshot()
	rep := Report{JobID: uuid.NewString(), Total: len(sends)}
	if len(sends) == 0 {
		return rep
	}

	start := time.Now()
	log := d.log.With(logx.String("job", rep.JobID))
	log.Info("dispatch started", logx.Int("total", rep.Total))

	var (
		mu                 sync.Mutex
		wg                 sync.WaitGroup
		sent, failed, gone int
	)
	for off := 0; off < len(sends); off += cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := off + cfg.BatchSize
		if end > len(sends) {
			end = len(sends)
		}
		for _, s := range sends[off:end] {
			wg.Add(1)
			go func(s Send) {
				defer wg.Done()
				err := d.deliver(ctx, cfg, limiter, log, s)
				mu.Lock()
				switch {
				case err == nil:
					sent++
				case transport.IsRecipientGone(err):
					gone++
				default:
					failed++
				}
				mu.Unlock()
			}(s)
		}
		wg.Wait()
		if end < len(sends) {
			if err := d.sleep(ctx, cfg.BatchPause); err != nil {
				break
			}
		}
	}

	rep.Sent, rep.Failed, rep.Deactivated = sent, failed, gone
	rep.Elapsed = time.Since(start)
	log.Info("dispatch finished",
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("deactivated", rep.Deactivated),
		logx.Duration("elapsed", rep.Elapsed))
	return rep
}

// deliver is the per-send retry engine: up to MaxAttempts tries with
// RetryBase<<attempt between them. A recipient-gone error short-circuits
// everything and flips the subscriber inactive in the store.
func (d *Dispatcher) deliver(ctx context.Context, cfg DispatcherConfig, limiter *rate.Limiter, log logx.Logger, s Send) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		sendCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		begin := time.Now()
		_, err := d.adapter.SendText(sendCtx, transport.ChatTarget{ChatID: s.ChatID}, s.Text, &transport.SendOptions{
			ParseMode:      "HTML",
			DisablePreview: true,
		})
		cancel()
		d.metrics.ObserveSendLatency(time.Since(begin))

		if err == nil {
			if s.OnDelivered != nil {
				if herr := s.OnDelivered(ctx); herr != nil {
					log.Warn("post-delivery hook failed",
						logx.String("subscriber", s.SubscriberID), logx.Err(herr))
				}
			}
			return nil
		}

		if transport.IsRecipientGone(err) {
			d.metrics.PermanentFailure()
			log.Info("recipient gone, deactivating subscriber",
				logx.String("subscriber", s.SubscriberID))
			if derr := d.store.Deactivate(ctx, s.SubscriberID); derr != nil {
				log.Error("deactivate failed",
					logx.String("subscriber", s.SubscriberID), logx.Err(derr))
			}
			return err
		}

		lastErr = err
		if attempt == cfg.MaxAttempts-1 {
			break
		}
		delay := cfg.RetryBase << attempt
		log.Debug("send failed, retrying",
			logx.String("subscriber", s.SubscriberID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		if serr := d.sleep(ctx, delay); serr != nil {
			return serr
		}
	}

	d.metrics.SendFailed()
	log.Warn("send abandoned after retries",
		logx.String("subscriber", s.SubscriberID),
		logx.Int("attempts", cfg.MaxAttempts),
		logx.Err(lastErr))
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ChatIDFor parses the decimal chat id a subscriber record was keyed with.
func ChatIDFor(sub store.Subscriber) (int64, bool) {
	id, err := strconv.ParseInt(sub.ID, 10, 64)
	return id, err == nil
}
