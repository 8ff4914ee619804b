package weather

import (
	"context"
	"sync"
	"time"

	"skycast/internal/metrics"
	logx "skycast/pkg/logx"
)

// FallbackAdvice replaces generated commentary when the advisory service
// fails. Enrichment is best-effort and never blocks a dispatch.
const FallbackAdvice = "advisory unavailable, please try again later"

// Advisor generates free-text commentary for a weather prompt.
type Advisor interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// CachedReport is one payload-cache value: the typed report plus its
// advisory text.
type CachedReport struct {
	Report    *Report
	Advice    string
	CreatedAt time.Time
}

type cacheEntry struct {
	value     any
	createdAt time.Time
}

// Cache memoizes upstream results per key with lazy TTL expiry: entries
// are dropped on the read that finds them stale, no background sweep.
// Errors are never cached, so the next caller retries immediately.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]cacheEntry{},
	}
}

func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.createdAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Put(key string, v any) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{value: v, createdAt: c.now()}
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type SourceConfig struct {
	CacheTTL   time.Duration // weather reports, default 5m
	WarningTTL time.Duration // hazard warnings, default 2m

	Metrics *metrics.Collector // optional; nil records nothing
}

// Source resolves cacheable upstream payloads: one fetch per distinct key
// within the TTL, shared by every subscriber watching that key. Concurrent
// misses for the same key may each fetch; the duplicate cost is accepted
// (cheaper than a coalescing layer for this call volume).
type Source struct {
	client   *Client
	advisor  Advisor
	reports  *Cache
	warnings *Cache
	metrics  *metrics.Collector
	log      logx.Logger
}

func NewSource(cfg SourceConfig, client *Client, advisor Advisor, log logx.Logger) *Source {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.WarningTTL <= 0 {
		cfg.WarningTTL = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Source{
		client:   client,
		advisor:  advisor,
		reports:  NewCache(cfg.CacheTTL),
		warnings: NewCache(cfg.WarningTTL),
		metrics:  cfg.Metrics,
		log:      log,
	}
}

// Report resolves the weather report for a location, enriched with
// advisory text. Cache hit: no upstream call.
func (s *Source) Report(ctx context.Context, locationID string) (*CachedReport, error) {
	if v, ok := s.reports.Get(locationID); ok {
		s.metrics.CacheHit()
		return v.(*CachedReport), nil
	}

	rep, err := s.client.Now(ctx, locationID)
	s.metrics.UpstreamFetch(err)
	if err != nil {
		return nil, err
	}

	advice := FallbackAdvice
	if s.advisor != nil {
		text, err := s.advisor.Generate(ctx, advisoryPrompt(rep))
		if err != nil {
			s.log.Warn("advisory generation failed", logx.String("location", locationID), logx.Err(err))
		} else if text != "" {
			advice = text
		}
	}

	cr := &CachedReport{Report: rep, Advice: advice, CreatedAt: time.Now()}
	s.reports.Put(locationID, cr)
	return cr, nil
}

// WarningsFor resolves active warnings for a location through the
// short-TTL warning cache, so one tick fetches each watched key once.
func (s *Source) WarningsFor(ctx context.Context, locationID string) ([]Warning, error) {
	key := "warning:" + locationID
	if v, ok := s.warnings.Get(key); ok {
		s.metrics.CacheHit()
		return v.([]Warning), nil
	}
	ws, err := s.client.Warnings(ctx, locationID)
	s.metrics.UpstreamFetch(err)
	if err != nil {
		return nil, err
	}
	s.warnings.Put(key, ws)
	return ws, nil
}

// LookupCity passes through to the client (lookups are interactive and
// rare enough to skip caching).
func (s *Source) LookupCity(ctx context.Context, name string) ([]City, error) {
	return s.client.LookupCity(ctx, name)
}

func advisoryPrompt(rep *Report) string {
	n := rep.Now
	return "Current weather conditions:\n" +
		"condition: " + n.Text + "\n" +
		"temperature: " + n.Temp + "°C (feels like " + n.FeelsLike + "°C)\n" +
		"humidity: " + n.Humidity + "%\n" +
		"wind: " + n.WindDir + " force " + n.WindScale + "\n\n" +
		"Based on the conditions above, briefly advise:\n" +
		"1. what to wear today\n" +
		"2. whether to carry an umbrella\n" +
		"3. anything else worth watching out for\n" +
		"Keep the answer short and friendly."
}
