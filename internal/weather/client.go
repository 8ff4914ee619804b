package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "skycast/pkg/logx"
)

// ErrUpstream marks provider-side failures (non-success envelope code,
// HTTP errors, malformed payloads).
var ErrUpstream = errors.New("weather upstream unavailable")

type ClientConfig struct {
	APIHost string
	Timeout time.Duration
}

// Client talks to the upstream weather provider. Every call acquires a
// bearer token from the TokenSource first; a token failure aborts only
// that call.
type Client struct {
	host   string
	http   *http.Client
	tokens TokenSource
	log    logx.Logger
}

func NewClient(cfg ClientConfig, tokens TokenSource, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		host:   strings.TrimRight(strings.TrimSpace(cfg.APIHost), "/"),
		http:   &http.Client{Timeout: timeout},
		tokens: tokens,
		log:    log,
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	u := c.host + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: http %d for %s", ErrUpstream, resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUpstream, path, err)
	}
	return nil
}

type refer struct {
	Sources []string `json:"sources"`
}

// Now fetches current conditions for a location id.
func (c *Client) Now(ctx context.Context, locationID string) (*Report, error) {
	var body struct {
		Code       string `json:"code"`
		UpdateTime string `json:"updateTime"`
		Now        *Now   `json:"now"`
		Refer      refer  `json:"refer"`
	}
	q := url.Values{"location": {locationID}}
	if err := c.get(ctx, "/v7/weather/now", q, &body); err != nil {
		return nil, err
	}
	if body.Code != "200" {
		return nil, fmt.Errorf("%w: weather lookup failed with code %s", ErrUpstream, body.Code)
	}
	if body.Now == nil || body.Now.Temp == "" {
		return nil, fmt.Errorf("%w: weather payload missing current conditions", ErrUpstream)
	}
	return &Report{
		UpdateTime: body.UpdateTime,
		Now:        *body.Now,
		Sources:    body.Refer.Sources,
	}, nil
}

// Warnings fetches active hazard warnings for a location id. An empty
// slice means no active warnings (a valid answer, not an error).
func (c *Client) Warnings(ctx context.Context, locationID string) ([]Warning, error) {
	var body struct {
		Code       string    `json:"code"`
		UpdateTime string    `json:"updateTime"`
		Warning    []Warning `json:"warning"`
	}
	q := url.Values{"location": {locationID}, "lang": {"en"}}
	if err := c.get(ctx, "/v7/warning/now", q, &body); err != nil {
		return nil, err
	}
	if body.Code != "200" {
		return nil, fmt.Errorf("%w: warning lookup failed with code %s", ErrUpstream, body.Code)
	}
	out := body.Warning[:0:0]
	for _, w := range body.Warning {
		if strings.TrimSpace(w.ID) == "" {
			c.log.Warn("dropping warning without id", logx.String("location", locationID), logx.String("title", w.Title))
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// LookupCity resolves a city name to candidate locations.
func (c *Client) LookupCity(ctx context.Context, name string) ([]City, error) {
	var body struct {
		Code     string `json:"code"`
		Location []City `json:"location"`
	}
	q := url.Values{"location": {name}, "number": {"5"}}
	if err := c.get(ctx, "/geo/v2/city/lookup", q, &body); err != nil {
		return nil, err
	}
	if body.Code != "200" {
		return nil, fmt.Errorf("%w: city lookup failed with code %s", ErrUpstream, body.Code)
	}
	return body.Location, nil
}
