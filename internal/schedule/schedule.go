// Package schedule looks up departure schedules for a stop from the
// transit.land REST API.
//
// Lookups are best-effort: any failure is logged and produces an empty
// schedule, so that a slow or broken upstream never prevents a route from
// being saved.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/andrew-d/transitroutes/internal/norm"
)

const (
	// DefaultBaseURL is the transit.land API endpoint.
	DefaultBaseURL = "https://transit.land"

	DefaultTimeout   = 5 * time.Second
	DefaultCacheSize = 256
	DefaultCacheTTL  = 10 * time.Minute

	// maxResponseSize bounds how much of an upstream response we read.
	maxResponseSize = 4 << 20
)

// Config configures a Client. Zero values select the defaults.
type Config struct {
	BaseURL string
	APIKey  string

	// Timeout bounds a single upstream request.
	Timeout time.Duration

	// CacheSize is the number of stops whose schedules are cached. A
	// negative value disables caching.
	CacheSize int
	CacheTTL  time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client fetches stop schedules. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	hc      *http.Client
	log     *slog.Logger

	cache *expirable.LRU[string, []json.RawMessage] // nil if disabled
	group singleflight.Group
}

// New returns a Client for the given configuration.
func New(cfg Config) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		hc:      cfg.HTTPClient,
		log:     cfg.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(c.baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", c.baseURL, err)
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.hc == nil {
		c.hc = http.DefaultClient
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	size, ttl := cfg.CacheSize, cfg.CacheTTL
	if size == 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if size > 0 {
		c.cache = expirable.NewLRU[string, []json.RawMessage](size, nil, ttl)
	}
	return c, nil
}

// Lookup returns the schedule entries for the first stop matching stopName.
// The entries are passed through as-is.
//
// Lookup never fails: on any error it logs a warning and returns an empty,
// non-nil slice.
func (c *Client) Lookup(ctx context.Context, stopName string) []json.RawMessage {
	key := norm.StopName(stopName)
	if key == "" {
		return []json.RawMessage{}
	}

	if c.cache != nil {
		if entries, ok := c.cache.Get(key); ok {
			return entries
		}
	}

	// Concurrent lookups for the same stop share one upstream request. The
	// shared request is detached from any single caller's cancellation so
	// that one client going away doesn't fail the others.
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		entries, err := c.fetch(fctx, stopName)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.Add(key, entries)
		}
		return entries, nil
	})

	select {
	case <-ctx.Done():
		c.log.Warn("schedule lookup abandoned", "stop", stopName, errAttr(ctx.Err()))
		return []json.RawMessage{}
	case res := <-ch:
		if res.Err != nil {
			c.log.Warn("schedule lookup failed; continuing without schedule",
				"stop", stopName, errAttr(res.Err))
			return []json.RawMessage{}
		}
		return res.Val.([]json.RawMessage)
	}
}

var (
	errNoStops    = errors.New("no matching stops")
	errNoSchedule = errors.New("stop has no schedule array")
)

type stopsResponse struct {
	Stops []struct {
		Schedule json.RawMessage `json:"schedule"`
	} `json:"stops"`
}

func (c *Client) fetch(ctx context.Context, stopName string) ([]json.RawMessage, error) {
	u := c.baseURL + "/api/v2/rest/stops?" + url.Values{"stop_name": {stopName}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting stops: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var sr stopsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(sr.Stops) == 0 {
		return nil, errNoStops
	}

	raw := sr.Stops[0].Schedule
	if len(raw) == 0 || raw[0] != '[' {
		return nil, errNoSchedule
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding schedule: %w", err)
	}
	if entries == nil {
		entries = []json.RawMessage{}
	}

	c.log.Debug("fetched schedule",
		"stop", stopName,
		"entries", len(entries),
		"duration", time.Since(start))
	return entries, nil
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}
