// Package gasprice provides gas price estimates used to price mint deposits
// and settle executions.
package gasprice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// ErrUnavailable is returned when no estimate can be produced.
var ErrUnavailable = errors.New("gas price unavailable")

// Feed returns the current gas price estimate.
type Feed interface {
	GasPrice(ctx context.Context) (uint64, error)
}

// Static is a fixed price. Zero means unavailable.
type Static uint64

// GasPrice implements Feed.
func (s Static) GasPrice(context.Context) (uint64, error) {
	if s == 0 {
		return 0, ErrUnavailable
	}
	return uint64(s), nil
}

// Settable is a Feed whose price can be changed at runtime.
type Settable struct {
	price atomic.Uint64
}

// NewSettable creates a feed starting at price.
func NewSettable(price uint64) *Settable {
	s := &Settable{}
	s.price.Store(price)
	return s
}

// Set replaces the price. Zero makes the feed unavailable.
func (s *Settable) Set(price uint64) { s.price.Store(price) }

// GasPrice implements Feed.
func (s *Settable) GasPrice(context.Context) (uint64, error) {
	p := s.price.Load()
	if p == 0 {
		return 0, ErrUnavailable
	}
	return p, nil
}

// HTTPFeed fetches a JSON document and reads the price at a gjson path,
// e.g. "result" or "data.fast".
type HTTPFeed struct {
	URL    string
	Path   string
	Client *http.Client
}

// maxBody caps how much of a response is read.
const maxBody = 1 << 20

// GasPrice implements Feed.
func (f *HTTPFeed) GasPrice(ctx context.Context) (uint64, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch gas price: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, fmt.Errorf("read gas price: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("gas price endpoint returned %d", resp.StatusCode)
	}
	return Extract(body, f.Path)
}

// Extract reads a positive integer price at path from a JSON document.
// Numeric strings, including 0x-prefixed hex as returned by eth_gasPrice,
// are accepted.
func Extract(body []byte, path string) (uint64, error) {
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("gas price response is not valid JSON")
	}
	res := gjson.GetBytes(body, path)
	if !res.Exists() {
		return 0, fmt.Errorf("gas price path %q not found", path)
	}

	var price uint64
	switch res.Type {
	case gjson.Number:
		if res.Num < 0 || res.Raw != fmt.Sprint(res.Uint()) {
			return 0, fmt.Errorf("gas price %s is not a non-negative integer", res.Raw)
		}
		price = res.Uint()
	case gjson.String:
		if _, err := fmt.Sscan(res.Str, &price); err != nil {
			return 0, fmt.Errorf("gas price %q: %w", res.Str, err)
		}
	default:
		return 0, fmt.Errorf("gas price at %q has type %s", path, res.Type)
	}
	if price == 0 {
		return 0, ErrUnavailable
	}
	return price, nil
}

// Cached refreshes an upstream feed on a ticker and serves the last good
// value. Before the first successful refresh it falls through to upstream.
type Cached struct {
	upstream Feed
	interval time.Duration
	logger   *slog.Logger

	last      atomic.Uint64
	refreshed atomic.Int64 // unix nanos of last success

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewCached wraps upstream. A zero interval means 15s.
func NewCached(upstream Feed, interval time.Duration, logger *slog.Logger) *Cached {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{upstream: upstream, interval: interval, logger: logger}
}

// GasPrice implements Feed.
func (c *Cached) GasPrice(ctx context.Context) (uint64, error) {
	if p := c.last.Load(); p != 0 {
		return p, nil
	}
	return c.Refresh(ctx)
}

// Refresh queries upstream once, storing the value on success.
func (c *Cached) Refresh(ctx context.Context) (uint64, error) {
	p, err := c.upstream.GasPrice(ctx)
	if err != nil {
		return 0, err
	}
	c.last.Store(p)
	c.refreshed.Store(time.Now().UnixNano())
	return p, nil
}

// LastRefresh returns when the cached value was last updated.
func (c *Cached) LastRefresh() time.Time {
	ns := c.refreshed.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Start launches the refresh loop.
func (c *Cached) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("gas price refresher already running")
	}
	c.running = true
	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.loop(ctx, c.done)
	return nil
}

// Stop halts the refresh loop and waits for it to exit.
func (c *Cached) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.done)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Cached) loop(ctx context.Context, done <-chan struct{}) {
	defer c.wg.Done()
	if _, err := c.Refresh(ctx); err != nil {
		c.logger.Warn("gas price refresh failed", "error", err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil {
				c.logger.Warn("gas price refresh failed", "error", err, "stale_price", c.last.Load())
			}
		}
	}
}
