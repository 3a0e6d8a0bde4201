// Package yahoo fetches OHLCV bars from the Yahoo Finance v8 chart API. It
// authenticates with a session cookie plus crumb, the way yfinance does.
package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/market-ingest/internal/market"
	"github.com/ahmethakanbesel/market-ingest/internal/provider/httpx"
)

const (
	Name = "yahoo"

	defaultChartEndpoint = "https://query2.finance.yahoo.com/v8/finance/chart"
	defaultCookieURL     = "https://fc.yahoo.com"
	defaultCrumbURL      = "https://query1.finance.yahoo.com/v1/test/getcrumb"
	defaultInterval      = "1m"
	userAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Longest window Yahoo serves per request for each interval.
var chunkSizes = map[string]time.Duration{
	"1m":  7 * 24 * time.Hour,
	"5m":  59 * 24 * time.Hour,
	"15m": 59 * 24 * time.Hour,
	"1h":  729 * 24 * time.Hour,
	"1d":  1250 * 24 * time.Hour,
}

// Client fetches bars from Yahoo Finance.
type Client struct {
	workers       int
	interval      string
	client        *http.Client
	chartEndpoint string
	cookieURL     string
	crumbURL      string
	limiter       httpx.Limiter

	mu    sync.Mutex
	crumb string
}

// New creates a Client with the given options applied.
func New(opts ...Option) *Client {
	jar, _ := cookiejar.New(nil)
	c := &Client{
		workers:       5,
		interval:      defaultInterval,
		client:        &http.Client{Jar: jar, Timeout: 30 * time.Second},
		chartEndpoint: defaultChartEndpoint,
		cookieURL:     defaultCookieURL,
		crumbURL:      defaultCrumbURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithWorkers sets how many chunks of one window are fetched in parallel.
func WithWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithInterval sets the bar size (1m, 5m, 15m, 1h, 1d).
func WithInterval(iv string) Option {
	return func(c *Client) { c.interval = iv }
}

// WithClient sets the HTTP client. The client should have a cookie jar.
func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithLimiter takes one token from l for every outbound request, including
// the cookie and crumb handshake.
func WithLimiter(l httpx.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func WithChartEndpoint(ep string) Option {
	return func(c *Client) { c.chartEndpoint = ep }
}

func WithCookieURL(u string) Option {
	return func(c *Client) { c.cookieURL = u }
}

func WithCrumbURL(u string) Option {
	return func(c *Client) { c.crumbURL = u }
}

func (c *Client) Name() string { return Name }

// LimitsRequests reports whether the client takes limiter tokens itself.
func (c *Client) LimitsRequests() bool { return c.limiter != nil }

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *chartError   `json:"error"`
	} `json:"chart"`
}

type chartResult struct {
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []quote `json:"quote"`
	} `json:"indicators"`
}

type quote struct {
	Open   []any `json:"open"`
	High   []any `json:"high"`
	Low    []any `json:"low"`
	Close  []any `json:"close"`
	Volume []any `json:"volume"`
}

type chartError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// FetchBars returns up to maxBars bars of symbol inside rng, oldest first.
// Long windows are split into chunks fetched concurrently.
func (c *Client) FetchBars(ctx context.Context, symbol market.Symbol, rng market.TimeRange, maxBars int) ([]market.Bar, error) {
	chunk, ok := chunkSizes[c.interval]
	if !ok {
		return nil, fmt.Errorf("yahoo: unsupported interval %q", c.interval)
	}
	if err := c.ensureCrumb(ctx); err != nil {
		return nil, fmt.Errorf("yahoo auth: %w", err)
	}

	chunks := market.SplitRange(rng, chunk)
	results := make([][]market.Bar, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, w := range chunks {
		g.Go(func() error {
			bars, err := c.fetchChart(gctx, symbol, w)
			if err != nil {
				return err
			}
			results[i] = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []market.Bar
	for _, r := range results {
		all = append(all, r...)
	}
	all = market.Clip(all, rng, maxBars)

	slog.Info("retrieved yahoo bars", "symbol", symbol, "range", rng.String(),
		"chunks", len(chunks), "count", len(all))
	return all, nil
}

// ensureCrumb fetches a session cookie and crumb token if not already cached.
func (c *Client) ensureCrumb(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.crumb != "" {
		return nil
	}

	cookieReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cookieURL, nil)
	if err != nil {
		return fmt.Errorf("build cookie request: %w", err)
	}
	cookieReq.Header.Set("User-Agent", userAgent)

	cookieRes, err := httpx.Do(c.client, c.limiter, cookieReq, "fetch cookie")
	if err != nil {
		return err
	}
	_ = cookieRes.Body.Close()

	crumbReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.crumbURL, nil)
	if err != nil {
		return fmt.Errorf("build crumb request: %w", err)
	}
	crumbReq.Header.Set("User-Agent", userAgent)

	crumbRes, err := httpx.Do(c.client, c.limiter, crumbReq, "fetch crumb")
	if err != nil {
		return err
	}
	defer func() { _ = crumbRes.Body.Close() }()

	if err := httpx.StatusError(Name, crumbRes, "crumb"); err != nil {
		return err
	}

	body, err := io.ReadAll(crumbRes.Body)
	if err != nil {
		return httpx.Unavailable(ctx, "read crumb", err)
	}
	crumb := strings.TrimSpace(string(body))
	if crumb == "" {
		return fmt.Errorf("%w: empty crumb received", market.ErrProviderUnavailable)
	}

	c.crumb = crumb
	slog.Info("yahoo: obtained crumb", "crumb_len", len(crumb))
	return nil
}

func (c *Client) fetchChart(ctx context.Context, symbol market.Symbol, w market.TimeRange) ([]market.Bar, error) {
	c.mu.Lock()
	crumb := c.crumb
	c.mu.Unlock()

	q := url.Values{}
	q.Set("period1", strconv.FormatInt(w.Start.Unix(), 10))
	q.Set("period2", strconv.FormatInt(w.End.Unix()+1, 10))
	q.Set("interval", c.interval)
	q.Set("includePrePost", "false")
	q.Set("crumb", crumb)
	reqURL := c.chartEndpoint + "/" + url.PathEscape(string(symbol)) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := httpx.Do(c.client, c.limiter, req, "fetch chart")
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		// Drop the crumb so the next call authenticates again.
		c.mu.Lock()
		c.crumb = ""
		c.mu.Unlock()
	}
	if err := httpx.StatusError(Name, res, string(symbol)); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, httpx.Unavailable(ctx, "read chart", err)
	}

	var resp chartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse yahoo response: %w", err)
	}
	if e := resp.Chart.Error; e != nil {
		if strings.EqualFold(e.Code, "Not Found") {
			return nil, fmt.Errorf("%w: %s: %s", market.ErrInvalidSymbol, symbol, e.Description)
		}
		return nil, fmt.Errorf("yahoo chart error: %s: %s", e.Code, e.Description)
	}

	if len(resp.Chart.Result) == 0 {
		return nil, nil
	}
	return toBars(symbol, resp.Chart.Result[0]), nil
}

// toBars skips points where any OHLC value is null.
func toBars(symbol market.Symbol, r chartResult) []market.Bar {
	if len(r.Indicators.Quote) == 0 {
		return nil
	}
	q := r.Indicators.Quote[0]
	n := min(len(r.Timestamp), len(q.Open), len(q.High), len(q.Low), len(q.Close))

	bars := make([]market.Bar, 0, n)
	for i := range n {
		o, ok1 := toFloat64(q.Open[i])
		h, ok2 := toFloat64(q.High[i])
		l, ok3 := toFloat64(q.Low[i])
		cl, ok4 := toFloat64(q.Close[i])
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}
		var vol int64
		if i < len(q.Volume) {
			if v, ok := toFloat64(q.Volume[i]); ok {
				vol = int64(v)
			}
		}
		bars = append(bars, market.Bar{
			Symbol:    symbol,
			Timestamp: time.Unix(r.Timestamp[i], 0).UnixNano(),
			Open:      o,
			High:      h,
			Low:       l,
			Close:     cl,
			Volume:    vol,
		})
	}
	return bars
}

// toFloat64 converts a JSON number to float64. Yahoo uses null for missing
// points, which reports false.
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
