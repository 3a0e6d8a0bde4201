// Package isyatirim fetches daily closing prices of Borsa Istanbul indices
// and equities from the Is Yatirim chart data endpoint.
package isyatirim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/market"
	"github.com/ahmethakanbesel/market-ingest/internal/provider/httpx"
)

const (
	Name = "isyatirim"

	defaultEndpoint = "https://www.isyatirim.com.tr/_Layouts/15/IsYatirim.Website/Common/ChartData.aspx/IndexHistoricalAll"
	dateFormat      = "20060102150405"
	dailyPeriod     = "1440"
)

type Client struct {
	client   *http.Client
	endpoint string
	limiter  httpx.Limiter
}

func New(opts ...Option) *Client {
	c := &Client{
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: defaultEndpoint,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type Option func(*Client)

func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func WithEndpoint(ep string) Option {
	return func(c *Client) { c.endpoint = ep }
}

// WithLimiter takes one token from l for every request.
func WithLimiter(l httpx.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func (c *Client) Name() string { return Name }

func (c *Client) LimitsRequests() bool { return c.limiter != nil }

// FetchBars returns one closing bar per trading day of rng. The endpoint
// serves the whole window in a single response.
func (c *Client) FetchBars(ctx context.Context, symbol market.Symbol, rng market.TimeRange, maxBars int) ([]market.Bar, error) {
	q := url.Values{}
	q.Set("period", dailyPeriod)
	q.Set("from", rng.Start.UTC().Format(dateFormat))
	q.Set("to", rng.End.UTC().Format(dateFormat))
	q.Set("endeks", string(symbol))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	res, err := httpx.Do(c.client, c.limiter, req, "fetch index history")
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if err := httpx.StatusError(Name, res, string(symbol)); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, httpx.Unavailable(ctx, "read index history", err)
	}

	var response struct {
		Data [][]json.Number `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parse isyatirim response: %w", err)
	}

	bars := make([]market.Bar, 0, len(response.Data))
	for _, entry := range response.Data {
		if len(entry) < 2 {
			continue
		}
		tsMs, err := entry[0].Int64()
		if err != nil {
			// Timestamps sometimes arrive as floats.
			f, ferr := entry[0].Float64()
			if ferr != nil {
				continue
			}
			tsMs = int64(f)
		}
		closePrice, err := entry[1].Float64()
		if err != nil {
			continue
		}
		day := time.UnixMilli(tsMs).UTC().Truncate(24 * time.Hour)
		bars = append(bars, market.ClosingBar(symbol, day, closePrice))
	}
	bars = market.Clip(bars, rng, maxBars)

	slog.Info("retrieved isyatirim bars", "symbol", symbol, "range", rng.String(), "count", len(bars))
	return bars, nil
}
