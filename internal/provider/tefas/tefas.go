// Package tefas fetches daily unit prices of Turkish investment funds from
// the TEFAS history API.
package tefas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/market-ingest/internal/market"
	"github.com/ahmethakanbesel/market-ingest/internal/provider/httpx"
)

const (
	Name = "tefas"

	defaultBaseURL         = "https://www.tefas.gov.tr"
	defaultHistoryEndpoint = "https://www.tefas.gov.tr/api/DB/BindHistoryInfo"
	defaultReferer         = "http://www.tefas.gov.tr/TarihselVeriler.aspx"
	dateFormat             = "2006-01-02"
	chunkSize              = 60 * 24 * time.Hour
)

type priceData struct {
	Timestamp string  `json:"TARIH"`
	FundCode  string  `json:"FONKODU"`
	FundName  string  `json:"FONUNVAN"`
	Price     float64 `json:"FIYAT"`
}

type historyResponse struct {
	RecordsTotal int         `json:"recordsTotal"`
	Data         []priceData `json:"data"`
}

type Client struct {
	workers         int
	client          *http.Client
	historyEndpoint string
	baseURL         string
	referer         string
	limiter         httpx.Limiter
}

func New(opts ...Option) *Client {
	c := &Client{
		workers:         5,
		client:          &http.Client{Timeout: 30 * time.Second},
		historyEndpoint: defaultHistoryEndpoint,
		baseURL:         defaultBaseURL,
		referer:         defaultReferer,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type Option func(*Client)

func WithWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithLimiter takes one token from l for every history request.
func WithLimiter(l httpx.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func WithHistoryEndpoint(u string) Option {
	return func(c *Client) { c.historyEndpoint = u }
}

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithReferer(u string) Option {
	return func(c *Client) { c.referer = u }
}

func (c *Client) Name() string { return Name }

func (c *Client) LimitsRequests() bool { return c.limiter != nil }

// FetchBars returns one closing bar per day the fund was priced. TEFAS
// serves at most 60 days per request, so longer windows are split.
func (c *Client) FetchBars(ctx context.Context, symbol market.Symbol, rng market.TimeRange, maxBars int) ([]market.Bar, error) {
	chunks := market.SplitRange(rng, chunkSize)
	results := make([][]market.Bar, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, w := range chunks {
		g.Go(func() error {
			resp, err := c.history(gctx, symbol, w)
			if err != nil {
				return err
			}
			bars := make([]market.Bar, 0, len(resp.Data))
			for _, d := range resp.Data {
				t := parseTimestamp(d.Timestamp)
				if t.IsZero() || d.Price <= 0 {
					continue
				}
				bars = append(bars, market.ClosingBar(symbol, t, d.Price))
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

	slog.Info("retrieved tefas bars", "fund", symbol, "range", rng.String(), "chunks", len(chunks), "count", len(all))
	return all, nil
}

func (c *Client) history(ctx context.Context, fund market.Symbol, w market.TimeRange) (*historyResponse, error) {
	params := url.Values{}
	params.Add("fontip", "YAT")
	params.Add("fonkod", string(fund))
	params.Add("bastarih", w.Start.UTC().Format(dateFormat))
	params.Add("bittarih", w.End.UTC().Format(dateFormat))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.historyEndpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.referer)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := httpx.Do(c.client, c.limiter, req, "fetch fund history")
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if err := httpx.StatusError(Name, res, string(fund)); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, httpx.Unavailable(ctx, "read fund history", err)
	}

	resp := &historyResponse{}
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, fmt.Errorf("parse tefas response: %w", err)
	}
	return resp, nil
}

// parseTimestamp reads TEFAS millisecond timestamps, truncated to the day.
func parseTimestamp(ms string) time.Time {
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC().Truncate(24 * time.Hour)
}
