package tefas

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/market"
	"github.com/ahmethakanbesel/market-ingest/internal/ratelimit"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return New(
		WithWorkers(2),
		WithClient(ts.Client()),
		WithHistoryEndpoint(ts.URL),
		WithBaseURL(ts.URL),
		WithReferer(ts.URL),
	)
}

func TestFetchBars(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type: %s", r.Header.Get("Content-Type"))
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("fonkod") != "YAC" {
			t.Errorf("expected fonkod=YAC, got %s", r.PostForm.Get("fonkod"))
		}

		_ = json.NewEncoder(w).Encode(historyResponse{
			RecordsTotal: 3,
			Data: []priceData{
				{Timestamp: "1704153600000", FundCode: "YAC", Price: 1.24},
				{Timestamp: "1704067200000", FundCode: "YAC", Price: 1.23},
				{Timestamp: "garbage", FundCode: "YAC", Price: 1.25},
			},
		})
	})

	rng := market.TimeRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
	bars, err := c.FetchBars(context.Background(), "YAC", rng, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if bars[0].Close != 1.23 || bars[1].Close != 1.24 {
		t.Errorf("unexpected bars %+v", bars)
	}
}

func TestFetchBars_SplitsLongWindows(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(historyResponse{})
	})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rng := market.TimeRange{Start: start, End: start.Add(150 * 24 * time.Hour)}
	if _, err := c.FetchBars(context.Background(), "YAC", rng, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 chunk requests, got %d", calls.Load())
	}
}

func TestFetchBars_RateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	rng := market.TimeRange{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	_, err := c.FetchBars(context.Background(), "YAC", rng, 0)
	rl, ok := market.IsRateLimited(err)
	if !ok {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter != 2*time.Second || rl.Provider != Name {
		t.Errorf("unexpected %+v", rl)
	}
	if errors.Is(err, market.ErrProviderUnavailable) {
		t.Error("rate limit should not look like an outage")
	}
}

func TestParseTimestamp(t *testing.T) {
	// 2024-01-01 00:00:00 UTC in milliseconds
	got := parseTimestamp("1704067200000")
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if !parseTimestamp("invalid").IsZero() {
		t.Error("expected zero time for invalid timestamp")
	}
}

func TestFetchBars_EveryRequestTakesAToken(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(historyResponse{})
	})
	lim, err := ratelimit.New(Name, 2, 0.001)
	if err != nil {
		t.Fatal(err)
	}
	WithLimiter(lim)(c)
	if !c.LimitsRequests() {
		t.Fatal("client with a limiter should report it limits requests")
	}

	// Three chunks against a budget of two tokens: the third request waits
	// for a refill that does not come before the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rng := market.TimeRange{Start: start, End: start.Add(150 * 24 * time.Hour)}
	if _, err := c.FetchBars(ctx, "YAC", rng, 0); err == nil {
		t.Fatal("expected the token wait to hit the deadline")
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 requests within the budget, got %d", calls.Load())
	}
}
