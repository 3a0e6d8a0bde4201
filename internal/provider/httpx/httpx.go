// Package httpx sends provider requests under the shared rate limiter and maps
// their failures onto the market error taxonomy.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/market"
)

// DefaultRetryAfter is used when a 429 carries no usable Retry-After header.
const DefaultRetryAfter = time.Second

// StatusError returns nil for 200 and otherwise classifies the response:
// 429 is rate limited, 404 an unknown symbol, 5xx/401/403 transient.
func StatusError(provider string, res *http.Response, what string) error {
	switch {
	case res.StatusCode == http.StatusOK:
		return nil
	case res.StatusCode == http.StatusTooManyRequests:
		return &market.RateLimitedError{
			Provider:   provider,
			RetryAfter: RetryAfter(res.Header.Get("Retry-After"), time.Now()),
		}
	case res.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", market.ErrInvalidSymbol, what)
	case res.StatusCode >= 500, res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s returned HTTP %d for %s", market.ErrProviderUnavailable, provider, res.StatusCode, what)
	default:
		return fmt.Errorf("%s returned HTTP %d for %s", provider, res.StatusCode, what)
	}
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
func RetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

// Unavailable wraps a transport error as ErrProviderUnavailable unless it is
// the caller's own cancellation.
func Unavailable(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", market.ErrProviderUnavailable, op, err)
}

// Limiter hands out request tokens. *ratelimit.Limiter implements it.
type Limiter interface {
	AcquireContext(ctx context.Context, n int) error
}

// Do takes one token from lim, then sends req. A nil lim sends right away.
// Transport errors come back wrapped by Unavailable.
func Do(hc *http.Client, lim Limiter, req *http.Request, op string) (*http.Response, error) {
	ctx := req.Context()
	if lim != nil {
		if err := lim.AcquireContext(ctx, 1); err != nil {
			return nil, fmt.Errorf("%s: acquire rate limit token: %w", op, err)
		}
	}
	res, err := hc.Do(req) //nolint:gosec // callers build URLs from internal config
	if err != nil {
		return nil, Unavailable(ctx, op, err)
	}
	return res, nil
}
