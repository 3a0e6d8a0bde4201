package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/apperror"
)

var (
	// ErrValidation is returned for malformed symbols and time ranges.
	ErrValidation = apperror.New(apperror.BadRequest, "invalid market data argument")

	// ErrProviderUnavailable marks transient provider failures (network, 5xx).
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrInvalidSymbol means the provider does not know the symbol. Not retryable.
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// RateLimitedError is returned by a provider that was told to back off.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// IsRateLimited unwraps err into a *RateLimitedError.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
