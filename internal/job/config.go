package job

import (
	"fmt"
	"time"
)

const (
	defaultOutputTarget = "parquet"
	defaultMaxWorkers   = 4
	defaultBatchSize    = 10000
	defaultMaxAttempts  = 3
	defaultBackoff      = 500 * time.Millisecond
	defaultMaxBackoff   = 30 * time.Second
	defaultTimeout      = 5 * time.Minute
)

// Config controls how a job is executed.
type Config struct {
	// OutputTarget names the storage format (parquet, json, sqlite).
	OutputTarget string `json:"outputTarget"`
	MaxWorkers   int    `json:"maxWorkers"`
	// BatchSize caps the bars fetched for one symbol in one call.
	BatchSize int `json:"batchSize"`
	// RateLimitHint is the provider request rate the job was planned for.
	RateLimitHint float64     `json:"rateLimitHint,omitempty"`
	Retry         RetryPolicy `json:"retry"`
}

// RetryPolicy bounds the fetch retries of a single symbol.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts"`
	Backoff     time.Duration `json:"backoff"`
	MaxBackoff  time.Duration `json:"maxBackoff"`
	// Timeout bounds all attempts of one symbol's fetch together.
	Timeout time.Duration `json:"timeout"`
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.OutputTarget == "" {
		c.OutputTarget = defaultOutputTarget
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = defaultMaxAttempts
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = defaultBackoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = defaultMaxBackoff
	}
	if c.Retry.Timeout == 0 {
		c.Retry.Timeout = defaultTimeout
	}
	return c
}

// Merge fills the zero fields of c from d.
func (c Config) Merge(d Config) Config {
	if c.OutputTarget == "" {
		c.OutputTarget = d.OutputTarget
	}
	if c.MaxWorkers == 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RateLimitHint == 0 {
		c.RateLimitHint = d.RateLimitHint
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if c.Retry.Backoff == 0 {
		c.Retry.Backoff = d.Retry.Backoff
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = d.Retry.MaxBackoff
	}
	if c.Retry.Timeout == 0 {
		c.Retry.Timeout = d.Retry.Timeout
	}
	return c
}

// Validate rejects negative or inconsistent values.
func (c Config) Validate() error {
	switch {
	case c.MaxWorkers < 1:
		return fmt.Errorf("%w: maxWorkers must be at least 1", ErrValidation)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batchSize must be at least 1", ErrValidation)
	case c.RateLimitHint < 0:
		return fmt.Errorf("%w: rateLimitHint cannot be negative", ErrValidation)
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("%w: retry.maxAttempts must be at least 1", ErrValidation)
	case c.Retry.Backoff < 0, c.Retry.MaxBackoff < 0, c.Retry.Timeout < 0:
		return fmt.Errorf("%w: retry durations cannot be negative", ErrValidation)
	case c.Retry.MaxBackoff < c.Retry.Backoff:
		return fmt.Errorf("%w: retry.maxBackoff is below retry.backoff", ErrValidation)
	}
	return nil
}

// Delay returns the pause before the given retry attempt (1-based), doubling
// from Backoff and capped at MaxBackoff.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := p.Backoff
	for i := 1; i < attempt; i++ {
		next := wait * 2
		if next > p.MaxBackoff || next <= 0 {
			return p.MaxBackoff
		}
		wait = next
	}
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		return p.MaxBackoff
	}
	return wait
}
