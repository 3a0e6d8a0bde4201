package ratelimit

import (
	"math"
	"time"
)

// bucket is the token-bucket state. It is a plain value; Limiter guards the
// single shared copy with its mutex.
type bucket struct {
	capacity   float64
	rate       float64 // tokens per second
	tokens     float64
	last       time.Time
	retryUntil time.Time
}

func newBucket(capacity, rate float64, now time.Time) bucket {
	return bucket{capacity: capacity, rate: rate, tokens: capacity, last: now}
}

// refill credits the tokens earned since the last refill, clamped to capacity.
func (b bucket) refill(now time.Time) bucket {
	if now.After(b.last) {
		earned := now.Sub(b.last).Seconds() * b.rate
		b.tokens = math.Min(b.capacity, b.tokens+earned)
		b.last = now
	}
	return b
}

// take withdraws n tokens at now. A zero wait means the tokens were taken;
// otherwise nothing was taken and the caller should retry after wait.
func take(b bucket, now time.Time, n float64) (bucket, time.Duration) {
	b = b.refill(now)

	if now.Before(b.retryUntil) {
		return b, b.retryUntil.Sub(now)
	}
	if b.tokens >= n {
		b.tokens -= n
		return b, 0
	}

	deficit := n - b.tokens
	wait := time.Duration(math.Ceil(deficit / b.rate * float64(time.Second)))
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return b, wait
}

// gate pushes the retry deadline out to now+d. An earlier deadline never
// shortens one that is already set.
func gate(b bucket, now time.Time, d time.Duration) bucket {
	if until := now.Add(d); until.After(b.retryUntil) {
		b.retryUntil = until
	}
	return b
}
