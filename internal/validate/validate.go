// Package validate applies OHLCV sanity rules to fetched bars.
package validate

import (
	"fmt"
	"math"

	"github.com/ahmethakanbesel/market-ingest/internal/market"
)

// Issue describes one rejected bar.
type Issue struct {
	Index     int           `json:"index"`
	Symbol    market.Symbol `json:"symbol"`
	Timestamp int64         `json:"t"`
	Reason    string        `json:"reason"`
}

func (i Issue) Error() string {
	return fmt.Sprintf("bar %d (%s @ %d): %s", i.Index, i.Symbol, i.Timestamp, i.Reason)
}

// Result splits the input into accepted bars and issues, preserving order.
type Result struct {
	Valid  []market.Bar
	Errors []Issue
}

// Rejected returns the number of dropped bars.
func (r Result) Rejected() int { return len(r.Errors) }

// Rules validates bars. The zero value checks prices, volume and ordering;
// set Range to also drop bars outside it.
type Rules struct {
	Range *market.TimeRange
}

// New returns Rules without a range check.
func New() Rules { return Rules{} }

// WithinRange returns a copy of r that also requires bars to fall in rng.
func (r Rules) WithinRange(rng market.TimeRange) Rules {
	r.Range = &rng
	return r
}

// Validate checks every bar. A bar that fails is dropped and the following
// bars are compared against the last accepted one.
func (r Rules) Validate(bars []market.Bar) Result {
	res := Result{Valid: make([]market.Bar, 0, len(bars))}
	var last int64
	hasLast := false

	for i, b := range bars {
		reason := r.check(b)
		if reason == "" && hasLast && b.Timestamp <= last {
			reason = "timestamp not after previous bar"
		}
		if reason != "" {
			res.Errors = append(res.Errors, Issue{Index: i, Symbol: b.Symbol, Timestamp: b.Timestamp, Reason: reason})
			continue
		}
		res.Valid = append(res.Valid, b)
		last, hasLast = b.Timestamp, true
	}
	return res
}

func (r Rules) check(b market.Bar) string {
	for _, p := range []float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return "prices must be positive"
		}
	}
	switch {
	case b.High < max(b.Open, b.Close, b.Low):
		return "high below open, close or low"
	case b.Low > min(b.Open, b.Close):
		return "low above open or close"
	case b.Volume < 0:
		return "negative volume"
	case b.Timestamp <= 0:
		return "missing timestamp"
	}
	if r.Range != nil && !r.Range.Contains(b.Time()) {
		return "outside requested range"
	}
	return ""
}
