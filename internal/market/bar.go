package market

import (
	"sort"
	"time"
)

// Bar is one OHLCV bar. Timestamp is Unix nanoseconds (UTC).
type Bar struct {
	Symbol    Symbol  `json:"symbol" parquet:"symbol"`
	Timestamp int64   `json:"t" parquet:"t"`
	Open      float64 `json:"o" parquet:"o"`
	High      float64 `json:"h" parquet:"h"`
	Low       float64 `json:"l" parquet:"l"`
	Close     float64 `json:"c" parquet:"c"`
	Volume    int64   `json:"v" parquet:"v"`
}

// Time returns the bar timestamp as a UTC time.
func (b Bar) Time() time.Time { return time.Unix(0, b.Timestamp).UTC() }

// LastTimestamp returns the greatest timestamp in bars, or 0 for an empty slice.
func LastTimestamp(bars []Bar) int64 {
	var last int64
	for _, b := range bars {
		if b.Timestamp > last {
			last = b.Timestamp
		}
	}
	return last
}

// Span returns the earliest and latest timestamps in bars, or zeros when bars
// is empty.
func Span(bars []Bar) (first, last int64) {
	for i, b := range bars {
		if i == 0 || b.Timestamp < first {
			first = b.Timestamp
		}
		if i == 0 || b.Timestamp > last {
			last = b.Timestamp
		}
	}
	return first, last
}

// Clip sorts bars by time, drops repeated timestamps and bars outside rng,
// and keeps at most maxBars of the oldest. maxBars <= 0 means no limit.
func Clip(bars []Bar, rng TimeRange, maxBars int) []Bar {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp < bars[j].Timestamp })
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if n := len(out); n > 0 && out[n-1].Timestamp == b.Timestamp {
			continue
		}
		if !rng.Contains(b.Time()) {
			continue
		}
		out = append(out, b)
		if maxBars > 0 && len(out) == maxBars {
			break
		}
	}
	return out
}

// ClosingBar is a bar for sources that publish a single daily price.
func ClosingBar(symbol Symbol, t time.Time, price float64) Bar {
	return Bar{
		Symbol:    symbol,
		Timestamp: t.UnixNano(),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
	}
}
