package validate

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/market-ingest/internal/market"
)

var base = time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)

func bar(minute int) market.Bar {
	return market.Bar{
		Symbol:    "AAPL",
		Timestamp: base.Add(time.Duration(minute) * time.Minute).UnixNano(),
		Open:      100, High: 101, Low: 99, Close: 100.5, Volume: 1000,
	}
}

func TestValidate_AllValid(t *testing.T) {
	bars := []market.Bar{bar(0), bar(1), bar(2)}
	res := New().Validate(bars)
	assert.Len(t, res.Valid, 3)
	assert.Empty(t, res.Errors)
}

func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*market.Bar)
		reason string
	}{
		{"zero open", func(b *market.Bar) { b.Open = 0 }, "prices must be positive"},
		{"nan close", func(b *market.Bar) { b.Close = math.NaN() }, "prices must be positive"},
		{"high below close", func(b *market.Bar) { b.High = 100.2 }, "high below open, close or low"},
		{"low above open", func(b *market.Bar) { b.Low = 100.1 }, "low above open or close"},
		{"negative volume", func(b *market.Bar) { b.Volume = -1 }, "negative volume"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := bar(0)
			tt.mutate(&b)
			res := New().Validate([]market.Bar{b})
			require.Len(t, res.Errors, 1)
			assert.Equal(t, tt.reason, res.Errors[0].Reason)
			assert.Empty(t, res.Valid)
			assert.Equal(t, 1, res.Rejected())
		})
	}
}

func TestValidate_OrderingAgainstLastAccepted(t *testing.T) {
	bad := bar(5)
	bad.Open = -1
	bars := []market.Bar{bar(0), bar(2), bar(1), bad, bar(3)}

	res := New().Validate(bars)

	require.Len(t, res.Valid, 3)
	assert.Equal(t, bar(3).Timestamp, res.Valid[2].Timestamp)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, 2, res.Errors[0].Index)
	assert.Equal(t, "timestamp not after previous bar", res.Errors[0].Reason)
	assert.Equal(t, 3, res.Errors[1].Index)
}

func TestValidate_Range(t *testing.T) {
	rng := market.TimeRange{Start: base, End: base.Add(2 * time.Minute)}
	res := New().WithinRange(rng).Validate([]market.Bar{bar(0), bar(2), bar(3)})

	assert.Len(t, res.Valid, 2)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "outside requested range", res.Errors[0].Reason)
}

func TestIssue_Error(t *testing.T) {
	i := Issue{Index: 1, Symbol: "MSFT", Timestamp: 7, Reason: "negative volume"}
	assert.Equal(t, "bar 1 (MSFT @ 7): negative volume", i.Error())
}
