package market

import (
	"fmt"
	"time"
)

// TimeRange is a closed interval of instants. Start is always before End.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewTimeRange validates start < end and rejects ranges that begin after now.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	return newTimeRangeAt(start, end, time.Now())
}

func newTimeRangeAt(start, end, now time.Time) (TimeRange, error) {
	if start.IsZero() || end.IsZero() {
		return TimeRange{}, fmt.Errorf("%w: time range bounds are required", ErrValidation)
	}
	if !start.Before(end) {
		return TimeRange{}, fmt.Errorf("%w: start %s must be before end %s",
			ErrValidation, start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano))
	}
	if start.After(now) {
		return TimeRange{}, fmt.Errorf("%w: time range starts in the future (%s)",
			ErrValidation, start.Format(time.RFC3339))
	}
	return TimeRange{Start: start.UTC(), End: end.UTC()}, nil
}

// Contains reports whether t falls inside the range, both bounds included.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Duration returns End - Start.
func (r TimeRange) Duration() time.Duration { return r.End.Sub(r.Start) }

// After narrows the range so it starts at ts. The second return value is false
// when nothing of the range is left after ts.
func (r TimeRange) After(ts time.Time) (TimeRange, bool) {
	if !ts.After(r.Start) {
		return r, true
	}
	if !ts.Before(r.End) {
		return TimeRange{}, false
	}
	return TimeRange{Start: ts, End: r.End}, true
}

func (r TimeRange) String() string {
	return r.Start.Format(time.RFC3339) + ".." + r.End.Format(time.RFC3339)
}
