package market

import "time"

// SplitRange cuts r into consecutive windows no longer than size. Adjacent
// windows share their boundary instant.
func SplitRange(r TimeRange, size time.Duration) []TimeRange {
	if !r.Start.Before(r.End) || size <= 0 {
		return nil
	}

	var chunks []TimeRange
	for cur := r.Start; cur.Before(r.End); cur = cur.Add(size) {
		end := cur.Add(size)
		if end.After(r.End) {
			end = r.End
		}
		chunks = append(chunks, TimeRange{Start: cur, End: end})
	}
	return chunks
}
