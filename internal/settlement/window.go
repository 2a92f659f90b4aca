package settlement

import (
	"fmt"
	"time"
)

const idLayout = "20060102T150405Z"

// WindowOf returns the [start, end) window of length d that contains t.
// Windows are aligned to the Unix epoch in UTC.
func WindowOf(t time.Time, d time.Duration) (time.Time, time.Time) {
	ns := t.UnixNano()
	off := ns % int64(d)
	if off < 0 {
		off += int64(d)
	}
	start := time.Unix(0, ns-off).UTC()
	return start, start.Add(d)
}

// LastDue returns the most recent window whose grace period has elapsed at now.
func LastDue(now time.Time, d, grace time.Duration) (time.Time, time.Time) {
	start, _ := WindowOf(now.Add(-grace), d)
	return start.Add(-d), start
}

// BatchID names the batch of a window. Forming the same window twice yields
// the same ID.
func BatchID(start, end time.Time) string {
	return fmt.Sprintf("STL-%s-%s", start.UTC().Format(idLayout), end.UTC().Format(idLayout))
}
