package loader

import "time"

// windows holds the per-feed extraction cutoffs derived from one
// watermark. Feeds whose records land late get a lookback behind the
// watermark; the fact tables' natural-key conflict clauses absorb the
// resulting re-reads.
type windows struct {
	rides      time.Time
	waybills   time.Time
	payments   time.Time
	dimensions time.Time
}

func newWindows(watermark time.Time, waybillLookback, rideLookback time.Duration) windows {
	return windows{
		rides:      watermark.Add(-rideLookback),
		waybills:   watermark.Add(-waybillLookback),
		payments:   watermark,
		dimensions: watermark,
	}
}
