package plan

import (
	"fmt"
	"time"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

// Buckets enumerates bucket start dates covering [start, end] inclusive.
// Month buckets start on the first of every month the range touches.
func Buckets(start, end time.Time, granularity harvest.Granularity) ([]time.Time, error) {
	start = truncateDay(start)
	end = truncateDay(end)
	if end.Before(start) {
		return nil, &harvest.InvalidRangeError{Start: start, End: end}
	}
	var out []time.Time
	switch granularity {
	case harvest.GranularityDay, "":
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			out = append(out, d)
		}
	case harvest.GranularityMonth:
		first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
		for m := first; !m.After(end); m = m.AddDate(0, 1, 0) {
			out = append(out, m)
		}
	default:
		return nil, fmt.Errorf("unknown granularity %q", granularity)
	}
	return out, nil
}

// BucketEnd returns the last day covered by the bucket starting at start.
func BucketEnd(start time.Time, granularity harvest.Granularity) time.Time {
	if granularity == harvest.GranularityMonth {
		return start.AddDate(0, 1, -1)
	}
	return start
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
