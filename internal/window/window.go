// Package window holds the pure time arithmetic shared by the fetcher
// and the store: timeframe label parsing, partition window sizing and
// period-start alignment.
package window

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadTimeframe is wrapped by FromLabel for any label it cannot
// parse. Callers treat it as a configuration error and fail fast.
var ErrBadTimeframe = fmt.Errorf("unsupported timeframe")

const (
	day   = 24 * time.Hour
	month = 31 * day
)

// FromLabel parses a timeframe label of the form "<int><unit>" where
// the unit is one of s, m, h or d. The unit is matched by its first
// occurrence in the label, so labels must be unambiguous ("1m" is one
// minute, never one month).
func FromLabel(label string) (time.Duration, error) {
	idx := strings.IndexAny(label, "smhd")
	if idx < 0 {
		return 0, fmt.Errorf("%w %q", ErrBadTimeframe, label)
	}
	qty, err := strconv.Atoi(label[:idx])
	if err != nil {
		return 0, fmt.Errorf("%w %q: %v", ErrBadTimeframe, label, err)
	}
	var unit time.Duration
	switch label[idx] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = day
	}
	return time.Duration(qty) * unit, nil
}

// PartitionLength returns the length of the partition window used for
// data of the given granularity: one day for sub-hourly data and ~31
// days otherwise.
func PartitionLength(granularity time.Duration) time.Duration {
	if granularity < time.Hour {
		return day
	}
	return month
}

// PeriodStart floors t to the start of its enclosing partition window.
// Daily-or-coarser granularities align to January 1, hourly ones to
// the first of the month, and finer granularities are returned
// unchanged (the caller's daily stepping already aligns those). The
// location of t is preserved.
func PeriodStart(granularity time.Duration, t time.Time) time.Time {
	switch {
	case granularity >= day:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
	case granularity >= time.Hour:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	default:
		return t
	}
}
