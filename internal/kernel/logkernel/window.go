package logkernel

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var units = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "second": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hour": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour,
}

// ParseWindow resolves a window offset such as "last 15 minutes", "last hour",
// "15m" or "2d" to absolute [start, end] ending at now.
func ParseWindow(window string, now time.Time) (start, end time.Time, err error) {
	d, err := parseOffset(window)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return now.Add(-d), now, nil
}

func parseOffset(window string) (time.Duration, error) {
	w := strings.ToLower(strings.TrimSpace(window))
	if w == "" {
		return 0, fmt.Errorf("window is empty")
	}
	w = strings.TrimSpace(strings.TrimPrefix(w, "last"))
	if d, err := time.ParseDuration(w); err == nil && d > 0 {
		return d, nil
	}

	fields := strings.Fields(w)
	count := 1
	switch len(fields) {
	case 1:
		// "2d", "1w" or a bare unit as in "last hour".
		i := strings.IndexFunc(fields[0], func(r rune) bool { return r < '0' || r > '9' })
		if i > 0 {
			n, err := strconv.Atoi(fields[0][:i])
			if err != nil {
				return 0, fmt.Errorf("invalid window %q", window)
			}
			count, fields[0] = n, fields[0][i:]
		}
	case 2:
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return 0, fmt.Errorf("invalid window %q", window)
		}
		count, fields = n, fields[1:]
	default:
		return 0, fmt.Errorf("invalid window %q", window)
	}
	unit, ok := units[strings.TrimSuffix(fields[0], "s")]
	if !ok {
		unit, ok = units[fields[0]]
	}
	if !ok || count <= 0 {
		return 0, fmt.Errorf("invalid window %q", window)
	}
	if int64(count) > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("window %q is too large", window)
	}
	return time.Duration(count) * unit, nil
}
