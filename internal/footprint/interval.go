package footprint

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

var intervalRegexp = regexp.MustCompile(`^(\d+)([smhdw])$`)

// ParseInterval converts an exchange interval such as "15m" or "1d".
func ParseInterval(s string) (time.Duration, error) {
	m := intervalRegexp.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	unit := map[string]time.Duration{
		"s": time.Second,
		"m": time.Minute,
		"h": time.Hour,
		"d": 24 * time.Hour,
		"w": 7 * 24 * time.Hour,
	}[m[2]]
	return time.Duration(n) * unit, nil
}

// RetentionBars returns ceil(window / period), at least 1.
func RetentionBars(period, window time.Duration) int {
	if period <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(window) / float64(period)))
	if n < 1 {
		return 1
	}
	return n
}
