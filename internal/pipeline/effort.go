package pipeline

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration that encodes as a Go duration string ("8h0m0s").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", string(data))
	}
	*d = Duration(n)
	return nil
}

// Hours returns the duration in hours.
func (d Duration) Hours() float64 {
	return time.Duration(d).Hours()
}

// EffortUnits converts free-text effort into durations.
type EffortUnits struct {
	HoursPerDay   float64
	HoursPerPoint float64
}

// DefaultEffortUnits uses an 8 hour day and 4 hours per story point.
func DefaultEffortUnits() EffortUnits {
	return EffortUnits{HoursPerDay: 8, HoursPerPoint: 4}
}

var effortRe = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*(h|hr|hrs|hour|hours|d|day|days|w|wk|wks|week|weeks|sp|pt|pts|point|points|story\s*points?)?\s*$`)

// ParseEffort converts an estimate such as "8h", "2 days", "3 story points"
// or "1.5w" into a duration. A bare number is taken as hours.
func (u EffortUnits) ParseEffort(s string) (time.Duration, error) {
	m := effortRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("unrecognized effort %q", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parse effort number %q: %w", m[1], err)
	}
	unit := strings.ToLower(strings.Join(strings.Fields(m[2]), ""))
	var hours float64
	switch {
	case unit == "" || strings.HasPrefix(unit, "h"):
		hours = n
	case strings.HasPrefix(unit, "d"):
		hours = n * u.HoursPerDay
	case strings.HasPrefix(unit, "w"):
		hours = n * u.HoursPerDay * 5
	default:
		hours = n * u.HoursPerPoint
	}
	return time.Duration(hours * float64(time.Hour)), nil
}
