package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// Duration is a time.Duration that also accepts days ("d") and weeks ("w").
//
// Examples:
//   - "7d" = 7 days
//   - "2w" = 2 weeks
//   - "1w2d12h" = 1 week, 2 days, 12 hours
//   - "168h" = 168 hours (standard Go format still works)
type Duration time.Duration

// extendedUnits matches the leading week and day components.
var extendedUnits = regexp.MustCompile(`^(?:(\d+)w)?(?:(\d+)d)?(.*)$`)

// ParseDuration parses a duration with optional leading week and day
// components.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	m := extendedUnits.FindStringSubmatch(strings.ToLower(s))
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var total time.Duration
	for i, unit := range []time.Duration{week, day} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += time.Duration(n) * unit
	}

	if rest := m[3]; rest != "" {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += d
	} else if m[1] == "" && m[2] == "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	return Duration(total), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ns int64
		if err := json.Unmarshal(data, &ns); err != nil {
			return err
		}
		*d = Duration(ns)
		return nil
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String formats the duration with week and day components where they apply.
func (d Duration) String() string {
	dur := time.Duration(d)
	if dur < day && dur > -day {
		return dur.String()
	}

	var b strings.Builder
	if dur < 0 {
		b.WriteByte('-')
		dur = -dur
	}
	if w := dur / week; w > 0 {
		fmt.Fprintf(&b, "%dw", w)
		dur -= w * week
	}
	if n := dur / day; n > 0 {
		fmt.Fprintf(&b, "%dd", n)
		dur -= n * day
	}
	if dur > 0 {
		b.WriteString(dur.String())
	}
	return b.String()
}
