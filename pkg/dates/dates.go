// Package dates holds the calendar-day key used for every booking comparison.
// A DayKey is derived from the wall clock of the instant it was built from,
// never from its UTC day.
package dates

import (
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"
	"time"
)

const layout = "2006-01-02"

// DayKey is a calendar day in YYYY-MM-DD form. String order is chronological.
type DayKey string

// Normalize returns the calendar day of t in t's own location.
func Normalize(t time.Time) DayKey {
	return DayKey(t.Format(layout))
}

// Parse accepts either a plain date ("2025-11-01") or an RFC 3339 timestamp.
// Timestamps keep their own offset, so "2025-03-10T23:30:00-08:00" is 2025-03-10.
func Parse(s string) (DayKey, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(layout, s); err == nil {
		return Normalize(t), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return "", fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC 3339", s)
	}
	return Normalize(t), nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) DayKey {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d DayKey) String() string {
	return string(d)
}

// Valid reports whether d is a well-formed calendar day.
func (d DayKey) Valid() bool {
	_, err := time.Parse(layout, string(d))
	return err == nil
}

// Value stores the key as a plain date.
func (d DayKey) Value() (driver.Value, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("invalid day key %q", string(d))
	}
	return string(d), nil
}

// Scan reads date columns. Drivers hand dates back either as text or as a
// time.Time at midnight UTC; the date components are taken as stored.
func (d *DayKey) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		*d = DayKey(fmt.Sprintf("%04d-%02d-%02d", v.Year(), int(v.Month()), v.Day()))
		return nil
	case string:
		return d.scanString(v)
	case []byte:
		return d.scanString(string(v))
	case nil:
		*d = ""
		return nil
	default:
		return fmt.Errorf("cannot scan %T into DayKey", src)
	}
}

func (d *DayKey) scanString(s string) error {
	if len(s) >= len(layout) {
		s = s[:len(layout)]
	}
	if _, err := time.Parse(layout, s); err != nil {
		return fmt.Errorf("cannot scan %q into DayKey: %w", s, err)
	}
	*d = DayKey(s)
	return nil
}

// Unique returns the distinct days in chronological order.
func Unique(days []DayKey) []DayKey {
	seen := make(map[DayKey]struct{}, len(days))
	out := make([]DayKey, 0, len(days))
	for _, d := range days {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings converts keys for query arguments and JSON payloads.
func Strings(days []DayKey) []string {
	out := make([]string, len(days))
	for i, d := range days {
		out[i] = string(d)
	}
	return out
}
