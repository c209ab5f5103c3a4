// Package timeutil normalizes the date values that flow through activity
// records. Stored dates are always RFC 3339 in UTC; input is accepted in any
// ISO-like shape and unrecognized input falls back to the reference time.
package timeutil

import (
	"strings"
	"time"
)

// isoLayouts are tried in order when parsing a date string. Layouts without
// a zone designator are interpreted as UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Format serializes t as an RFC 3339 UTC string with second precision.
func Format(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// Parse parses an ISO-like date string. The now parameter is both the
// fallback for unparseable input and the reference callers should reuse so
// repeated parses within one request do not drift.
func Parse(s string, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return now
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return now
}

// Normalize coerces an arbitrary date value to its RFC 3339 UTC string form.
// time.Time values are formatted directly, strings are parsed permissively,
// and anything else resolves to now.
func Normalize(v any, now time.Time) string {
	switch d := v.(type) {
	case time.Time:
		return Format(d)
	case string:
		return Format(Parse(d, now))
	default:
		return Format(now)
	}
}

// UnixMilli returns the integer timestamp used by the *_int secondary
// indexes: milliseconds since the Unix epoch in UTC.
func UnixMilli(t time.Time) int64 {
	return t.UTC().UnixMilli()
}
