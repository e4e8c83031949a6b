package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Canonical is the single timestamp representation written to the warehouse.
const Canonical = time.RFC3339

// layouts are tried in order for string timestamps without a zone; they are
// interpreted as UTC.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02",
	"02/01/2006",
}

// Values above this are taken as unix milliseconds rather than seconds
// (1e11 seconds is the year 5138).
const unixMillisThreshold = 1e11

// ParseTime parses any of the timestamp spellings seen upstream: RFC3339
// with or without fraction or offset, naive date-times, dates, UK-style
// dd/mm/yyyy, and unix seconds or milliseconds as numbers or digit strings.
func ParseTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is null")
	case time.Time:
		return x.UTC(), nil
	case json.Number:
		return parseUnix(string(x))
	case float64:
		return fromUnix(x), nil
	case int64:
		return fromUnix(float64(x)), nil
	case string:
		t, _, err := parseString(x)
		return t, err
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseString(x string) (time.Time, bool, error) {
	s := strings.TrimSpace(x)
	if s == "" {
		return time.Time{}, false, fmt.Errorf("timestamp is empty")
	}
	if isNumeric(s) {
		t, err := parseUnix(s)
		return t, false, err
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), dateOnly[layout], nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognised timestamp %q", s)
}

var dateOnly = map[string]bool{"2006-01-02": true, "02/01/2006": true}

// canonicalString rewrites a timestamp string in canonical form. Date-only
// values stay dates. Numeric strings are only read as unix time when
// numeric is set.
func canonicalString(s string, numeric bool) (string, bool) {
	if !numeric && isNumeric(strings.TrimSpace(s)) {
		return s, false
	}
	t, isDate, err := parseString(s)
	if err != nil {
		return s, false
	}
	if isDate {
		return t.Format("2006-01-02"), true
	}
	return CanonicalTime(t), true
}

// CanonicalTime renders a parsed timestamp in canonical form.
func CanonicalTime(t time.Time) string {
	if t.Nanosecond() != 0 {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return t.UTC().Format(Canonical)
}

func parseUnix(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
	}
	return fromUnix(f), nil
}

func fromUnix(f float64) time.Time {
	if f >= unixMillisThreshold || f <= -unixMillisThreshold {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	dot := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r == '-' && i == 0:
		case r == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return true
}

// looksLikeTime reports whether a flattened field name suggests a timestamp,
// matching keys such as "startTime", "settlementDate" or "publish_time".
func looksLikeTime(key string) bool {
	k := strings.ToLower(key)
	if i := strings.LastIndexByte(k, '.'); i >= 0 {
		k = k[i+1:]
	}
	return strings.HasSuffix(k, "time") || strings.HasSuffix(k, "date") || k == "timestamp"
}
