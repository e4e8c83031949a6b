package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSpan parses window and lag specs. It accepts the "1h", "1d", "7d",
// "2w" spellings used by dataset chunk rules as well as any Go duration.
// An empty string parses to zero.
func ParseSpan(spec string) (time.Duration, error) {
	s := strings.TrimSpace(strings.ToLower(spec))
	if s == "" {
		return 0, nil
	}

	unit := s[len(s)-1]
	if unit == 'd' || unit == 'w' {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad span %q", spec)
		}
		day := 24 * time.Hour
		if unit == 'w' {
			return time.Duration(n) * 7 * day, nil
		}
		return time.Duration(n) * day, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad span %q: %w", spec, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("bad span %q: negative", spec)
	}
	return d, nil
}
