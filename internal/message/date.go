package message

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	ErrEmptyDate       = errors.New("empty date")
	ErrUnparseableDate = errors.New("unparseable date")
)

const (
	layoutRFC       = "Mon, 2 Jan 2006 15:04:05 -0700"
	layoutRFCNaive  = "Mon, 2 Jan 2006 15:04:05"
	layoutNoWeekday = "2 Jan 2006 15:04:05 -0700"
	layoutDayFirst  = "2-1-2006"
)

var (
	// Signed digit runs that start a token. Requiring a preceding space
	// keeps the year of a DD-MM-YYYY date from being read as an offset.
	offsetToken = regexp.MustCompile(`(^|\s)([+-])(\d+)`)
	anyOffset   = regexp.MustCompile(`[+-]\d{4}`)
)

// ParseDate normalizes the many Date header shapes seen in the wild and
// returns the instant in UTC. Strings without a zone are taken as UTC.
// A header that is not blank but cleans down to nothing is unparseable.
func ParseDate(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, ErrEmptyDate
	}
	s := cleanDate(raw)
	t, err := parseCleanDate(s)
	if s == "" || err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnparseableDate, raw)
	}
	return t.UTC(), nil
}

func cleanDate(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}

	// Folded headers sometimes carry a prefix: keep the trailing "Day, rest".
	if strings.Count(s, ",") >= 2 {
		parts := strings.Split(s, ", ")
		if len(parts) >= 2 {
			s = strings.Join(parts[len(parts)-2:], ", ")
		}
	}

	// Trailing zone names such as "GMT" or "(PST)".
	if len(s) >= 3 && isLetter(s[len(s)-3]) {
		if fields := strings.Fields(s); len(fields) > 1 {
			s = strings.Join(fields[:len(fields)-1], " ")
		}
	}
	if s != "" && isLetter(s[len(s)-1]) {
		s = s[:len(s)-1]
	}

	if i := strings.Index(s, " . "); i >= 0 {
		s = s[:i]
	}
	return coerceOffset(strings.TrimSpace(s))
}

// coerceOffset rewrites the first four-digit offset to +0000 when its hours
// exceed 14 or its minutes exceed 59.
func coerceOffset(s string) string {
	for _, m := range offsetToken.FindAllStringSubmatchIndex(s, -1) {
		digits := s[m[6]:m[7]]
		if len(digits) != 4 {
			continue
		}
		hours, _ := strconv.Atoi(digits[:2])
		minutes, _ := strconv.Atoi(digits[2:])
		if hours > 14 || minutes > 59 {
			return s[:m[4]] + "+0000" + s[m[7]:]
		}
		return s
	}
	return s
}

func parseCleanDate(s string) (time.Time, error) {
	n := len(s)
	weekday := n >= 3 && isLetter(s[0]) && isLetter(s[1]) && isLetter(s[2])
	naive := n >= 3 && s[n-3] == ':'

	switch {
	case weekday && !naive && n >= 6 && s[n-6] == '_':
		head, _, _ := strings.Cut(s, ".")
		if t, err := time.Parse(layoutRFC, head); err == nil {
			return t, nil
		}
		return time.Parse(layoutRFCNaive, head)
	case weekday && !naive && strings.Contains(s, "("):
		head, _, _ := strings.Cut(s, " (")
		return time.Parse(layoutRFC, head)
	case weekday && !naive:
		return parseTruncated(layoutRFC, s)
	case naive:
		return time.Parse(layoutRFCNaive, s)
	case strings.Count(s, "-") == 2:
		return time.Parse(layoutDayFirst, s)
	default:
		return parseTruncated(layoutNoWeekday, s)
	}
}

// parseTruncated retries after dropping whatever follows the first offset.
func parseTruncated(layout, s string) (time.Time, error) {
	t, err := time.Parse(layout, s)
	if err == nil {
		return t, nil
	}
	loc := anyOffset.FindStringIndex(s)
	if loc == nil {
		return time.Time{}, err
	}
	return time.Parse(layout, s[:loc[1]])
}

func isLetter(b byte) bool {
	return ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
