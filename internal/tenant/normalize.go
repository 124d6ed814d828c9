package tenant

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"02/01/2006",
	"02-01-2006",
	"2006/01/02",
}

// CoerceDate is the single date rule for date-like staff fields:
// empty or unparseable input yields nil, anything else a UTC midnight date.
func CoerceDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			d := truncateDay(t)
			return &d
		}
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizePhone keeps a leading '+' and digits only.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeUsername trims and lower-cases a username.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeField applies the rule used by unique indexes for field.
func NormalizeField(field Field, value string) string {
	switch field {
	case FieldEmail:
		return NormalizeEmail(value)
	case FieldPhone:
		return NormalizePhone(value)
	default:
		return NormalizeUsername(value)
	}
}

// UsernameBase derives the candidate stem from a person's name.
func UsernameBase(first, last string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(first + last) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}

// GenerateUsername returns the first candidate of base, base1, base2, ... for which taken is false.
// taken errors abort the search.
func GenerateUsername(base string, taken func(candidate string) (bool, error)) (string, error) {
	candidate := base
	for i := 1; ; i++ {
		used, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
		candidate = base + strconv.Itoa(i)
	}
}
