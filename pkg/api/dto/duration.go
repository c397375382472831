package dto

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseISODuration parses an ISO-8601 duration of the form
// P[nW][nD][T[nH][nM][nS]] into a time.Duration. Year and month
// designators are rejected, their length is calendar-dependent.
func ParseISODuration(s string) (time.Duration, error) {
	if s == "" || s[0] != 'P' {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}

	datePart := s[1:]
	timePart := ""
	if i := strings.IndexByte(datePart, 'T'); i >= 0 {
		timePart = datePart[i+1:]
		datePart = datePart[:i]
	}
	if datePart == "" && timePart == "" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}

	var total time.Duration

	parse := func(part string, units map[byte]time.Duration) error {
		start := 0
		for i := 0; i < len(part); i++ {
			c := part[i]
			if c >= '0' && c <= '9' || c == '.' {
				continue
			}
			unit, ok := units[c]
			if !ok {
				return fmt.Errorf("invalid designator %q in ISO-8601 duration %q", string(c), s)
			}
			value, err := strconv.ParseFloat(part[start:i], 64)
			if err != nil {
				return fmt.Errorf("invalid value in ISO-8601 duration %q", s)
			}
			total += time.Duration(value * float64(unit))
			start = i + 1
		}
		if start != len(part) {
			return fmt.Errorf("trailing value in ISO-8601 duration %q", s)
		}
		return nil
	}

	if err := parse(datePart, map[byte]time.Duration{
		'W': 7 * 24 * time.Hour,
		'D': 24 * time.Hour,
	}); err != nil {
		return 0, err
	}
	if err := parse(timePart, map[byte]time.Duration{
		'H': time.Hour,
		'M': time.Minute,
		'S': time.Second,
	}); err != nil {
		return 0, err
	}
	return total, nil
}
