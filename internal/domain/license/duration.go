package license

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Strob0t/licenser/internal/domain"
)

const (
	hoursPerDay   = 24
	hoursPerWeek  = 7 * hoursPerDay
	hoursPerMonth = 30 * hoursPerDay
	hoursPerYear  = 365 * hoursPerDay
)

var unitHours = map[string]int{
	"h": 1, "hour": 1, "hours": 1,
	"d": hoursPerDay, "day": hoursPerDay, "days": hoursPerDay,
	"w": hoursPerWeek, "week": hoursPerWeek, "weeks": hoursPerWeek,
	"m": hoursPerMonth, "month": hoursPerMonth, "months": hoursPerMonth,
	"y": hoursPerYear, "year": hoursPerYear, "years": hoursPerYear,
}

// ParseDuration converts a human duration into hours.
//
// Accepted forms are a bare integer ("20" = 20 hours) or space separated
// words of the form [integer][unit], where unit is one of
// y/year(s), m/month(s), w/week(s), d/day(s), h/hour(s):
//
//	2y 5months
//	3d 12h
//	1week 1week
//
// The same unit may appear more than once; values are summed. The total
// may not exceed MaxDurationHours.
func ParseDuration(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", domain.ErrValidation)
	}

	n, err := strconv.Atoi(s)
	if err == nil {
		if err := ValidateDuration(n); err != nil {
			return 0, err
		}
		return n, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, errTooLong()
	}

	total := 0
	for _, word := range strings.Fields(strings.ToLower(s)) {
		split := strings.IndexFunc(word, func(r rune) bool { return r < '0' || r > '9' })
		if split <= 0 {
			return 0, fmt.Errorf("%w: invalid duration word %q", domain.ErrValidation, word)
		}
		n, err := strconv.Atoi(word[:split])
		if errors.Is(err, strconv.ErrRange) {
			return 0, errTooLong()
		}
		if err != nil {
			return 0, fmt.Errorf("%w: invalid duration word %q", domain.ErrValidation, word)
		}
		mult, ok := unitHours[word[split:]]
		if !ok {
			return 0, fmt.Errorf("%w: unknown duration unit %q", domain.ErrValidation, word[split:])
		}
		if n > MaxDurationHours/mult || total+n*mult > MaxDurationHours {
			return 0, errTooLong()
		}
		total += n * mult
	}

	if err := ValidateDuration(total); err != nil {
		return 0, err
	}
	return total, nil
}
