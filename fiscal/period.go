package fiscal

import (
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// PERIOD - A calendar month, the unit of sequence numbering and mandates
// =============================================================================

// Period is one calendar month. Its Prefix ("YYMM") scopes every formatted
// identifier issued during the month.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the period that contains t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// ParsePeriod parses a "YYMM" prefix. Years are read as 20YY.
func ParsePeriod(prefix string) (Period, error) {
	if len(prefix) != 4 || !isDigits(prefix) {
		return Period{}, Invalid("period", "expected YYMM, got %q", prefix)
	}
	yy, err := strconv.Atoi(prefix[:2])
	if err != nil {
		return Period{}, Invalid("period", "expected YYMM, got %q", prefix)
	}
	mm, err := strconv.Atoi(prefix[2:])
	if err != nil || mm < 1 || mm > 12 {
		return Period{}, Invalid("period", "expected YYMM, got %q", prefix)
	}
	return Period{Year: 2000 + yy, Month: time.Month(mm)}, nil
}

// isDigits reports whether s is made of ASCII digits only. strconv.Atoi
// alone would accept a leading sign.
func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// Prefix returns the YYMM form used in identifiers.
func (p Period) Prefix() string {
	return fmt.Sprintf("%02d%02d", p.Year%100, int(p.Month))
}

// Start is midnight UTC on the first day of the month.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End is the last instant of the month.
func (p Period) End() time.Time {
	return p.Next().Start().Add(-time.Nanosecond)
}

// Contains returns true if t falls within the month, compared in t's own
// calendar.
func (p Period) Contains(t time.Time) bool {
	return t.Year() == p.Year && t.Month() == p.Month
}

// Next returns the following month.
func (p Period) Next() Period {
	if p.Month == time.December {
		return Period{Year: p.Year + 1, Month: time.January}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

// Previous returns the month before.
func (p Period) Previous() Period {
	if p.Month == time.January {
		return Period{Year: p.Year - 1, Month: time.December}
	}
	return Period{Year: p.Year, Month: p.Month - 1}
}

func (p Period) IsZero() bool { return p.Year == 0 && p.Month == 0 }

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}
