package sequence

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/onomatopet/gestcontentieux/fiscal"
)

// Format describes the fixed-width identifier layout of a domain:
// YYMM, an optional literal marker, then a zero-padded counter.
//
//	case     YYMM  + NNNNN   2506 00001
//	payment  YYMM R+ NNNNN   2506R00001
//	mandate  YYMM M+ NNNN    2506M0001
type Format struct {
	Domain fiscal.Domain
	Marker string
	Width  int
}

var formats = map[fiscal.Domain]Format{
	fiscal.DomainCase:    {Domain: fiscal.DomainCase, Marker: "", Width: 5},
	fiscal.DomainPayment: {Domain: fiscal.DomainPayment, Marker: "R", Width: 5},
	fiscal.DomainMandate: {Domain: fiscal.DomainMandate, Marker: "M", Width: 4},
}

// FormatFor returns the layout of d. Unknown domains fail validation.
func FormatFor(d fiscal.Domain) (Format, error) {
	f, ok := formats[d]
	if !ok {
		return Format{}, fiscal.Invalid("domain", "unknown sequence domain %q", d)
	}
	return f, nil
}

// Prefix is the part shared by every identifier of the period.
func (f Format) Prefix(p fiscal.Period) string {
	return p.Prefix() + f.Marker
}

// Length is the total length of a well-formed identifier.
func (f Format) Length() int {
	return 4 + len(f.Marker) + f.Width
}

// Limit is the largest counter the width can hold (99999 or 9999).
func (f Format) Limit() int {
	limit := 1
	for i := 0; i < f.Width; i++ {
		limit *= 10
	}
	return limit - 1
}

// Build formats counter n under prefix.
func (f Format) Build(prefix string, n int) string {
	return fmt.Sprintf("%s%0*d", prefix, f.Width, n)
}

// Parse splits an identifier into its prefix and counter.
func (f Format) Parse(identifier string) (prefix string, n int, err error) {
	if len(identifier) != f.Length() {
		return "", 0, fmt.Errorf("%s identifier %q: expected %d characters", f.Domain, identifier, f.Length())
	}
	cut := 4 + len(f.Marker)
	prefix, digits := identifier[:cut], identifier[cut:]
	if !strings.HasSuffix(prefix, f.Marker) {
		return "", 0, fmt.Errorf("%s identifier %q: missing marker %q", f.Domain, identifier, f.Marker)
	}
	if _, err := fiscal.ParsePeriod(prefix[:4]); err != nil {
		return "", 0, fmt.Errorf("%s identifier %q: %w", f.Domain, identifier, err)
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return "", 0, fmt.Errorf("%s identifier %q: invalid counter %q", f.Domain, identifier, digits)
		}
	}
	n, err = strconv.Atoi(digits)
	if err != nil {
		return "", 0, fmt.Errorf("%s identifier %q: invalid counter %q", f.Domain, identifier, digits)
	}
	return prefix, n, nil
}
