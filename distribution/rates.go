package distribution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/onomatopet/gestcontentieux/fiscal"
)

var hundred = decimal.NewFromInt(100)

// Rates are percentages (10 means 10%) of the base each share is taken from.
type Rates struct {
	Indicator    decimal.Decimal
	Fund         decimal.Decimal
	Treasury     decimal.Decimal
	Departmental decimal.Decimal
	General      decimal.Decimal
	Leaders      decimal.Decimal
	Filers       decimal.Decimal
	Mutual       decimal.Decimal
	Common       decimal.Decimal
	Incentive    decimal.Decimal
}

// DefaultRates returns the rates in force when nothing is configured.
func DefaultRates() Rates {
	return Rates{
		Indicator:    decimal.NewFromInt(10),
		Fund:         decimal.NewFromInt(10),
		Treasury:     decimal.NewFromInt(15),
		Departmental: decimal.NewFromInt(2),
		General:      decimal.NewFromInt(3),
		Leaders:      decimal.NewFromInt(15),
		Filers:       decimal.NewFromInt(35),
		Mutual:       decimal.NewFromInt(5),
		Common:       decimal.NewFromInt(30),
		Incentive:    decimal.NewFromInt(15),
	}
}

// Validate checks every rate is in [0, 100], that each level never takes
// more than its base, and that the adjusted pool is split exactly.
func (r Rates) Validate() error {
	named := []struct {
		name string
		v    decimal.Decimal
	}{
		{"indicator", r.Indicator}, {"fund", r.Fund}, {"treasury", r.Treasury},
		{"departmental", r.Departmental}, {"general", r.General},
		{"leaders", r.Leaders}, {"filers", r.Filers}, {"mutual", r.Mutual},
		{"common", r.Common}, {"incentive", r.Incentive},
	}
	for _, n := range named {
		if n.v.IsNegative() || n.v.GreaterThan(hundred) {
			return fiscal.Invalid("rates."+n.name, "must be between 0 and 100, got %s", n.v)
		}
	}
	if r.Fund.Add(r.Treasury).GreaterThan(hundred) {
		return fiscal.Invalid("rates", "fund and treasury exceed 100%%")
	}
	if r.Departmental.Add(r.General).GreaterThan(hundred) {
		return fiscal.Invalid("rates", "permanent roles exceed 100%%")
	}
	tier2 := decimal.Sum(r.Leaders, r.Filers, r.Mutual, r.Common, r.Incentive)
	if !tier2.Equal(hundred) {
		return fiscal.Invalid("rates", "adjusted pool rates must sum to 100%%, got %s%%", tier2)
	}
	return nil
}

func (r Rates) String() string {
	return fmt.Sprintf("indicator=%s fund=%s treasury=%s departmental=%s general=%s leaders=%s filers=%s mutual=%s common=%s incentive=%s",
		r.Indicator, r.Fund, r.Treasury, r.Departmental, r.General,
		r.Leaders, r.Filers, r.Mutual, r.Common, r.Incentive)
}
