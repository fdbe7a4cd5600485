/*
Package distribution splits a payment into its regulatory shares.

PURPOSE:
  A payment's gross amount flows through a fixed cascade of percentage
  deductions. Each level takes its shares from a base, and what remains
  becomes the base of the next level:

    gross ──indicator──▶ net product
    net product ──fund, treasury──▶ ayants-droits pool
    ayants-droits pool ──departmental, general──▶ adjusted pool
    adjusted pool ──leaders, filers, mutual, common, incentive

  Every share is rounded to the whole currency unit, half up, on its own.
  The leader and filer totals are then split across the case's
  participants, and the two permanent-role shares go to whoever holds the
  role organization-wide.

RECONCILIATION:
  Independent rounding makes the shares drift from the gross amount by a
  few units. A drift beyond the tolerance is logged and counted; the
  result is still returned and persisted.

KEY CONCEPTS:
  - Tier: one named share (rate, base, output slot)
  - Level: the tiers that share a base, and where the remainder goes
  - Cascade: the ordered levels; the calculator only walks it

SEE ALSO:
  - rates.go: Configurable percentages
  - split.go: Per-agent allocations
*/
package distribution

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/onomatopet/gestcontentieux/fiscal"
	"github.com/onomatopet/gestcontentieux/metrics"
)

// DefaultTolerance is the accepted absolute drift, in currency units.
var DefaultTolerance = decimal.NewFromInt(10)

// =============================================================================
// CASCADE - Data-driven tier list
// =============================================================================

// Slot names an amount of fiscal.Shares.
type Slot int

const (
	SlotNone Slot = iota
	SlotGross
	SlotIndicator
	SlotNetProduct
	SlotFund
	SlotTreasury
	SlotAyantsDroitsPool
	SlotDepartmental
	SlotGeneral
	SlotAdjustedPool
	SlotLeaders
	SlotFilers
	SlotMutual
	SlotCommonPool
	SlotIncentive
)

func (s Slot) of(sh *fiscal.Shares) *decimal.Decimal {
	switch s {
	case SlotGross:
		return &sh.Gross
	case SlotIndicator:
		return &sh.Indicator
	case SlotNetProduct:
		return &sh.NetProduct
	case SlotFund:
		return &sh.Fund
	case SlotTreasury:
		return &sh.Treasury
	case SlotAyantsDroitsPool:
		return &sh.AyantsDroitsPool
	case SlotDepartmental:
		return &sh.Departmental
	case SlotGeneral:
		return &sh.General
	case SlotAdjustedPool:
		return &sh.AdjustedPool
	case SlotLeaders:
		return &sh.Leaders
	case SlotFilers:
		return &sh.Filers
	case SlotMutual:
		return &sh.Mutual
	case SlotCommonPool:
		return &sh.CommonPool
	case SlotIncentive:
		return &sh.Incentive
	}
	return nil
}

// Tier is one share of the cascade.
type Tier struct {
	Name string
	Rate func(Rates) decimal.Decimal
	Out  Slot
	// When, if set, must hold for the tier to apply; otherwise the share is 0.
	When func(Input) bool
}

// Level groups the tiers computed on the same base. Remainder receives
// Base minus every share of the level; SlotNone discards it.
type Level struct {
	Base      Slot
	Tiers     []Tier
	Remainder Slot
}

// Cascade is the distribution order. Permanent-role shares are taken from
// the ayants-droits pool before it is reduced; tier-2 shares from the
// reduced (adjusted) pool.
var Cascade = []Level{
	{
		Base: SlotGross,
		Tiers: []Tier{
			{Name: "indicator", Rate: func(r Rates) decimal.Decimal { return r.Indicator }, Out: SlotIndicator,
				When: func(in Input) bool { return in.HasIndicator }},
		},
		Remainder: SlotNetProduct,
	},
	{
		Base: SlotNetProduct,
		Tiers: []Tier{
			{Name: "fund", Rate: func(r Rates) decimal.Decimal { return r.Fund }, Out: SlotFund},
			{Name: "treasury", Rate: func(r Rates) decimal.Decimal { return r.Treasury }, Out: SlotTreasury},
		},
		Remainder: SlotAyantsDroitsPool,
	},
	{
		Base: SlotAyantsDroitsPool,
		Tiers: []Tier{
			{Name: "departmental", Rate: func(r Rates) decimal.Decimal { return r.Departmental }, Out: SlotDepartmental},
			{Name: "general", Rate: func(r Rates) decimal.Decimal { return r.General }, Out: SlotGeneral},
		},
		Remainder: SlotAdjustedPool,
	},
	{
		Base: SlotAdjustedPool,
		Tiers: []Tier{
			{Name: "leaders", Rate: func(r Rates) decimal.Decimal { return r.Leaders }, Out: SlotLeaders},
			{Name: "filers", Rate: func(r Rates) decimal.Decimal { return r.Filers }, Out: SlotFilers},
			{Name: "mutual", Rate: func(r Rates) decimal.Decimal { return r.Mutual }, Out: SlotMutual},
			{Name: "common", Rate: func(r Rates) decimal.Decimal { return r.Common }, Out: SlotCommonPool},
			{Name: "incentive", Rate: func(r Rates) decimal.Decimal { return r.Incentive }, Out: SlotIncentive},
		},
	},
}

// share returns round(base * rate%), half away from zero.
func share(base, rate decimal.Decimal) decimal.Decimal {
	return base.Mul(rate).Div(hundred).Round(0)
}

// =============================================================================
// CALCULATOR
// =============================================================================

// Input is what a distribution is computed from.
type Input struct {
	Gross        decimal.Decimal
	HasIndicator bool
	Participants []fiscal.Participant
	// PermanentHolders maps each permanent role to the agents holding it.
	// A role with no holder still receives its share, unassigned.
	PermanentHolders map[fiscal.PermanentRole][]fiscal.Agent
}

// Result is an immutable distribution. Warning is set when the drift
// exceeds the tolerance.
type Result struct {
	Shares      fiscal.Shares
	Allocations []fiscal.Allocation
	Drift       decimal.Decimal
	Reconciled  bool
	Warning     *fiscal.ReconciliationWarning
}

// Record converts r into the persisted shape for paymentID.
func (r Result) Record(paymentID int64) fiscal.DistributionRecord {
	return fiscal.DistributionRecord{
		PaymentID:   paymentID,
		Shares:      r.Shares,
		Allocations: append([]fiscal.Allocation(nil), r.Allocations...),
		Drift:       r.Drift,
		Reconciled:  r.Reconciled,
	}
}

type Calculator struct {
	rates     Rates
	tolerance decimal.Decimal
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Calculator)

func WithTolerance(t decimal.Decimal) Option {
	return func(c *Calculator) { c.tolerance = t }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Calculator) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Calculator) { c.metrics = m }
}

// New validates rates and builds a Calculator.
func New(rates Rates, opts ...Option) (*Calculator, error) {
	if err := rates.Validate(); err != nil {
		return nil, err
	}
	c := &Calculator{
		rates:     rates,
		tolerance: DefaultTolerance,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tolerance.IsNegative() {
		return nil, fiscal.Invalid("tolerance", "must not be negative")
	}
	return c, nil
}

func (c *Calculator) Rates() Rates { return c.rates }

func (c *Calculator) Tolerance() decimal.Decimal { return c.tolerance }

// Compute walks the cascade for in and splits the participant and
// permanent-role shares across agents. It fails only on invalid input.
func (c *Calculator) Compute(in Input) (Result, error) {
	if in.Gross.IsNegative() {
		return Result{}, fiscal.Invalid("gross", "must not be negative, got %s", in.Gross)
	}
	for _, p := range in.Participants {
		if !p.Role.Valid() {
			return Result{}, fiscal.Invalid("participants", "unknown role %q for agent %d", p.Role, p.AgentID)
		}
	}

	var sh fiscal.Shares
	sh.Gross = in.Gross
	for _, lvl := range Cascade {
		base := *lvl.Base.of(&sh)
		rest := base
		for _, t := range lvl.Tiers {
			amount := decimal.Zero
			if t.When == nil || t.When(in) {
				amount = share(base, t.Rate(c.rates))
			}
			*t.Out.of(&sh) = amount
			rest = rest.Sub(amount)
		}
		if lvl.Remainder != SlotNone {
			*lvl.Remainder.of(&sh) = rest
		}
	}

	res := Result{
		Shares:      sh,
		Allocations: c.allocate(sh, in),
		Drift:       sh.Total().Sub(sh.Gross),
	}
	res.Reconciled = res.Drift.Abs().LessThanOrEqual(c.tolerance)
	if !res.Reconciled {
		w := fiscal.ReconciliationWarning{Gross: sh.Gross, Total: sh.Total(), Drift: res.Drift, Tolerance: c.tolerance}
		res.Warning = &w
		c.metrics.IncReconciliationWarning()
		c.logger.Warn("distribution reconciliation drift", "gross", w.Gross, "total", w.Total,
			"drift", w.Drift, "tolerance", w.Tolerance)
	}
	return res, nil
}
