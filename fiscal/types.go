/*
Package fiscal provides the core data model of the contentious-fines engine.

PURPOSE:
  This package contains the entities shared by every component of the
  engine: mandates (monthly accounting periods), cases ("affaires"),
  payments ("encaissements"), participating agents, and the persisted
  result of a distribution. It also declares the persistence interfaces
  that concrete stores implement.

KEY CONCEPTS IN THIS FILE (types.go):
  - Domain: Which identifier sequence a record belongs to (case, payment, mandate)
  - Mandate: A monthly accounting period; exactly one is active system-wide
  - Case: The legal matter, with its total fine and participants
  - Payment: Money received against a case
  - Shares / Allocation: The monetary split of one payment

DESIGN PRINCIPLES:
  1. Precision: Money uses decimal.Decimal, never float64
  2. Two identifiers: a numeric ID assigned by the store (used for references)
     and a formatted Identifier minted by the sequence generator (shown to users)
  3. Immutability: A distribution is written once per payment and never edited

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
  - period.go: YYMM period arithmetic
*/
package fiscal

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SEQUENCE DOMAINS
// =============================================================================

// Domain identifies an identifier sequence. Each domain has its own counter
// per period and its own lock.
type Domain string

const (
	DomainCase    Domain = "case"
	DomainPayment Domain = "payment"
	DomainMandate Domain = "mandate"
)

// Domains lists every sequence domain in a stable order.
var Domains = []Domain{DomainCase, DomainPayment, DomainMandate}

// ParseDomain validates a domain name received from outside the engine.
func ParseDomain(s string) (Domain, error) {
	switch d := Domain(s); d {
	case DomainCase, DomainPayment, DomainMandate:
		return d, nil
	}
	return "", &ValidationError{Field: "domain", Reason: fmt.Sprintf("unknown sequence domain %q", s)}
}

// =============================================================================
// MANDATE - Monthly accounting period
// =============================================================================

type Mandate struct {
	ID         int64
	Identifier string
	Period     Period
	Active     bool
	CreatedAt  time.Time
	CreatedBy  string
}

// Covers reports whether t falls in the mandate's calendar month.
func (m Mandate) Covers(t time.Time) bool {
	return m.Period.Contains(t)
}

// =============================================================================
// CASE (AFFAIRE)
// =============================================================================

type CaseStatus string

const (
	CaseOpen       CaseStatus = "open"
	CaseInProgress CaseStatus = "in_progress"
	CaseClosed     CaseStatus = "closed"
	CaseSuspended  CaseStatus = "suspended"
	CaseCancelled  CaseStatus = "cancelled"
)

// AcceptsPayments is false once a case is closed or cancelled.
func (s CaseStatus) AcceptsPayments() bool {
	return s != CaseClosed && s != CaseCancelled
}

type Case struct {
	ID                int64
	Identifier        string
	MandateIdentifier string
	TotalFine         decimal.Decimal
	HasIndicator      bool
	Status            CaseStatus
	Description       string
	CreatedAt         time.Time
	CreatedBy         string
}

// Remaining returns what is still owed after paid has been collected.
func (c Case) Remaining(paid decimal.Decimal) decimal.Decimal {
	r := c.TotalFine.Sub(paid)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// ParticipantRole is the role an agent holds on a specific case.
type ParticipantRole string

const (
	RoleLeader ParticipantRole = "chef"
	RoleFiler  ParticipantRole = "saisissant"
)

func (r ParticipantRole) Valid() bool { return r == RoleLeader || r == RoleFiler }

type Participant struct {
	ID      int64
	CaseID  int64
	AgentID int64
	Role    ParticipantRole
}

// =============================================================================
// AGENT
// =============================================================================

// PermanentRole is an organization-wide role entitled to a share of every
// distribution, whether or not the holder took part in the case.
type PermanentRole string

const (
	PermanentNone         PermanentRole = ""
	PermanentDepartmental PermanentRole = "directeur_departemental"
	PermanentGeneral      PermanentRole = "directeur_general"
)

// PermanentRoles lists the roles that always receive a share.
var PermanentRoles = []PermanentRole{PermanentDepartmental, PermanentGeneral}

type Agent struct {
	ID            int64
	Matricule     string
	Name          string
	PermanentRole PermanentRole
}

// =============================================================================
// PAYMENT (ENCAISSEMENT)
// =============================================================================

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentValidated PaymentStatus = "validated"
	PaymentRejected  PaymentStatus = "rejected"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
)

type Payment struct {
	ID                int64
	Identifier        string
	CaseID            int64
	MandateIdentifier string
	Amount            decimal.Decimal
	ReceivedAt        time.Time
	Status            PaymentStatus
	CreatedAt         time.Time
	CreatedBy         string
}

// ValidatedTotal sums the validated payments in ps.
func ValidatedTotal(ps []Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range ps {
		if p.Status == PaymentValidated {
			total = total.Add(p.Amount)
		}
	}
	return total
}

// =============================================================================
// DISTRIBUTION - Persisted split of one payment
// =============================================================================

// Shares holds every amount of the distribution cascade. Intermediate bases
// (NetProduct, AyantsDroitsPool, AdjustedPool) are kept for auditing.
type Shares struct {
	Gross            decimal.Decimal
	Indicator        decimal.Decimal
	NetProduct       decimal.Decimal
	Fund             decimal.Decimal // FLCF
	Treasury         decimal.Decimal
	AyantsDroitsPool decimal.Decimal
	Departmental     decimal.Decimal
	General          decimal.Decimal
	AdjustedPool     decimal.Decimal
	Leaders          decimal.Decimal
	Filers           decimal.Decimal
	Mutual           decimal.Decimal
	CommonPool       decimal.Decimal
	Incentive        decimal.Decimal
}

// Components returns the terminal shares whose sum must reconcile to Gross.
func (s Shares) Components() []decimal.Decimal {
	return []decimal.Decimal{
		s.Indicator, s.Fund, s.Treasury, s.Departmental, s.General,
		s.Leaders, s.Filers, s.Mutual, s.CommonPool, s.Incentive,
	}
}

// Total is the sum of Components.
func (s Shares) Total() decimal.Decimal {
	return decimal.Sum(decimal.Zero, s.Components()...)
}

// BeneficiaryRole tags an individual allocation.
type BeneficiaryRole string

const (
	BeneficiaryLeader       BeneficiaryRole = "chef"
	BeneficiaryFiler        BeneficiaryRole = "saisissant"
	BeneficiaryDepartmental BeneficiaryRole = "directeur_departemental"
	BeneficiaryGeneral      BeneficiaryRole = "directeur_general"
)

// Allocation is the amount owed to one beneficiary. AgentID is zero for an
// unattributed pool entry or an unassigned permanent role.
type Allocation struct {
	AgentID      int64
	Role         BeneficiaryRole
	Amount       decimal.Decimal
	Unattributed bool
}

type DistributionRecord struct {
	ID          int64
	PaymentID   int64
	Shares      Shares
	Allocations []Allocation
	Drift       decimal.Decimal
	Reconciled  bool
	CreatedAt   time.Time
}

// =============================================================================
// IDENTITY - Who is acting
// =============================================================================

// Identity resolves the current user for audit fields.
type Identity interface {
	CurrentUser(ctx context.Context) string
}

// StaticIdentity always reports the same user.
type StaticIdentity string

func (s StaticIdentity) CurrentUser(context.Context) string { return string(s) }

// SystemIdentity is used by background jobs and tests.
const SystemIdentity = StaticIdentity("system")

type userKey struct{}

// WithUser returns a context carrying the acting user.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// ContextIdentity reads the user stored by WithUser and falls back to its
// own value when the context carries none.
type ContextIdentity string

func (f ContextIdentity) CurrentUser(ctx context.Context) string {
	if u, ok := ctx.Value(userKey{}).(string); ok && u != "" {
		return u
	}
	return string(f)
}
