/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the HTTP API. They keep the fiscal model
  free of JSON tags and let the wire names stay stable while the engine
  evolves.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal and travel as JSON strings ("100000").
  Requests accept both strings and numbers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/onomatopet/gestcontentieux/fiscal"
	"github.com/onomatopet/gestcontentieux/recording"
	"github.com/onomatopet/gestcontentieux/sequence"
)

// =============================================================================
// MANDATES
// =============================================================================

type MandateDTO struct {
	ID         int64     `json:"id"`
	Identifier string    `json:"identifier"`
	Period     string    `json:"period"`
	Start      string    `json:"start"`
	End        string    `json:"end"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedBy  string    `json:"created_by"`
}

// CreateMandateRequest is optional; an empty body creates the mandate of
// the current month.
type CreateMandateRequest struct {
	Date string `json:"date,omitempty"` // YYYY-MM-DD
}

type ActivationDTO struct {
	Active   MandateDTO `json:"active"`
	Warnings []string   `json:"warnings"`
}

func toMandateDTO(m fiscal.Mandate) MandateDTO {
	return MandateDTO{
		ID:         m.ID,
		Identifier: m.Identifier,
		Period:     m.Period.Prefix(),
		Start:      m.Period.Start().Format(dateLayout),
		End:        m.Period.End().Format(dateLayout),
		Active:     m.Active,
		CreatedAt:  m.CreatedAt,
		CreatedBy:  m.CreatedBy,
	}
}

// =============================================================================
// AGENTS
// =============================================================================

type AgentDTO struct {
	ID            int64  `json:"id"`
	Matricule     string `json:"matricule"`
	Name          string `json:"name"`
	PermanentRole string `json:"permanent_role,omitempty"`
}

type CreateAgentRequest struct {
	Matricule     string `json:"matricule"`
	Name          string `json:"name"`
	PermanentRole string `json:"permanent_role,omitempty"`
}

func toAgentDTO(a fiscal.Agent) AgentDTO {
	return AgentDTO{
		ID:            a.ID,
		Matricule:     a.Matricule,
		Name:          a.Name,
		PermanentRole: string(a.PermanentRole),
	}
}

// =============================================================================
// CASES & PAYMENTS
// =============================================================================

type ParticipantDTO struct {
	AgentID int64  `json:"agent_id"`
	Role    string `json:"role"`
}

type PaymentRequest struct {
	Amount     decimal.Decimal `json:"amount"`
	ReceivedAt string          `json:"received_at,omitempty"` // YYYY-MM-DD, defaults to today
}

type CreateCaseRequest struct {
	TotalFine    decimal.Decimal  `json:"total_fine"`
	HasIndicator bool             `json:"has_indicator"`
	Description  string           `json:"description,omitempty"`
	Participants []ParticipantDTO `json:"participants"`
	FirstPayment *PaymentRequest  `json:"first_payment"`
}

type CaseDTO struct {
	ID           int64           `json:"id"`
	Identifier   string          `json:"identifier"`
	Mandate      string          `json:"mandate"`
	TotalFine    decimal.Decimal `json:"total_fine"`
	HasIndicator bool            `json:"has_indicator"`
	Status       string          `json:"status"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CreatedBy    string          `json:"created_by"`
}

type PaymentDTO struct {
	ID         int64           `json:"id"`
	Identifier string          `json:"identifier"`
	CaseID     int64           `json:"case_id"`
	Mandate    string          `json:"mandate"`
	Amount     decimal.Decimal `json:"amount"`
	ReceivedAt string          `json:"received_at"`
	Status     string          `json:"status"`
	CreatedBy  string          `json:"created_by"`
}

type PaymentRecordedDTO struct {
	Payment      PaymentDTO      `json:"payment"`
	Distribution DistributionDTO `json:"distribution"`
	CaseClosed   bool            `json:"case_closed"`
	Warnings     []string        `json:"warnings"`
}

type CaseRecordedDTO struct {
	Case         CaseDTO          `json:"case"`
	Participants []ParticipantDTO `json:"participants"`
	PaymentRecordedDTO
}

type CaseSummaryDTO struct {
	Case         CaseDTO          `json:"case"`
	Participants []ParticipantDTO `json:"participants"`
	Payments     []PaymentDTO     `json:"payments"`
	Paid         decimal.Decimal  `json:"paid"`
	Remaining    decimal.Decimal  `json:"remaining"`
}

func toCaseDTO(c fiscal.Case) CaseDTO {
	return CaseDTO{
		ID:           c.ID,
		Identifier:   c.Identifier,
		Mandate:      c.MandateIdentifier,
		TotalFine:    c.TotalFine,
		HasIndicator: c.HasIndicator,
		Status:       string(c.Status),
		Description:  c.Description,
		CreatedAt:    c.CreatedAt,
		CreatedBy:    c.CreatedBy,
	}
}

func toPaymentDTO(p fiscal.Payment) PaymentDTO {
	return PaymentDTO{
		ID:         p.ID,
		Identifier: p.Identifier,
		CaseID:     p.CaseID,
		Mandate:    p.MandateIdentifier,
		Amount:     p.Amount,
		ReceivedAt: p.ReceivedAt.Format(dateLayout),
		Status:     string(p.Status),
		CreatedBy:  p.CreatedBy,
	}
}

func toParticipantDTOs(ps []fiscal.Participant) []ParticipantDTO {
	out := make([]ParticipantDTO, len(ps))
	for i, p := range ps {
		out[i] = ParticipantDTO{AgentID: p.AgentID, Role: string(p.Role)}
	}
	return out
}

func toPaymentRecordedDTO(pr recording.PaymentRecorded) PaymentRecordedDTO {
	warnings := []string{}
	if pr.Straddling != nil {
		warnings = append(warnings, pr.Straddling.String())
	}
	if pr.Reconciliation != nil {
		warnings = append(warnings, pr.Reconciliation.String())
	}
	return PaymentRecordedDTO{
		Payment:      toPaymentDTO(pr.Payment),
		Distribution: toDistributionDTO(pr.Distribution),
		CaseClosed:   pr.CaseClosed,
		Warnings:     warnings,
	}
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

type SharesDTO struct {
	Gross            decimal.Decimal `json:"gross"`
	Indicator        decimal.Decimal `json:"indicator"`
	NetProduct       decimal.Decimal `json:"net_product"`
	Fund             decimal.Decimal `json:"fund"`
	Treasury         decimal.Decimal `json:"treasury"`
	AyantsDroitsPool decimal.Decimal `json:"ayants_droits_pool"`
	Departmental     decimal.Decimal `json:"departmental"`
	General          decimal.Decimal `json:"general"`
	AdjustedPool     decimal.Decimal `json:"adjusted_pool"`
	Leaders          decimal.Decimal `json:"leaders"`
	Filers           decimal.Decimal `json:"filers"`
	Mutual           decimal.Decimal `json:"mutual"`
	CommonPool       decimal.Decimal `json:"common_pool"`
	Incentive        decimal.Decimal `json:"incentive"`
}

type AllocationDTO struct {
	AgentID      int64           `json:"agent_id,omitempty"`
	Role         string          `json:"role"`
	Amount       decimal.Decimal `json:"amount"`
	Unattributed bool            `json:"unattributed,omitempty"`
}

type DistributionDTO struct {
	PaymentID   int64           `json:"payment_id,omitempty"`
	Shares      SharesDTO       `json:"shares"`
	Allocations []AllocationDTO `json:"allocations"`
	Drift       decimal.Decimal `json:"drift"`
	Reconciled  bool            `json:"reconciled"`
}

func toDistributionDTO(d fiscal.DistributionRecord) DistributionDTO {
	s := d.Shares
	allocs := make([]AllocationDTO, len(d.Allocations))
	for i, a := range d.Allocations {
		allocs[i] = AllocationDTO{AgentID: a.AgentID, Role: string(a.Role), Amount: a.Amount, Unattributed: a.Unattributed}
	}
	return DistributionDTO{
		PaymentID: d.PaymentID,
		Shares: SharesDTO{
			Gross: s.Gross, Indicator: s.Indicator, NetProduct: s.NetProduct,
			Fund: s.Fund, Treasury: s.Treasury, AyantsDroitsPool: s.AyantsDroitsPool,
			Departmental: s.Departmental, General: s.General, AdjustedPool: s.AdjustedPool,
			Leaders: s.Leaders, Filers: s.Filers, Mutual: s.Mutual,
			CommonPool: s.CommonPool, Incentive: s.Incentive,
		},
		Allocations: allocs,
		Drift:       d.Drift,
		Reconciled:  d.Reconciled,
	}
}

// =============================================================================
// SEQUENCES & AUDIT
// =============================================================================

type IntegrityWarningDTO struct {
	Prefix   string `json:"prefix"`
	Previous int    `json:"previous"`
	Current  int    `json:"current"`
	Message  string `json:"message"`
}

type IntegrityDTO struct {
	Domain   string                `json:"domain"`
	Warnings []IntegrityWarningDTO `json:"warnings"`
}

func toIntegrityDTO(d fiscal.Domain, ws []fiscal.IntegrityWarning) IntegrityDTO {
	out := IntegrityDTO{Domain: string(d), Warnings: make([]IntegrityWarningDTO, len(ws))}
	for i, w := range ws {
		out.Warnings[i] = IntegrityWarningDTO{Prefix: w.Prefix, Previous: w.Previous, Current: w.Current, Message: w.String()}
	}
	return out
}

type RenameDTO struct {
	ID   int64  `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

type RepairDTO struct {
	Domain  string      `json:"domain"`
	Prefix  string      `json:"prefix"`
	Renamed []RenameDTO `json:"renamed"`
}

func toRepairDTO(r sequence.RepairReport) RepairDTO {
	out := RepairDTO{Domain: string(r.Domain), Prefix: r.Prefix, Renamed: make([]RenameDTO, len(r.Renamed))}
	for i, rn := range r.Renamed {
		out.Renamed[i] = RenameDTO{ID: rn.ID, From: rn.From, To: rn.To}
	}
	return out
}

type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
