/*
Package recording orchestrates case and payment recording.

PURPOSE:
  A case is never recorded without its first payment. Creating one runs
  as a single transaction: identifiers are minted, rows are written, the
  payment is distributed and the case is closed when fully paid. Any
  failure rolls everything back, including the minted identifiers, which
  are derived from persisted rows and simply become free again.

CASE CREATION ORDER:
  1. First payment present and strictly positive
  2. Payment not above the total fine
  3. At least one participant, at least one filer
  4. An active mandate
  5. Mint case identifier, persist case
  6. Mint payment identifier, persist payment
  7. Persist participants
  8. Compute and persist the distribution
  9. Close the case when validated payments reach the total fine
  10. Warn (never fail) when the payment date is outside the mandate month

  Steps 1 to 4 short-circuit before any row is written.

SEE ALSO:
  - mandate/registry.go: Active mandate
  - sequence/generator.go: Identifier issuance
  - distribution/calculator.go: Share cascade
*/
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/onomatopet/gestcontentieux/distribution"
	"github.com/onomatopet/gestcontentieux/fiscal"
	"github.com/onomatopet/gestcontentieux/mandate"
	"github.com/onomatopet/gestcontentieux/metrics"
	"github.com/onomatopet/gestcontentieux/sequence"
)

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

type ParticipantInput struct {
	AgentID int64
	Role    fiscal.ParticipantRole
}

type PaymentInput struct {
	Amount decimal.Decimal
	// ReceivedAt defaults to the recording time.
	ReceivedAt time.Time
}

type CreateCaseRequest struct {
	TotalFine    decimal.Decimal
	HasIndicator bool
	Description  string
	Participants []ParticipantInput
	FirstPayment *PaymentInput
}

// PaymentRecorded is the outcome of recording one payment. Straddling and
// Reconciliation are set when the matching warning was logged.
type PaymentRecorded struct {
	Payment        fiscal.Payment
	Distribution   fiscal.DistributionRecord
	CaseClosed     bool
	Straddling     *fiscal.StraddlingWarning
	Reconciliation *fiscal.ReconciliationWarning
}

type CaseRecorded struct {
	Case         fiscal.Case
	Participants []fiscal.Participant
	PaymentRecorded
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store      fiscal.TxStore
	mandates   *mandate.Registry
	seq        *sequence.Generator
	calculator *distribution.Calculator
	logger     *slog.Logger
	metrics    *metrics.Metrics
	identity   fiscal.Identity
	now        func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithIdentity(id fiscal.Identity) Option {
	return func(s *Service) { s.identity = id }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store fiscal.TxStore, mandates *mandate.Registry, seq *sequence.Generator, calc *distribution.Calculator, opts ...Option) *Service {
	s := &Service{
		store:      store,
		mandates:   mandates,
		seq:        seq,
		calculator: calc,
		logger:     slog.Default(),
		identity:   fiscal.SystemIdentity,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// CreateCase records a case together with its first payment.
func (s *Service) CreateCase(ctx context.Context, req CreateCaseRequest) (out CaseRecorded, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveRecording("create_case", start, err) }()

	if err := validateCase(req); err != nil {
		return CaseRecorded{}, err
	}

	var m fiscal.Mandate
	now := s.now().UTC()
	actor := s.identity.CurrentUser(ctx)
	pay := *req.FirstPayment
	if pay.ReceivedAt.IsZero() {
		pay.ReceivedAt = now
	}

	err = s.store.WithTx(ctx, func(tx fiscal.Store) error {
		var err error
		if m, err = s.mandates.RequireIn(ctx, tx); err != nil {
			return err
		}
		for _, p := range req.Participants {
			if _, err := tx.FindAgent(ctx, p.AgentID); err != nil {
				if errors.Is(err, fiscal.ErrNotFound) {
					return fiscal.Invalid("participants", "agent %d does not exist", p.AgentID)
				}
				return fmt.Errorf("find agent %d: %w", p.AgentID, err)
			}
		}

		identifier, err := s.seq.Next(ctx, tx, fiscal.DomainCase, now)
		if err != nil {
			return err
		}
		c := fiscal.Case{
			Identifier:        identifier,
			MandateIdentifier: m.Identifier,
			TotalFine:         req.TotalFine,
			HasIndicator:      req.HasIndicator,
			Status:            fiscal.CaseOpen,
			Description:       req.Description,
			CreatedAt:         now,
			CreatedBy:         actor,
		}
		if err := tx.SaveCase(ctx, &c); err != nil {
			return fmt.Errorf("save case %s: %w", identifier, err)
		}
		if err := tx.AppendAudit(ctx, fiscal.NewAuditEntry(now, actor, fiscal.AuditCaseRecorded, identifier,
			map[string]any{"total_fine": c.TotalFine.String(), "mandate": m.Identifier})); err != nil {
			return err
		}

		pr, err := s.recordPayment(ctx, tx, &c, m, pay, now, actor, req.Participants)
		if err != nil {
			return err
		}

		out = CaseRecorded{Case: c, PaymentRecorded: pr}
		out.Participants, err = tx.Participants(ctx, c.ID)
		return err
	})
	if err != nil {
		return CaseRecorded{}, err
	}

	s.metrics.IncCaseRecorded()
	s.afterPayment(out.PaymentRecorded)
	s.logger.Info("case recorded", "case", out.Case.Identifier, "payment", out.Payment.Identifier,
		"mandate", m.Identifier, "amount", out.Payment.Amount, "closed", out.CaseClosed)
	return out, nil
}

// AddPayment records a further payment against an existing case.
func (s *Service) AddPayment(ctx context.Context, caseID int64, in PaymentInput) (out PaymentRecorded, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveRecording("add_payment", start, err) }()

	if err := validateAmount(&in); err != nil {
		return PaymentRecorded{}, err
	}
	if _, err := s.checkPayable(ctx, s.store, caseID, in.Amount); err != nil {
		return PaymentRecorded{}, err
	}

	var m fiscal.Mandate
	now := s.now().UTC()
	actor := s.identity.CurrentUser(ctx)
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = now
	}

	err = s.store.WithTx(ctx, func(tx fiscal.Store) error {
		var err error
		if m, err = s.mandates.RequireIn(ctx, tx); err != nil {
			return err
		}
		// Re-checked inside the transaction: another payment may have landed.
		c, err := s.checkPayable(ctx, tx, caseID, in.Amount)
		if err != nil {
			return err
		}
		out, err = s.recordPayment(ctx, tx, &c, m, in, now, actor, nil)
		return err
	})
	if err != nil {
		return PaymentRecorded{}, err
	}

	s.afterPayment(out)
	s.logger.Info("payment recorded", "case_id", caseID, "payment", out.Payment.Identifier,
		"mandate", m.Identifier, "amount", out.Payment.Amount, "closed", out.CaseClosed)
	return out, nil
}

// recordPayment runs steps 6 to 10 for c. participants, when given, are
// persisted between the payment and its distribution.
func (s *Service) recordPayment(ctx context.Context, tx fiscal.Store, c *fiscal.Case, m fiscal.Mandate,
	in PaymentInput, now time.Time, actor string, participants []ParticipantInput) (PaymentRecorded, error) {

	identifier, err := s.seq.Next(ctx, tx, fiscal.DomainPayment, now)
	if err != nil {
		return PaymentRecorded{}, err
	}
	p := fiscal.Payment{
		Identifier:        identifier,
		CaseID:            c.ID,
		MandateIdentifier: m.Identifier,
		Amount:            in.Amount,
		ReceivedAt:        in.ReceivedAt,
		Status:            fiscal.PaymentValidated,
		CreatedAt:         now,
		CreatedBy:         actor,
	}
	if err := tx.SavePayment(ctx, &p); err != nil {
		return PaymentRecorded{}, fmt.Errorf("save payment %s: %w", identifier, err)
	}

	for _, pi := range participants {
		part := fiscal.Participant{CaseID: c.ID, AgentID: pi.AgentID, Role: pi.Role}
		if err := tx.SaveParticipant(ctx, &part); err != nil {
			return PaymentRecorded{}, fmt.Errorf("save participant %d: %w", pi.AgentID, err)
		}
	}

	caseParticipants, err := tx.Participants(ctx, c.ID)
	if err != nil {
		return PaymentRecorded{}, fmt.Errorf("list participants: %w", err)
	}
	holders, err := distribution.LoadPermanentHolders(ctx, tx)
	if err != nil {
		return PaymentRecorded{}, err
	}
	res, err := s.calculator.Compute(distribution.Input{
		Gross:            p.Amount,
		HasIndicator:     c.HasIndicator,
		Participants:     caseParticipants,
		PermanentHolders: holders,
	})
	if err != nil {
		return PaymentRecorded{}, err
	}
	rec := res.Record(p.ID)
	rec.CreatedAt = now
	if err := tx.SaveDistribution(ctx, &rec); err != nil {
		return PaymentRecorded{}, fmt.Errorf("save distribution of %s: %w", identifier, err)
	}
	if err := tx.AppendAudit(ctx, fiscal.NewAuditEntry(now, actor, fiscal.AuditPaymentRecorded, identifier,
		map[string]any{"case": c.Identifier, "amount": p.Amount.String(), "drift": rec.Drift.String()})); err != nil {
		return PaymentRecorded{}, err
	}

	out := PaymentRecorded{Payment: p, Distribution: rec, Reconciliation: res.Warning}

	payments, err := tx.PaymentsByCase(ctx, c.ID)
	if err != nil {
		return PaymentRecorded{}, fmt.Errorf("list payments: %w", err)
	}
	if fiscal.ValidatedTotal(payments).GreaterThanOrEqual(c.TotalFine) {
		if err := tx.UpdateCaseStatus(ctx, c.ID, fiscal.CaseClosed); err != nil {
			return PaymentRecorded{}, fmt.Errorf("close case %s: %w", c.Identifier, err)
		}
		if err := tx.AppendAudit(ctx, fiscal.NewAuditEntry(now, actor, fiscal.AuditCaseClosed, c.Identifier, nil)); err != nil {
			return PaymentRecorded{}, err
		}
		c.Status = fiscal.CaseClosed
		out.CaseClosed = true
	}

	if !m.Covers(p.ReceivedAt) {
		w := fiscal.StraddlingWarning{
			CaseIdentifier:    c.Identifier,
			MandateIdentifier: m.Identifier,
			MandatePeriod:     m.Period,
			At:                p.ReceivedAt,
		}
		out.Straddling = &w
		s.logger.Warn("straddling case payment", "case", c.Identifier, "payment", identifier,
			"mandate", m.Identifier, "period", m.Period.String(), "received_at", p.ReceivedAt)
	}
	return out, nil
}

func (s *Service) afterPayment(pr PaymentRecorded) {
	s.metrics.IncPaymentRecorded()
	if pr.CaseClosed {
		s.metrics.IncCaseClosed()
	}
}

// checkPayable returns the case when it exists, accepts payments and has at
// least amount left to pay.
func (s *Service) checkPayable(ctx context.Context, src fiscal.Store, caseID int64, amount decimal.Decimal) (fiscal.Case, error) {
	c, err := src.FindCase(ctx, caseID)
	if err != nil {
		return fiscal.Case{}, fmt.Errorf("case %d: %w", caseID, err)
	}
	if !c.Status.AcceptsPayments() {
		return fiscal.Case{}, fmt.Errorf("case %s: %w", c.Identifier, fiscal.ErrCaseClosed)
	}
	payments, err := src.PaymentsByCase(ctx, caseID)
	if err != nil {
		return fiscal.Case{}, fmt.Errorf("list payments: %w", err)
	}
	if remaining := c.Remaining(fiscal.ValidatedTotal(payments)); amount.GreaterThan(remaining) {
		return fiscal.Case{}, fiscal.Invalid("amount", "%s exceeds the remaining balance %s", amount, remaining)
	}
	return c, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// CaseSummary is a case with its payments and balance.
type CaseSummary struct {
	Case         fiscal.Case
	Participants []fiscal.Participant
	Payments     []fiscal.Payment
	Paid         decimal.Decimal
	Remaining    decimal.Decimal
}

func (s *Service) CaseSummary(ctx context.Context, caseID int64) (CaseSummary, error) {
	c, err := s.store.FindCase(ctx, caseID)
	if err != nil {
		return CaseSummary{}, fmt.Errorf("case %d: %w", caseID, err)
	}
	parts, err := s.store.Participants(ctx, caseID)
	if err != nil {
		return CaseSummary{}, err
	}
	payments, err := s.store.PaymentsByCase(ctx, caseID)
	if err != nil {
		return CaseSummary{}, err
	}
	paid := fiscal.ValidatedTotal(payments)
	return CaseSummary{
		Case:         c,
		Participants: parts,
		Payments:     payments,
		Paid:         paid,
		Remaining:    c.Remaining(paid),
	}, nil
}

// Distribution returns the persisted distribution of a payment.
func (s *Service) Distribution(ctx context.Context, paymentID int64) (fiscal.DistributionRecord, error) {
	if _, err := s.store.FindPayment(ctx, paymentID); err != nil {
		return fiscal.DistributionRecord{}, fmt.Errorf("payment %d: %w", paymentID, err)
	}
	return s.store.FindDistribution(ctx, paymentID)
}
