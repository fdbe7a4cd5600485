/*
store.go - Persistence interfaces for the fiscal engine

PURPOSE:
  Defines the interface between the engine and the relational store.
  The engine never caches sequence counters: the next identifier is always
  derived from persisted rows, so a rolled-back transaction frees its
  identifier without any counter table to resynchronize.

KEY INTERFACES:
  SequenceStore: "query max identifier matching a prefix" and the
                 maintenance queries behind integrity checks and repair
  MandateStore:  Mandates and the single active flag
  CaseStore:     Cases and their participants
  PaymentStore:  Payments and their distribution (1:1)
  AgentStore:    Agents and permanent-role lookup
  AuditLog:      Append-only audit entries
  TxStore:       Store + WithTx for atomic multi-table writes

ISOLATION:
  Identifier issuance reads MAX(identifier) and inserts afterwards. Stores
  shared by several processes must run WithTx at serializable isolation (or
  serialize writers) so two transactions cannot both read the same maximum.

IMPLEMENTATIONS:
  - store/sqldb: SQLite and PostgreSQL
  - fiscal/store: In-memory for testing
*/
package fiscal

import (
	"context"
	"time"
)

// SequenceEntry is one issued identifier as seen by maintenance operations.
type SequenceEntry struct {
	ID         int64
	Identifier string
	CreatedAt  time.Time
}

type SequenceStore interface {
	// MaxIdentifier returns the greatest identifier of the domain that starts
	// with prefix and has exactly length characters, or "" when none exists.
	MaxIdentifier(ctx context.Context, domain Domain, prefix string, length int) (string, error)

	// ListIdentifiers returns every identifier of the domain, ordered by
	// creation time then numeric ID.
	ListIdentifiers(ctx context.Context, domain Domain) ([]SequenceEntry, error)

	// RenameIdentifier changes the formatted identifier of one record.
	// Renaming a mandate also rewrites the mandate identifier held by its
	// cases and payments. Only used by gap repair.
	RenameIdentifier(ctx context.Context, domain Domain, id int64, identifier string) error
}

type MandateStore interface {
	// SaveMandate inserts m and assigns m.ID.
	SaveMandate(ctx context.Context, m *Mandate) error
	FindMandate(ctx context.Context, identifier string) (Mandate, error)

	// ActiveMandate returns ErrNotFound when no mandate is active.
	ActiveMandate(ctx context.Context) (Mandate, error)

	// ActivateMandate sets the flag on identifier and clears it on every other
	// mandate in a single statement. Returns ErrNotFound for an unknown
	// identifier, leaving all flags untouched.
	ActivateMandate(ctx context.Context, identifier string) error
	ListMandates(ctx context.Context) ([]Mandate, error)
}

type CaseStore interface {
	SaveCase(ctx context.Context, c *Case) error
	FindCase(ctx context.Context, id int64) (Case, error)
	UpdateCaseStatus(ctx context.Context, id int64, status CaseStatus) error
	CasesByMandate(ctx context.Context, mandateIdentifier string) ([]Case, error)

	SaveParticipant(ctx context.Context, p *Participant) error
	Participants(ctx context.Context, caseID int64) ([]Participant, error)
}

type PaymentStore interface {
	SavePayment(ctx context.Context, p *Payment) error
	FindPayment(ctx context.Context, id int64) (Payment, error)
	PaymentsByCase(ctx context.Context, caseID int64) ([]Payment, error)

	// SaveDistribution fails with ErrStateConflict if the payment already has
	// one: a distribution is never recomputed.
	SaveDistribution(ctx context.Context, d *DistributionRecord) error
	FindDistribution(ctx context.Context, paymentID int64) (DistributionRecord, error)
}

type AgentStore interface {
	SaveAgent(ctx context.Context, a *Agent) error
	FindAgent(ctx context.Context, id int64) (Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	AgentsByPermanentRole(ctx context.Context, role PermanentRole) ([]Agent, error)
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	SequenceStore
	MandateStore
	CaseStore
	PaymentStore
	AgentStore
	AuditLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
