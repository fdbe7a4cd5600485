// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/onomatopet/gestcontentieux/fiscal"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a fiscal.TxStore held in process memory. WithTx holds the write
// lock for the whole transaction, so transactions are fully serialized.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

var _ fiscal.TxStore = (*Memory)(nil)

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(fiscal.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// =============================================================================
// LOCKED ACCESSORS - Each call is its own transaction
// =============================================================================

func (m *Memory) read(fn func(*state) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.st)
}

func (m *Memory) write(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func (m *Memory) MaxIdentifier(ctx context.Context, d fiscal.Domain, prefix string, length int) (out string, err error) {
	err = m.read(func(s *state) error { out, err = s.MaxIdentifier(ctx, d, prefix, length); return err })
	return
}

func (m *Memory) ListIdentifiers(ctx context.Context, d fiscal.Domain) (out []fiscal.SequenceEntry, err error) {
	err = m.read(func(s *state) error { out, err = s.ListIdentifiers(ctx, d); return err })
	return
}

func (m *Memory) RenameIdentifier(ctx context.Context, d fiscal.Domain, id int64, identifier string) error {
	return m.write(func(s *state) error { return s.RenameIdentifier(ctx, d, id, identifier) })
}

func (m *Memory) SaveMandate(ctx context.Context, md *fiscal.Mandate) error {
	return m.write(func(s *state) error { return s.SaveMandate(ctx, md) })
}

func (m *Memory) FindMandate(ctx context.Context, identifier string) (out fiscal.Mandate, err error) {
	err = m.read(func(s *state) error { out, err = s.FindMandate(ctx, identifier); return err })
	return
}

func (m *Memory) ActiveMandate(ctx context.Context) (out fiscal.Mandate, err error) {
	err = m.read(func(s *state) error { out, err = s.ActiveMandate(ctx); return err })
	return
}

func (m *Memory) ActivateMandate(ctx context.Context, identifier string) error {
	return m.write(func(s *state) error { return s.ActivateMandate(ctx, identifier) })
}

func (m *Memory) ListMandates(ctx context.Context) (out []fiscal.Mandate, err error) {
	err = m.read(func(s *state) error { out, err = s.ListMandates(ctx); return err })
	return
}

func (m *Memory) SaveCase(ctx context.Context, c *fiscal.Case) error {
	return m.write(func(s *state) error { return s.SaveCase(ctx, c) })
}

func (m *Memory) FindCase(ctx context.Context, id int64) (out fiscal.Case, err error) {
	err = m.read(func(s *state) error { out, err = s.FindCase(ctx, id); return err })
	return
}

func (m *Memory) UpdateCaseStatus(ctx context.Context, id int64, status fiscal.CaseStatus) error {
	return m.write(func(s *state) error { return s.UpdateCaseStatus(ctx, id, status) })
}

func (m *Memory) CasesByMandate(ctx context.Context, identifier string) (out []fiscal.Case, err error) {
	err = m.read(func(s *state) error { out, err = s.CasesByMandate(ctx, identifier); return err })
	return
}

func (m *Memory) SaveParticipant(ctx context.Context, p *fiscal.Participant) error {
	return m.write(func(s *state) error { return s.SaveParticipant(ctx, p) })
}

func (m *Memory) Participants(ctx context.Context, caseID int64) (out []fiscal.Participant, err error) {
	err = m.read(func(s *state) error { out, err = s.Participants(ctx, caseID); return err })
	return
}

func (m *Memory) SavePayment(ctx context.Context, p *fiscal.Payment) error {
	return m.write(func(s *state) error { return s.SavePayment(ctx, p) })
}

func (m *Memory) FindPayment(ctx context.Context, id int64) (out fiscal.Payment, err error) {
	err = m.read(func(s *state) error { out, err = s.FindPayment(ctx, id); return err })
	return
}

func (m *Memory) PaymentsByCase(ctx context.Context, caseID int64) (out []fiscal.Payment, err error) {
	err = m.read(func(s *state) error { out, err = s.PaymentsByCase(ctx, caseID); return err })
	return
}

func (m *Memory) SaveDistribution(ctx context.Context, d *fiscal.DistributionRecord) error {
	return m.write(func(s *state) error { return s.SaveDistribution(ctx, d) })
}

func (m *Memory) FindDistribution(ctx context.Context, paymentID int64) (out fiscal.DistributionRecord, err error) {
	err = m.read(func(s *state) error { out, err = s.FindDistribution(ctx, paymentID); return err })
	return
}

func (m *Memory) SaveAgent(ctx context.Context, a *fiscal.Agent) error {
	return m.write(func(s *state) error { return s.SaveAgent(ctx, a) })
}

func (m *Memory) FindAgent(ctx context.Context, id int64) (out fiscal.Agent, err error) {
	err = m.read(func(s *state) error { out, err = s.FindAgent(ctx, id); return err })
	return
}

func (m *Memory) ListAgents(ctx context.Context) (out []fiscal.Agent, err error) {
	err = m.read(func(s *state) error { out, err = s.ListAgents(ctx); return err })
	return
}

func (m *Memory) AgentsByPermanentRole(ctx context.Context, role fiscal.PermanentRole) (out []fiscal.Agent, err error) {
	err = m.read(func(s *state) error { out, err = s.AgentsByPermanentRole(ctx, role); return err })
	return
}

func (m *Memory) AppendAudit(ctx context.Context, e fiscal.AuditEntry) error {
	return m.write(func(s *state) error { return s.AppendAudit(ctx, e) })
}

func (m *Memory) ListAudit(ctx context.Context, limit int) (out []fiscal.AuditEntry, err error) {
	err = m.read(func(s *state) error { out, err = s.ListAudit(ctx, limit); return err })
	return
}

// =============================================================================
// STATE - Unlocked data, also the transactional view handed to WithTx
// =============================================================================

type state struct {
	nextID        int64
	mandates      map[int64]fiscal.Mandate
	cases         map[int64]fiscal.Case
	participants  map[int64]fiscal.Participant
	payments      map[int64]fiscal.Payment
	distributions map[int64]fiscal.DistributionRecord // keyed by payment ID
	agents        map[int64]fiscal.Agent
	audit         []fiscal.AuditEntry
}

func newState() *state {
	return &state{
		mandates:      make(map[int64]fiscal.Mandate),
		cases:         make(map[int64]fiscal.Case),
		participants:  make(map[int64]fiscal.Participant),
		payments:      make(map[int64]fiscal.Payment),
		distributions: make(map[int64]fiscal.DistributionRecord),
		agents:        make(map[int64]fiscal.Agent),
	}
}

func (s *state) clone() *state {
	c := newState()
	c.nextID = s.nextID
	for k, v := range s.mandates {
		c.mandates[k] = v
	}
	for k, v := range s.cases {
		c.cases[k] = v
	}
	for k, v := range s.participants {
		c.participants[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.distributions {
		v.Allocations = append([]fiscal.Allocation(nil), v.Allocations...)
		c.distributions[k] = v
	}
	for k, v := range s.agents {
		c.agents[k] = v
	}
	c.audit = append([]fiscal.AuditEntry(nil), s.audit...)
	return c
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// identifiers returns numeric ID -> formatted identifier for a domain.
func (s *state) identifiers(d fiscal.Domain) map[int64]string {
	out := make(map[int64]string)
	switch d {
	case fiscal.DomainCase:
		for id, c := range s.cases {
			out[id] = c.Identifier
		}
	case fiscal.DomainPayment:
		for id, p := range s.payments {
			out[id] = p.Identifier
		}
	case fiscal.DomainMandate:
		for id, m := range s.mandates {
			out[id] = m.Identifier
		}
	}
	return out
}

func (s *state) identifierTaken(d fiscal.Domain, identifier string, except int64) bool {
	for id, ident := range s.identifiers(d) {
		if ident == identifier && id != except {
			return true
		}
	}
	return false
}

func (s *state) MaxIdentifier(_ context.Context, d fiscal.Domain, prefix string, length int) (string, error) {
	max := ""
	for _, ident := range s.identifiers(d) {
		if len(ident) == length && strings.HasPrefix(ident, prefix) && ident > max {
			max = ident
		}
	}
	return max, nil
}

func (s *state) ListIdentifiers(_ context.Context, d fiscal.Domain) ([]fiscal.SequenceEntry, error) {
	var out []fiscal.SequenceEntry
	switch d {
	case fiscal.DomainCase:
		for _, c := range s.cases {
			out = append(out, fiscal.SequenceEntry{ID: c.ID, Identifier: c.Identifier, CreatedAt: c.CreatedAt})
		}
	case fiscal.DomainPayment:
		for _, p := range s.payments {
			out = append(out, fiscal.SequenceEntry{ID: p.ID, Identifier: p.Identifier, CreatedAt: p.CreatedAt})
		}
	case fiscal.DomainMandate:
		for _, m := range s.mandates {
			out = append(out, fiscal.SequenceEntry{ID: m.ID, Identifier: m.Identifier, CreatedAt: m.CreatedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) RenameIdentifier(_ context.Context, d fiscal.Domain, id int64, identifier string) error {
	if s.identifierTaken(d, identifier, id) {
		return fmt.Errorf("%w: %s", fiscal.ErrDuplicateIdentifier, identifier)
	}
	switch d {
	case fiscal.DomainCase:
		c, ok := s.cases[id]
		if !ok {
			return fiscal.ErrNotFound
		}
		c.Identifier = identifier
		s.cases[id] = c
	case fiscal.DomainPayment:
		p, ok := s.payments[id]
		if !ok {
			return fiscal.ErrNotFound
		}
		p.Identifier = identifier
		s.payments[id] = p
	case fiscal.DomainMandate:
		m, ok := s.mandates[id]
		if !ok {
			return fiscal.ErrNotFound
		}
		previous := m.Identifier
		m.Identifier = identifier
		s.mandates[id] = m
		for cid, c := range s.cases {
			if c.MandateIdentifier == previous {
				c.MandateIdentifier = identifier
				s.cases[cid] = c
			}
		}
		for pid, p := range s.payments {
			if p.MandateIdentifier == previous {
				p.MandateIdentifier = identifier
				s.payments[pid] = p
			}
		}
	}
	return nil
}

// Mandates

func (s *state) SaveMandate(_ context.Context, m *fiscal.Mandate) error {
	if s.identifierTaken(fiscal.DomainMandate, m.Identifier, 0) {
		return fmt.Errorf("%w: %s", fiscal.ErrDuplicateIdentifier, m.Identifier)
	}
	m.ID = s.id()
	s.mandates[m.ID] = *m
	return nil
}

func (s *state) FindMandate(_ context.Context, identifier string) (fiscal.Mandate, error) {
	for _, m := range s.mandates {
		if m.Identifier == identifier {
			return m, nil
		}
	}
	return fiscal.Mandate{}, fiscal.ErrNotFound
}

func (s *state) ActiveMandate(_ context.Context) (fiscal.Mandate, error) {
	for _, m := range s.mandates {
		if m.Active {
			return m, nil
		}
	}
	return fiscal.Mandate{}, fiscal.ErrNotFound
}

func (s *state) ActivateMandate(ctx context.Context, identifier string) error {
	if _, err := s.FindMandate(ctx, identifier); err != nil {
		return err
	}
	for id, m := range s.mandates {
		m.Active = m.Identifier == identifier
		s.mandates[id] = m
	}
	return nil
}

func (s *state) ListMandates(_ context.Context) ([]fiscal.Mandate, error) {
	out := make([]fiscal.Mandate, 0, len(s.mandates))
	for _, m := range s.mandates {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Cases

func (s *state) SaveCase(_ context.Context, c *fiscal.Case) error {
	if s.identifierTaken(fiscal.DomainCase, c.Identifier, 0) {
		return fmt.Errorf("%w: %s", fiscal.ErrDuplicateIdentifier, c.Identifier)
	}
	c.ID = s.id()
	s.cases[c.ID] = *c
	return nil
}

func (s *state) FindCase(_ context.Context, id int64) (fiscal.Case, error) {
	c, ok := s.cases[id]
	if !ok {
		return fiscal.Case{}, fiscal.ErrNotFound
	}
	return c, nil
}

func (s *state) UpdateCaseStatus(_ context.Context, id int64, status fiscal.CaseStatus) error {
	c, ok := s.cases[id]
	if !ok {
		return fiscal.ErrNotFound
	}
	c.Status = status
	s.cases[id] = c
	return nil
}

func (s *state) CasesByMandate(_ context.Context, identifier string) ([]fiscal.Case, error) {
	var out []fiscal.Case
	for _, c := range s.cases {
		if c.MandateIdentifier == identifier {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) SaveParticipant(_ context.Context, p *fiscal.Participant) error {
	if _, ok := s.cases[p.CaseID]; !ok {
		return fmt.Errorf("participant case %d: %w", p.CaseID, fiscal.ErrNotFound)
	}
	p.ID = s.id()
	s.participants[p.ID] = *p
	return nil
}

func (s *state) Participants(_ context.Context, caseID int64) ([]fiscal.Participant, error) {
	var out []fiscal.Participant
	for _, p := range s.participants {
		if p.CaseID == caseID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Payments

func (s *state) SavePayment(_ context.Context, p *fiscal.Payment) error {
	if _, ok := s.cases[p.CaseID]; !ok {
		return fmt.Errorf("payment case %d: %w", p.CaseID, fiscal.ErrNotFound)
	}
	if s.identifierTaken(fiscal.DomainPayment, p.Identifier, 0) {
		return fmt.Errorf("%w: %s", fiscal.ErrDuplicateIdentifier, p.Identifier)
	}
	p.ID = s.id()
	s.payments[p.ID] = *p
	return nil
}

func (s *state) FindPayment(_ context.Context, id int64) (fiscal.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return fiscal.Payment{}, fiscal.ErrNotFound
	}
	return p, nil
}

func (s *state) PaymentsByCase(_ context.Context, caseID int64) ([]fiscal.Payment, error) {
	var out []fiscal.Payment
	for _, p := range s.payments {
		if p.CaseID == caseID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) SaveDistribution(_ context.Context, d *fiscal.DistributionRecord) error {
	if _, ok := s.payments[d.PaymentID]; !ok {
		return fmt.Errorf("distribution payment %d: %w", d.PaymentID, fiscal.ErrNotFound)
	}
	if _, ok := s.distributions[d.PaymentID]; ok {
		return &fiscal.StateConflictError{Reason: fmt.Sprintf("payment %d already distributed", d.PaymentID)}
	}
	d.ID = s.id()
	rec := *d
	rec.Allocations = append([]fiscal.Allocation(nil), d.Allocations...)
	s.distributions[d.PaymentID] = rec
	return nil
}

func (s *state) FindDistribution(_ context.Context, paymentID int64) (fiscal.DistributionRecord, error) {
	d, ok := s.distributions[paymentID]
	if !ok {
		return fiscal.DistributionRecord{}, fiscal.ErrNotFound
	}
	d.Allocations = append([]fiscal.Allocation(nil), d.Allocations...)
	return d, nil
}

// Agents

func (s *state) SaveAgent(_ context.Context, a *fiscal.Agent) error {
	for _, other := range s.agents {
		if other.Matricule == a.Matricule {
			return &fiscal.StateConflictError{Reason: fmt.Sprintf("matricule %s already registered", a.Matricule)}
		}
	}
	a.ID = s.id()
	s.agents[a.ID] = *a
	return nil
}

func (s *state) FindAgent(_ context.Context, id int64) (fiscal.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return fiscal.Agent{}, fiscal.ErrNotFound
	}
	return a, nil
}

func (s *state) ListAgents(_ context.Context) ([]fiscal.Agent, error) {
	out := make([]fiscal.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *state) AgentsByPermanentRole(ctx context.Context, role fiscal.PermanentRole) ([]fiscal.Agent, error) {
	all, _ := s.ListAgents(ctx)
	var out []fiscal.Agent
	for _, a := range all {
		if role != fiscal.PermanentNone && a.PermanentRole == role {
			out = append(out, a)
		}
	}
	return out, nil
}

// Audit

func (s *state) AppendAudit(_ context.Context, e fiscal.AuditEntry) error {
	s.audit = append(s.audit, e)
	return nil
}

func (s *state) ListAudit(_ context.Context, limit int) ([]fiscal.AuditEntry, error) {
	out := make([]fiscal.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		out = append(out, s.audit[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
