package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/onomatopet/gestcontentieux/fiscal"
)

// =============================================================================
// SEQUENCES (fiscal.SequenceStore)
// =============================================================================

func sequenceTable(d fiscal.Domain) (string, error) {
	switch d {
	case fiscal.DomainCase:
		return "cases", nil
	case fiscal.DomainPayment:
		return "payments", nil
	case fiscal.DomainMandate:
		return "mandates", nil
	}
	return "", fiscal.Invalid("domain", "unknown sequence domain %q", d)
}

// MaxIdentifier returns the greatest identifier of the domain with the given
// prefix and exact length, or "" when none exists.
func (c conn) MaxIdentifier(ctx context.Context, d fiscal.Domain, prefix string, length int) (string, error) {
	table, err := sequenceTable(d)
	if err != nil {
		return "", err
	}
	var max sql.NullString
	err = c.queryRow(ctx,
		`SELECT MAX(identifier) FROM `+table+` WHERE identifier LIKE ? AND LENGTH(identifier) = ?`,
		prefix+"%", length,
	).Scan(&max)
	if err != nil {
		return "", fmt.Errorf("failed to read max %s identifier: %w", d, err)
	}
	return max.String, nil
}

func (c conn) ListIdentifiers(ctx context.Context, d fiscal.Domain) ([]fiscal.SequenceEntry, error) {
	table, err := sequenceTable(d)
	if err != nil {
		return nil, err
	}
	rows, err := c.query(ctx, `SELECT id, identifier, created_at FROM `+table+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s identifiers: %w", d, err)
	}
	defer rows.Close()

	var out []fiscal.SequenceEntry
	for rows.Next() {
		var (
			e         fiscal.SequenceEntry
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Identifier, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan identifier: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c conn) RenameIdentifier(ctx context.Context, d fiscal.Domain, id int64, identifier string) error {
	table, err := sequenceTable(d)
	if err != nil {
		return err
	}
	var previous string
	if d == fiscal.DomainMandate {
		err := c.queryRow(ctx, `SELECT identifier FROM mandates WHERE id = ?`, id).Scan(&previous)
		if errors.Is(err, sql.ErrNoRows) {
			return fiscal.ErrNotFound
		}
		if err != nil {
			return err
		}
	}
	err = expectOne(c.exec(ctx, `UPDATE `+table+` SET identifier = ? WHERE id = ?`, identifier, id))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s", fiscal.ErrDuplicateIdentifier, identifier)
	}
	if err != nil || d != fiscal.DomainMandate {
		return err
	}
	// Cases and payments reference mandates by identifier.
	for _, ref := range []string{"cases", "payments"} {
		if _, err := c.exec(ctx, `UPDATE `+ref+` SET mandate_identifier = ? WHERE mandate_identifier = ?`,
			identifier, previous); err != nil {
			return fmt.Errorf("rewrite %s mandate references: %w", ref, err)
		}
	}
	return nil
}

// =============================================================================
// MANDATES (fiscal.MandateStore)
// =============================================================================

const mandateColumns = `id, identifier, period_year, period_month, active, created_at, created_by`

func (c conn) SaveMandate(ctx context.Context, m *fiscal.Mandate) error {
	id, err := c.insert(ctx, `
		INSERT INTO mandates (identifier, period_year, period_month, active, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.Identifier, m.Period.Year, int(m.Period.Month), boolInt(m.Active), formatTime(m.CreatedAt), m.CreatedBy,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", fiscal.ErrDuplicateIdentifier, m.Identifier)
		}
		return fmt.Errorf("failed to save mandate: %w", err)
	}
	m.ID = id
	return nil
}

func (c conn) FindMandate(ctx context.Context, identifier string) (fiscal.Mandate, error) {
	return scanMandate(c.queryRow(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE identifier = ?`, identifier))
}

func (c conn) ActiveMandate(ctx context.Context) (fiscal.Mandate, error) {
	return scanMandate(c.queryRow(ctx, `SELECT `+mandateColumns+` FROM mandates WHERE active = 1 ORDER BY id LIMIT 1`))
}

// ActivateMandate flips every flag in one statement. The EXISTS guard makes
// an unknown identifier a no-op.
func (c conn) ActivateMandate(ctx context.Context, identifier string) error {
	err := expectOne(c.exec(ctx, `
		UPDATE mandates SET active = CASE WHEN identifier = ? THEN 1 ELSE 0 END
		WHERE EXISTS (SELECT 1 FROM mandates WHERE identifier = ?)`,
		identifier, identifier,
	))
	if err != nil && !errors.Is(err, fiscal.ErrNotFound) {
		return fmt.Errorf("failed to activate mandate: %w", err)
	}
	return err
}

func (c conn) ListMandates(ctx context.Context) ([]fiscal.Mandate, error) {
	rows, err := c.query(ctx, `SELECT `+mandateColumns+` FROM mandates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mandates: %w", err)
	}
	defer rows.Close()

	var out []fiscal.Mandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMandate(row scanner) (fiscal.Mandate, error) {
	var (
		m         fiscal.Mandate
		month     int
		createdAt string
	)
	err := row.Scan(&m.ID, &m.Identifier, &m.Period.Year, &month, &m.Active, &createdAt, &m.CreatedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, fiscal.ErrNotFound
		}
		return m, fmt.Errorf("failed to scan mandate: %w", err)
	}
	m.Period.Month = time.Month(month)
	m.CreatedAt, err = parseTime(createdAt)
	return m, err
}

// =============================================================================
// CASES (fiscal.CaseStore)
// =============================================================================

const caseColumns = `id, identifier, mandate_identifier, total_fine, has_indicator, status, description, created_at, created_by`

func (c conn) SaveCase(ctx context.Context, cs *fiscal.Case) error {
	id, err := c.insert(ctx, `
		INSERT INTO cases (identifier, mandate_identifier, total_fine, has_indicator, status, description, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.Identifier, cs.MandateIdentifier, cs.TotalFine.String(), boolInt(cs.HasIndicator),
		string(cs.Status), cs.Description, formatTime(cs.CreatedAt), cs.CreatedBy,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", fiscal.ErrDuplicateIdentifier, cs.Identifier)
		}
		return fmt.Errorf("failed to save case: %w", err)
	}
	cs.ID = id
	return nil
}

func (c conn) FindCase(ctx context.Context, id int64) (fiscal.Case, error) {
	return scanCase(c.queryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id))
}

func (c conn) UpdateCaseStatus(ctx context.Context, id int64, status fiscal.CaseStatus) error {
	return expectOne(c.exec(ctx, `UPDATE cases SET status = ? WHERE id = ?`, string(status), id))
}

func (c conn) CasesByMandate(ctx context.Context, mandateIdentifier string) ([]fiscal.Case, error) {
	rows, err := c.query(ctx, `SELECT `+caseColumns+` FROM cases WHERE mandate_identifier = ? ORDER BY id`, mandateIdentifier)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}
	defer rows.Close()

	var out []fiscal.Case
	for rows.Next() {
		cs, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func scanCase(row scanner) (fiscal.Case, error) {
	var (
		cs        fiscal.Case
		fine      string
		status    string
		createdAt string
	)
	err := row.Scan(&cs.ID, &cs.Identifier, &cs.MandateIdentifier, &fine, &cs.HasIndicator,
		&status, &cs.Description, &createdAt, &cs.CreatedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cs, fiscal.ErrNotFound
		}
		return cs, fmt.Errorf("failed to scan case: %w", err)
	}
	cs.Status = fiscal.CaseStatus(status)
	if cs.TotalFine, err = decimal.NewFromString(fine); err != nil {
		return cs, fmt.Errorf("invalid stored fine %q: %w", fine, err)
	}
	cs.CreatedAt, err = parseTime(createdAt)
	return cs, err
}

func (c conn) SaveParticipant(ctx context.Context, p *fiscal.Participant) error {
	id, err := c.insert(ctx, `INSERT INTO participants (case_id, agent_id, role) VALUES (?, ?, ?)`,
		p.CaseID, p.AgentID, string(p.Role))
	if err != nil {
		return fmt.Errorf("failed to save participant: %w", err)
	}
	p.ID = id
	return nil
}

func (c conn) Participants(ctx context.Context, caseID int64) ([]fiscal.Participant, error) {
	rows, err := c.query(ctx, `SELECT id, case_id, agent_id, role FROM participants WHERE case_id = ? ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var out []fiscal.Participant
	for rows.Next() {
		var (
			p    fiscal.Participant
			role string
		)
		if err := rows.Scan(&p.ID, &p.CaseID, &p.AgentID, &role); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.Role = fiscal.ParticipantRole(role)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// PAYMENTS & DISTRIBUTIONS (fiscal.PaymentStore)
// =============================================================================

const paymentColumns = `id, identifier, case_id, mandate_identifier, amount, received_at, status, created_at, created_by`

func (c conn) SavePayment(ctx context.Context, p *fiscal.Payment) error {
	id, err := c.insert(ctx, `
		INSERT INTO payments (identifier, case_id, mandate_identifier, amount, received_at, status, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Identifier, p.CaseID, p.MandateIdentifier, p.Amount.String(), formatTime(p.ReceivedAt),
		string(p.Status), formatTime(p.CreatedAt), p.CreatedBy,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", fiscal.ErrDuplicateIdentifier, p.Identifier)
		}
		return fmt.Errorf("failed to save payment: %w", err)
	}
	p.ID = id
	return nil
}

func (c conn) FindPayment(ctx context.Context, id int64) (fiscal.Payment, error) {
	return scanPayment(c.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id))
}

func (c conn) PaymentsByCase(ctx context.Context, caseID int64) ([]fiscal.Payment, error) {
	rows, err := c.query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE case_id = ? ORDER BY id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []fiscal.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row scanner) (fiscal.Payment, error) {
	var (
		p          fiscal.Payment
		amount     string
		receivedAt string
		status     string
		createdAt  string
	)
	err := row.Scan(&p.ID, &p.Identifier, &p.CaseID, &p.MandateIdentifier, &amount,
		&receivedAt, &status, &createdAt, &p.CreatedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, fiscal.ErrNotFound
		}
		return p, fmt.Errorf("failed to scan payment: %w", err)
	}
	p.Status = fiscal.PaymentStatus(status)
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return p, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	if p.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return p, err
	}
	p.CreatedAt, err = parseTime(createdAt)
	return p, err
}

func (c conn) SaveDistribution(ctx context.Context, d *fiscal.DistributionRecord) error {
	sharesJSON, err := json.Marshal(d.Shares)
	if err != nil {
		return fmt.Errorf("failed to encode shares: %w", err)
	}
	id, err := c.insert(ctx, `
		INSERT INTO distributions (payment_id, shares_json, drift, reconciled, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		d.PaymentID, string(sharesJSON), d.Drift.String(), boolInt(d.Reconciled), formatTime(d.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &fiscal.StateConflictError{Reason: fmt.Sprintf("payment %d already distributed", d.PaymentID)}
		}
		return fmt.Errorf("failed to save distribution: %w", err)
	}
	for _, a := range d.Allocations {
		_, err := c.exec(ctx, `
			INSERT INTO allocations (distribution_id, agent_id, role, amount, unattributed)
			VALUES (?, ?, ?, ?, ?)`,
			id, nullInt(a.AgentID), string(a.Role), a.Amount.String(), boolInt(a.Unattributed),
		)
		if err != nil {
			return fmt.Errorf("failed to save allocation: %w", err)
		}
	}
	d.ID = id
	return nil
}

func (c conn) FindDistribution(ctx context.Context, paymentID int64) (fiscal.DistributionRecord, error) {
	var (
		d          fiscal.DistributionRecord
		sharesJSON string
		drift      string
		createdAt  string
	)
	err := c.queryRow(ctx, `
		SELECT id, payment_id, shares_json, drift, reconciled, created_at
		FROM distributions WHERE payment_id = ?`, paymentID,
	).Scan(&d.ID, &d.PaymentID, &sharesJSON, &drift, &d.Reconciled, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, fiscal.ErrNotFound
		}
		return d, fmt.Errorf("failed to read distribution: %w", err)
	}
	if err := json.Unmarshal([]byte(sharesJSON), &d.Shares); err != nil {
		return d, fmt.Errorf("failed to decode shares: %w", err)
	}
	if d.Drift, err = decimal.NewFromString(drift); err != nil {
		return d, fmt.Errorf("invalid stored drift %q: %w", drift, err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return d, err
	}

	rows, err := c.query(ctx, `
		SELECT agent_id, role, amount, unattributed
		FROM allocations WHERE distribution_id = ? ORDER BY id`, d.ID)
	if err != nil {
		return d, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a      fiscal.Allocation
			agent  sql.NullInt64
			role   string
			amount string
		)
		if err := rows.Scan(&agent, &role, &amount, &a.Unattributed); err != nil {
			return d, fmt.Errorf("failed to scan allocation: %w", err)
		}
		a.AgentID = agent.Int64
		a.Role = fiscal.BeneficiaryRole(role)
		if a.Amount, err = decimal.NewFromString(amount); err != nil {
			return d, fmt.Errorf("invalid stored allocation %q: %w", amount, err)
		}
		d.Allocations = append(d.Allocations, a)
	}
	return d, rows.Err()
}

// =============================================================================
// AGENTS (fiscal.AgentStore)
// =============================================================================

func (c conn) SaveAgent(ctx context.Context, a *fiscal.Agent) error {
	id, err := c.insert(ctx, `INSERT INTO agents (matricule, name, permanent_role) VALUES (?, ?, ?)`,
		a.Matricule, a.Name, string(a.PermanentRole))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &fiscal.StateConflictError{Reason: fmt.Sprintf("matricule %s already registered", a.Matricule)}
		}
		return fmt.Errorf("failed to save agent: %w", err)
	}
	a.ID = id
	return nil
}

func (c conn) FindAgent(ctx context.Context, id int64) (fiscal.Agent, error) {
	var (
		a    fiscal.Agent
		role string
	)
	err := c.queryRow(ctx, `SELECT id, matricule, name, permanent_role FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.Matricule, &a.Name, &role)
	if err != nil {
		return a, notFound(err)
	}
	a.PermanentRole = fiscal.PermanentRole(role)
	return a, nil
}

func (c conn) ListAgents(ctx context.Context) ([]fiscal.Agent, error) {
	return c.queryAgents(ctx, `SELECT id, matricule, name, permanent_role FROM agents ORDER BY id`)
}

func (c conn) AgentsByPermanentRole(ctx context.Context, role fiscal.PermanentRole) ([]fiscal.Agent, error) {
	if role == fiscal.PermanentNone {
		return nil, nil
	}
	return c.queryAgents(ctx,
		`SELECT id, matricule, name, permanent_role FROM agents WHERE permanent_role = ? ORDER BY id`, string(role))
}

func (c conn) queryAgents(ctx context.Context, query string, args ...any) ([]fiscal.Agent, error) {
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var out []fiscal.Agent
	for rows.Next() {
		var (
			a    fiscal.Agent
			role string
		)
		if err := rows.Scan(&a.ID, &a.Matricule, &a.Name, &role); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		a.PermanentRole = fiscal.PermanentRole(role)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG (fiscal.AuditLog)
// =============================================================================

func (c conn) AppendAudit(ctx context.Context, e fiscal.AuditEntry) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	_, err := c.exec(ctx, `
		INSERT INTO audit_log (id, ts, actor, action, subject, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.Timestamp), e.ActorID, string(e.Action), e.Subject, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries first. limit <= 0 returns all.
func (c conn) ListAudit(ctx context.Context, limit int) ([]fiscal.AuditEntry, error) {
	query := `SELECT id, ts, actor, action, subject, payload_json FROM audit_log ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []fiscal.AuditEntry
	for rows.Next() {
		var (
			e       fiscal.AuditEntry
			ts      string
			action  string
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &action, &e.Subject, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Action = fiscal.AuditAction(action)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
