package sqldb

import (
	"context"
	"fmt"
	"strings"
)

// schema is shared by both dialects; {{ID}} expands to the dialect's
// auto-increment primary key. Money is stored as decimal text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id {{ID}},
		matricule TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		permanent_role TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agents_permanent_role
		ON agents(permanent_role) WHERE permanent_role <> ''`,

	// Mandates: at most one row has active = 1, maintained by a single
	// UPDATE in ActivateMandate.
	`CREATE TABLE IF NOT EXISTS mandates (
		id {{ID}},
		identifier TEXT NOT NULL,
		period_year INTEGER NOT NULL,
		period_month INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_mandates_identifier ON mandates(identifier)`,

	`CREATE TABLE IF NOT EXISTS cases (
		id {{ID}},
		identifier TEXT NOT NULL,
		mandate_identifier TEXT NOT NULL,
		total_fine TEXT NOT NULL,
		has_indicator INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_cases_identifier ON cases(identifier)`,
	`CREATE INDEX IF NOT EXISTS idx_cases_mandate ON cases(mandate_identifier)`,

	`CREATE TABLE IF NOT EXISTS participants (
		id {{ID}},
		case_id BIGINT NOT NULL REFERENCES cases(id),
		agent_id BIGINT NOT NULL REFERENCES agents(id),
		role TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_case ON participants(case_id)`,

	`CREATE TABLE IF NOT EXISTS payments (
		id {{ID}},
		identifier TEXT NOT NULL,
		case_id BIGINT NOT NULL REFERENCES cases(id),
		mandate_identifier TEXT NOT NULL,
		amount TEXT NOT NULL,
		received_at TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_identifier ON payments(identifier)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_case ON payments(case_id)`,

	// One distribution per payment, never recomputed.
	`CREATE TABLE IF NOT EXISTS distributions (
		id {{ID}},
		payment_id BIGINT NOT NULL UNIQUE REFERENCES payments(id),
		shares_json TEXT NOT NULL,
		drift TEXT NOT NULL,
		reconciled INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS allocations (
		id {{ID}},
		distribution_id BIGINT NOT NULL REFERENCES distributions(id),
		agent_id BIGINT REFERENCES agents(id),
		role TEXT NOT NULL,
		amount TEXT NOT NULL,
		unattributed INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_allocations_distribution ON allocations(distribution_id)`,

	// Audit ids are ULIDs: ordering by id is ordering by time.
	`CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		payload_json TEXT
	)`,
}

func (d Dialect) idColumn() string {
	if d == Postgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "{{ID}}", s.d.idColumn())
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
