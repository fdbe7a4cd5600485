package sequence

import (
	"context"
	"fmt"
	"sort"

	"github.com/onomatopet/gestcontentieux/fiscal"
)

// =============================================================================
// INTEGRITY CHECK - Read-only, warnings only
// =============================================================================

// VerifyIntegrity scans every identifier of d, groups them by period prefix
// and reports each position where a counter is not its predecessor plus one.
// A period that does not start at 1 is reported with Previous = 0.
// Identifiers that do not parse are logged and skipped.
func (g *Generator) VerifyIntegrity(ctx context.Context, src fiscal.SequenceStore, d fiscal.Domain) ([]fiscal.IntegrityWarning, error) {
	f, err := FormatFor(d)
	if err != nil {
		return nil, err
	}
	entries, err := src.ListIdentifiers(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("list %s identifiers: %w", d, err)
	}

	byPrefix := make(map[string][]int)
	for _, e := range entries {
		prefix, n, err := f.Parse(e.Identifier)
		if err != nil {
			g.logger.Warn("malformed identifier", "domain", d, "id", e.ID, "identifier", e.Identifier, "error", err)
			continue
		}
		byPrefix[prefix] = append(byPrefix[prefix], n)
	}

	prefixes := make([]string, 0, len(byPrefix))
	for p := range byPrefix {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	var warnings []fiscal.IntegrityWarning
	for _, prefix := range prefixes {
		counters := byPrefix[prefix]
		sort.Ints(counters)
		prev := 0
		for _, n := range counters {
			if n != prev+1 {
				warnings = append(warnings, fiscal.IntegrityWarning{Domain: d, Prefix: prefix, Previous: prev, Current: n})
			}
			prev = n
		}
	}

	for _, w := range warnings {
		g.logger.Warn("sequence gap detected", "domain", w.Domain, "prefix", w.Prefix,
			"previous", w.Previous, "current", w.Current)
	}
	g.metrics.AddIntegrityWarnings(d, len(warnings))
	return warnings, nil
}

// =============================================================================
// GAP REPAIR - Destructive, explicit, never scheduled
// =============================================================================

// Rename is one identifier change made by RepairGaps.
type Rename struct {
	ID   int64
	From string
	To   string
}

type RepairReport struct {
	Domain  fiscal.Domain
	Prefix  string
	Renamed []Rename
}

// RepairGaps renumbers every record of d in period p, in creation order,
// starting at 1. It runs in one transaction and rolls back entirely on any
// failure. The domain lock is held for the whole transaction so no
// identifier of d is issued meanwhile in this process.
//
// Mandate identifiers are referenced by cases and payments and cached by
// the mandate registry, so they are repaired through mandate.Registry and
// are rejected here.
func (g *Generator) RepairGaps(ctx context.Context, st fiscal.TxStore, d fiscal.Domain, p fiscal.Period) (RepairReport, error) {
	if d == fiscal.DomainMandate {
		return RepairReport{Domain: d}, fiscal.Invalid("domain", "mandate identifiers are repaired through the mandate registry")
	}
	var report RepairReport
	err := st.WithTx(ctx, func(tx fiscal.Store) error {
		var err error
		report, err = g.Renumber(ctx, tx, d, p)
		return err
	})
	if err != nil {
		g.logger.Error("sequence repair rolled back", "domain", d, "period", p.String(), "error", err)
		return RepairReport{Domain: d, Prefix: report.Prefix}, err
	}
	g.logger.Info("sequence repaired", "domain", d, "prefix", report.Prefix, "renamed", len(report.Renamed))
	return report, nil
}

// Renumber is the body of RepairGaps, run inside the caller's transaction.
// It takes the domain lock itself. For the mandate domain the store
// rewrites the references held by cases and payments along with each
// rename.
func (g *Generator) Renumber(ctx context.Context, tx fiscal.Store, d fiscal.Domain, p fiscal.Period) (RepairReport, error) {
	f, err := FormatFor(d)
	if err != nil {
		return RepairReport{}, err
	}
	prefix := f.Prefix(p)
	report := RepairReport{Domain: d, Prefix: prefix}

	// Same order as issuance: transaction first, then the domain lock.
	unlock := g.locks.Lock(d)
	defer unlock()

	entries, err := tx.ListIdentifiers(ctx, d)
	if err != nil {
		return report, fmt.Errorf("list %s identifiers: %w", d, err)
	}

	var renames []Rename
	n := 0
	for _, e := range entries {
		if ep, _, err := f.Parse(e.Identifier); err != nil || ep != prefix {
			continue
		}
		n++
		if want := f.Build(prefix, n); want != e.Identifier {
			renames = append(renames, Rename{ID: e.ID, From: e.Identifier, To: want})
		}
	}
	if len(renames) == 0 {
		return report, nil
	}

	// Two passes: targets may still be held by records renamed later.
	for _, r := range renames {
		if err := tx.RenameIdentifier(ctx, d, r.ID, fmt.Sprintf("~%d", r.ID)); err != nil {
			return report, fmt.Errorf("park %s: %w", r.From, err)
		}
	}
	for _, r := range renames {
		if err := tx.RenameIdentifier(ctx, d, r.ID, r.To); err != nil {
			return report, fmt.Errorf("rename %s to %s: %w", r.From, r.To, err)
		}
	}

	report.Renamed = renames
	entry := fiscal.NewAuditEntry(g.now(), g.identity.CurrentUser(ctx), fiscal.AuditSequenceRepaired, prefix,
		map[string]any{"domain": string(d), "renamed": len(renames)})
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return report, err
	}
	return report, nil
}
