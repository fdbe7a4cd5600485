/*
Package sequence issues the formatted identifiers of cases, payments and
mandates.

PURPOSE:
  Identifiers are collision-free, monthly-resetting and strictly ascending
  within a period. They are derived on demand from the largest identifier
  already persisted for the current period prefix; nothing is cached across
  calls, so a rolled-back transaction frees the identifier it had read.

ISSUANCE:
  1. Compute the prefix from the date (YYMM + marker)
  2. Under the domain lock, read the largest persisted identifier with
     that prefix
  3. None, or a different period: start at 1 (monthly rollover)
  4. Otherwise increment; past 99999 (or 9999) fail with CapacityExceeded

  The lock covers only the read and the computation. The caller persists
  the owning record afterwards, inside its own transaction, which must be
  the same transaction the read was made in.

MAINTENANCE:
  VerifyIntegrity reports gaps as warnings and never mutates.
  RepairGaps renumbers one period in creation order. It is destructive,
  explicit, transactional, and holds the domain lock throughout.
  Renumber is the same work inside a caller's transaction; the mandate
  registry uses it so mandate renames reach its cache. RepairGaps itself
  refuses the mandate domain.

SEE ALSO:
  - format.go: Identifier layouts
  - locks.go: Domain to mutex map
  - mandate/registry.go: Mandate gap repair
*/
package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onomatopet/gestcontentieux/fiscal"
	"github.com/onomatopet/gestcontentieux/metrics"
)

// Generator issues identifiers. One Generator must be shared by every caller
// of a process: its locks are what serialize issuance.
type Generator struct {
	locks    *Locks
	logger   *slog.Logger
	metrics  *metrics.Metrics
	identity fiscal.Identity
	now      func() time.Time
}

type Option func(*Generator)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) { g.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithIdentity sets who is recorded as the actor of repairs.
func WithIdentity(id fiscal.Identity) Option {
	return func(g *Generator) { g.identity = id }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func New(opts ...Option) *Generator {
	g := &Generator{
		locks:    NewLocks(),
		logger:   slog.Default(),
		identity: fiscal.SystemIdentity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Locks exposes the domain locks, so maintenance jobs can hold them.
func (g *Generator) Locks() *Locks { return g.locks }

// Next returns the next identifier of domain d for the period containing at.
// src must be the transactional view the caller will persist through.
func (g *Generator) Next(ctx context.Context, src fiscal.SequenceStore, d fiscal.Domain, at time.Time) (string, error) {
	f, err := FormatFor(d)
	if err != nil {
		return "", err
	}
	prefix := f.Prefix(fiscal.PeriodOf(at))

	unlock := g.locks.Lock(d)
	defer unlock()

	last, err := src.MaxIdentifier(ctx, d, prefix, f.Length())
	if err != nil {
		return "", fmt.Errorf("read last %s identifier: %w", d, err)
	}

	counter := 0
	if last != "" {
		lastPrefix, n, err := f.Parse(last)
		if err != nil {
			return "", err
		}
		if lastPrefix == prefix {
			counter = n
		}
	}

	if counter >= f.Limit() {
		g.metrics.IncCapacityExceeded(d)
		g.logger.Error("sequence capacity exceeded", "domain", d, "prefix", prefix, "limit", f.Limit())
		return "", &fiscal.CapacityExceededError{Domain: d, Prefix: prefix, Limit: f.Limit()}
	}

	g.metrics.IncIdentifierIssued(d)
	return f.Build(prefix, counter+1), nil
}
