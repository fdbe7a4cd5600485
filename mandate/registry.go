/*
Package mandate tracks the single active fiscal mandate.

PURPOSE:
  A mandate is a monthly accounting period. Exactly one mandate is active
  at any time, and new cases and payments can only be recorded while one
  is active.

STATE MACHINE:
  inactive ──Activate(id)──▶ active
  The previously active mandate goes back to inactive in the same store
  statement. Mandates are never deleted.

ACTIVE MANDATE CACHE:
  The active identifier is process-wide state with an explicit lifecycle:
  - loaded from the store on the first read (cold start)
  - overwritten by every successful Activate, inside the same critical
    section as the persisted flag flip
  - reloaded after a mandate gap repair, which may rename the active one
  - never torn down
  Recording does not use the cache: it reads the active mandate inside
  its own transaction (RequireIn) so an activation landing just before
  cannot leave it attached to a mandate that is no longer active.
  A Registry instance is passed explicitly to whoever needs it; there is
  no package-level singleton.

STRADDLING CASES:
  A payment recorded late attaches to the mandate active at payment time,
  even if the case began in an earlier month. After activation the
  registry checks every case recorded against the mandate and logs a
  warning for those outside its month. Nothing is moved or rejected.

SEE ALSO:
  - sequence/generator.go: Mints mandate identifiers (YYMM M NNNN)
  - recording/service.go: Calls RequireIn inside its transaction
*/
package mandate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onomatopet/gestcontentieux/fiscal"
	"github.com/onomatopet/gestcontentieux/metrics"
	"github.com/onomatopet/gestcontentieux/sequence"
)

// Registry owns the active-mandate cache.
type Registry struct {
	store    fiscal.TxStore
	seq      *sequence.Generator
	logger   *slog.Logger
	metrics  *metrics.Metrics
	identity fiscal.Identity
	now      func() time.Time

	mu     sync.Mutex
	loaded bool
	active fiscal.Mandate // zero Identifier when none is active
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithIdentity(id fiscal.Identity) Option {
	return func(r *Registry) { r.identity = id }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(store fiscal.TxStore, seq *sequence.Generator, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		seq:      seq,
		logger:   slog.Default(),
		identity: fiscal.SystemIdentity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// =============================================================================
// IDENTIFIERS & CREATION
// =============================================================================

// GenerateNext returns the identifier the next mandate of date's month would
// receive. It does not persist anything.
func (r *Registry) GenerateNext(ctx context.Context, date time.Time) (string, error) {
	return r.seq.Next(ctx, r.store, fiscal.DomainMandate, date)
}

// Create mints the next mandate identifier for date's month and persists an
// inactive mandate covering that month.
func (r *Registry) Create(ctx context.Context, date time.Time) (fiscal.Mandate, error) {
	var m fiscal.Mandate
	err := r.store.WithTx(ctx, func(tx fiscal.Store) error {
		identifier, err := r.seq.Next(ctx, tx, fiscal.DomainMandate, date)
		if err != nil {
			return err
		}
		m = fiscal.Mandate{
			Identifier: identifier,
			Period:     fiscal.PeriodOf(date),
			CreatedAt:  r.now().UTC(),
			CreatedBy:  r.identity.CurrentUser(ctx),
		}
		if err := tx.SaveMandate(ctx, &m); err != nil {
			return fmt.Errorf("save mandate %s: %w", identifier, err)
		}
		return tx.AppendAudit(ctx, fiscal.NewAuditEntry(r.now(), m.CreatedBy, fiscal.AuditMandateCreated,
			identifier, map[string]any{"period": m.Period.String()}))
	})
	if err != nil {
		return fiscal.Mandate{}, err
	}
	r.logger.Info("mandate created", "mandate", m.Identifier, "period", m.Period.String())
	return m, nil
}

// List returns every mandate.
func (r *Registry) List(ctx context.Context) ([]fiscal.Mandate, error) {
	return r.store.ListMandates(ctx)
}

// =============================================================================
// ACTIVATION
// =============================================================================

// Activate makes identifier the only active mandate and returns it with the
// straddling cases found for it. An unknown identifier fails with
// fiscal.ErrMandateNotFound and changes nothing.
func (r *Registry) Activate(ctx context.Context, identifier string) (fiscal.Mandate, []fiscal.StraddlingWarning, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var activated fiscal.Mandate
	err := r.store.WithTx(ctx, func(tx fiscal.Store) error {
		m, err := tx.FindMandate(ctx, identifier)
		if errors.Is(err, fiscal.ErrNotFound) {
			return fiscal.ErrMandateNotFound
		}
		if err != nil {
			return fmt.Errorf("find mandate %s: %w", identifier, err)
		}
		if err := tx.ActivateMandate(ctx, identifier); err != nil {
			if errors.Is(err, fiscal.ErrNotFound) {
				return fiscal.ErrMandateNotFound
			}
			return fmt.Errorf("activate mandate %s: %w", identifier, err)
		}
		m.Active = true
		activated = m
		return tx.AppendAudit(ctx, fiscal.NewAuditEntry(r.now(), r.identity.CurrentUser(ctx),
			fiscal.AuditMandateActivated, identifier, nil))
	})
	if err != nil {
		return fiscal.Mandate{}, nil, err
	}

	previous := r.active.Identifier
	r.active = activated
	r.loaded = true
	r.metrics.IncMandateActivation()
	r.logger.Info("mandate activated", "mandate", identifier, "previous", previous)

	// The activation stands even when the check cannot run.
	warnings, err := r.checkConsistency(ctx, activated)
	if err != nil {
		r.logger.Warn("mandate consistency check failed", "mandate", identifier, "error", err)
	}
	return activated, warnings, nil
}

// Active returns the active mandate identifier, or false when none is
// active. The first call reads the store; later calls use the cache that
// Activate keeps current.
func (r *Registry) Active(ctx context.Context) (string, bool, error) {
	m, ok, err := r.ActiveMandate(ctx)
	return m.Identifier, ok, err
}

// ActiveMandate is Active with the full record.
func (r *Registry) ActiveMandate(ctx context.Context) (fiscal.Mandate, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(ctx); err != nil {
		return fiscal.Mandate{}, false, err
	}
	return r.active, r.active.Identifier != "", nil
}

// loadLocked fills the cache from the store unless it is already loaded.
// r.mu must be held.
func (r *Registry) loadLocked(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	m, err := r.store.ActiveMandate(ctx)
	switch {
	case errors.Is(err, fiscal.ErrNotFound):
		m = fiscal.Mandate{}
	case err != nil:
		return fmt.Errorf("load active mandate: %w", err)
	}
	r.active = m
	r.loaded = true
	return nil
}

// Require returns the active mandate or fiscal.ErrNoActiveMandate.
func (r *Registry) Require(ctx context.Context) (fiscal.Mandate, error) {
	m, ok, err := r.ActiveMandate(ctx)
	if err != nil {
		return fiscal.Mandate{}, err
	}
	if !ok {
		return fiscal.Mandate{}, fiscal.ErrNoActiveMandate
	}
	return m, nil
}

// RequireIn reads the active mandate from src, normally the transaction a
// record is written in, so the mandate attached is the one active at
// commit. It does not take the registry lock: Activate holds that lock
// while it waits for a transaction.
func (r *Registry) RequireIn(ctx context.Context, src fiscal.MandateStore) (fiscal.Mandate, error) {
	m, err := src.ActiveMandate(ctx)
	if errors.Is(err, fiscal.ErrNotFound) {
		return fiscal.Mandate{}, fiscal.ErrNoActiveMandate
	}
	if err != nil {
		return fiscal.Mandate{}, fmt.Errorf("load active mandate: %w", err)
	}
	return m, nil
}

// =============================================================================
// GAP REPAIR
// =============================================================================

// RepairGaps renumbers the mandates of period p like sequence.RepairGaps.
// The store rewrites the mandate identifier of cases and payments in the
// same transaction, and the cache is reloaded once it commits. The
// registry lock is held throughout so no activation interleaves.
func (r *Registry) RepairGaps(ctx context.Context, p fiscal.Period) (sequence.RepairReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report sequence.RepairReport
	err := r.store.WithTx(ctx, func(tx fiscal.Store) error {
		var err error
		report, err = r.seq.Renumber(ctx, tx, fiscal.DomainMandate, p)
		return err
	})
	if err != nil {
		r.logger.Error("mandate repair rolled back", "period", p.String(), "error", err)
		return sequence.RepairReport{Domain: fiscal.DomainMandate, Prefix: report.Prefix}, err
	}

	previous := r.active.Identifier
	r.loaded = false
	if err := r.loadLocked(ctx); err != nil {
		// The repair is committed; the next read retries the load.
		r.logger.Warn("reload active mandate after repair", "error", err)
	}
	r.logger.Info("mandates repaired", "prefix", report.Prefix, "renamed", len(report.Renamed),
		"active_before", previous, "active", r.active.Identifier)
	return report, nil
}

// =============================================================================
// CONSISTENCY CHECK
// =============================================================================

// CheckConsistency logs a warning for every case recorded against identifier
// that falls outside the mandate's calendar month.
func (r *Registry) CheckConsistency(ctx context.Context, identifier string) ([]fiscal.StraddlingWarning, error) {
	m, err := r.store.FindMandate(ctx, identifier)
	if errors.Is(err, fiscal.ErrNotFound) {
		return nil, fiscal.ErrMandateNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.checkConsistency(ctx, m)
}

func (r *Registry) checkConsistency(ctx context.Context, m fiscal.Mandate) ([]fiscal.StraddlingWarning, error) {
	cases, err := r.store.CasesByMandate(ctx, m.Identifier)
	if err != nil {
		return nil, fmt.Errorf("list cases of mandate %s: %w", m.Identifier, err)
	}
	var out []fiscal.StraddlingWarning
	for _, c := range cases {
		if m.Covers(c.CreatedAt) {
			continue
		}
		out = append(out, fiscal.StraddlingWarning{
			CaseIdentifier:    c.Identifier,
			MandateIdentifier: m.Identifier,
			MandatePeriod:     m.Period,
			At:                c.CreatedAt,
		})
		r.logger.Warn("case outside mandate month", "mandate", m.Identifier,
			"period", m.Period.String(), "case", c.Identifier, "created_at", c.CreatedAt)
	}
	return out, nil
}
