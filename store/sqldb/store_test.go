package sqldb_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/onomatopet/gestcontentieux/distribution"
	"github.com/onomatopet/gestcontentieux/fiscal"
	"github.com/onomatopet/gestcontentieux/mandate"
	"github.com/onomatopet/gestcontentieux/recording"
	"github.com/onomatopet/gestcontentieux/sequence"
	"github.com/onomatopet/gestcontentieux/store/sqldb"
)

var june = time.Date(2025, time.June, 12, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqldb.Store {
	t.Helper()
	st, err := sqldb.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func saveCase(t *testing.T, st fiscal.Store, identifier string, at time.Time) fiscal.Case {
	t.Helper()
	c := fiscal.Case{
		Identifier:        identifier,
		MandateIdentifier: "2506M0001",
		TotalFine:         decimal.NewFromInt(1000),
		Status:            fiscal.CaseOpen,
		CreatedAt:         at,
	}
	require.NoError(t, st.SaveCase(context.Background(), &c))
	return c
}

func TestMandates(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	m1 := fiscal.Mandate{Identifier: "2506M0001", Period: fiscal.PeriodOf(june), CreatedAt: june, CreatedBy: "op"}
	m2 := fiscal.Mandate{Identifier: "2506M0002", Period: fiscal.PeriodOf(june), CreatedAt: june}
	require.NoError(t, st.SaveMandate(ctx, &m1))
	require.NoError(t, st.SaveMandate(ctx, &m2))
	assert.NotZero(t, m1.ID)

	_, err := st.ActiveMandate(ctx)
	assert.ErrorIs(t, err, fiscal.ErrNotFound)

	require.NoError(t, st.ActivateMandate(ctx, m1.Identifier))
	require.NoError(t, st.ActivateMandate(ctx, m2.Identifier))

	active, err := st.ActiveMandate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2506M0002", active.Identifier)
	assert.Equal(t, fiscal.PeriodOf(june), active.Period)

	all, err := st.ListMandates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.False(t, all[0].Active)
	assert.True(t, all[1].Active)
	assert.Equal(t, "op", all[0].CreatedBy)
	assert.True(t, all[0].CreatedAt.Equal(june))

	// Unknown identifier leaves every flag untouched
	err = st.ActivateMandate(ctx, "2506M0099")
	assert.ErrorIs(t, err, fiscal.ErrNotFound)
	active, err = st.ActiveMandate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2506M0002", active.Identifier)

	dup := fiscal.Mandate{Identifier: "2506M0001", Period: fiscal.PeriodOf(june), CreatedAt: june}
	assert.ErrorIs(t, st.SaveMandate(ctx, &dup), fiscal.ErrDuplicateIdentifier)
}

func TestSequenceQueries(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	saveCase(t, st, "250600002", june)
	saveCase(t, st, "250600010", june.Add(time.Minute))
	saveCase(t, st, "250700001", june.AddDate(0, 1, 0))
	saveCase(t, st, "2506000099", june) // wrong length, ignored

	max, err := st.MaxIdentifier(ctx, fiscal.DomainCase, "2506", 9)
	require.NoError(t, err)
	assert.Equal(t, "250600010", max)

	none, err := st.MaxIdentifier(ctx, fiscal.DomainCase, "2508", 9)
	require.NoError(t, err)
	assert.Empty(t, none)

	entries, err := st.ListIdentifiers(ctx, fiscal.DomainCase)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "250600002", entries[0].Identifier)
	assert.Equal(t, "250700001", entries[3].Identifier)

	err = st.RenameIdentifier(ctx, fiscal.DomainCase, entries[0].ID, "250600010")
	assert.ErrorIs(t, err, fiscal.ErrDuplicateIdentifier)
	require.NoError(t, st.RenameIdentifier(ctx, fiscal.DomainCase, entries[0].ID, "250600001"))
	assert.ErrorIs(t, st.RenameIdentifier(ctx, fiscal.DomainCase, 9999, "250600003"), fiscal.ErrNotFound)
}

func TestCasesPaymentsAndDistribution(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	leader := fiscal.Agent{Matricule: "L-1", Name: "Leader"}
	dd := fiscal.Agent{Matricule: "D-1", Name: "DD", PermanentRole: fiscal.PermanentDepartmental}
	require.NoError(t, st.SaveAgent(ctx, &leader))
	require.NoError(t, st.SaveAgent(ctx, &dd))

	holders, err := st.AgentsByPermanentRole(ctx, fiscal.PermanentDepartmental)
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, dd.ID, holders[0].ID)

	dupAgent := fiscal.Agent{Matricule: "L-1", Name: "Other"}
	assert.True(t, fiscal.IsStateConflict(st.SaveAgent(ctx, &dupAgent)))

	c := saveCase(t, st, "250600001", june)
	p := fiscal.Participant{CaseID: c.ID, AgentID: leader.ID, Role: fiscal.RoleLeader}
	require.NoError(t, st.SaveParticipant(ctx, &p))
	parts, err := st.Participants(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, fiscal.RoleLeader, parts[0].Role)

	pay := fiscal.Payment{
		Identifier: "2506R00001", CaseID: c.ID, MandateIdentifier: "2506M0001",
		Amount: decimal.RequireFromString("400.50"), ReceivedAt: june, Status: fiscal.PaymentValidated, CreatedAt: june,
	}
	require.NoError(t, st.SavePayment(ctx, &pay))

	got, err := st.FindPayment(ctx, pay.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("400.5")))
	assert.True(t, got.ReceivedAt.Equal(june))

	rec := fiscal.DistributionRecord{
		PaymentID: pay.ID,
		Shares:    fiscal.Shares{Gross: decimal.NewFromInt(400), Filers: decimal.NewFromInt(93)},
		Allocations: []fiscal.Allocation{
			{AgentID: leader.ID, Role: fiscal.BeneficiaryLeader, Amount: decimal.NewFromInt(40)},
			{Role: fiscal.BeneficiaryGeneral, Amount: decimal.NewFromInt(8), Unattributed: true},
		},
		Drift:      decimal.NewFromInt(1),
		Reconciled: true,
		CreatedAt:  june,
	}
	require.NoError(t, st.SaveDistribution(ctx, &rec))

	again := rec
	assert.ErrorIs(t, st.SaveDistribution(ctx, &again), fiscal.ErrStateConflict)

	loaded, err := st.FindDistribution(ctx, pay.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Shares.Filers.Equal(decimal.NewFromInt(93)))
	assert.True(t, loaded.Reconciled)
	require.Len(t, loaded.Allocations, 2)
	assert.Equal(t, leader.ID, loaded.Allocations[0].AgentID)
	assert.Zero(t, loaded.Allocations[1].AgentID)
	assert.True(t, loaded.Allocations[1].Unattributed)

	require.NoError(t, st.UpdateCaseStatus(ctx, c.ID, fiscal.CaseClosed))
	closed, err := st.FindCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, fiscal.CaseClosed, closed.Status)
	assert.True(t, closed.TotalFine.Equal(decimal.NewFromInt(1000)))

	_, err = st.FindCase(ctx, 4242)
	assert.ErrorIs(t, err, fiscal.ErrNotFound)
	_, err = st.FindDistribution(ctx, 4242)
	assert.ErrorIs(t, err, fiscal.ErrNotFound)
}

func TestWithTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	err := st.WithTx(ctx, func(tx fiscal.Store) error {
		saveCase(t, tx, "250600001", june)
		max, err := tx.MaxIdentifier(ctx, fiscal.DomainCase, "2506", 9)
		require.NoError(t, err)
		assert.Equal(t, "250600001", max, "reads inside the transaction see its writes")
		return fiscal.ErrValidation
	})
	require.ErrorIs(t, err, fiscal.ErrValidation)

	max, err := st.MaxIdentifier(ctx, fiscal.DomainCase, "2506", 9)
	require.NoError(t, err)
	assert.Empty(t, max)
}

func TestAudit(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	first := fiscal.NewAuditEntry(june, "op", fiscal.AuditCaseRecorded, "250600001", map[string]any{"amount": "10"})
	second := fiscal.NewAuditEntry(june.Add(time.Second), "op", fiscal.AuditCaseClosed, "250600001", nil)
	require.NoError(t, st.AppendAudit(ctx, first))
	require.NoError(t, st.AppendAudit(ctx, second))

	entries, err := st.ListAudit(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, fiscal.AuditCaseClosed, entries[0].Action)
	assert.Equal(t, "10", entries[1].Payload["amount"])

	limited, err := st.ListAudit(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// =============================================================================
// END TO END ON SQLITE
// =============================================================================

func TestRecordingOnSQLite_ContiguousIdentifiers(t *testing.T) {
	// GIVEN: the full engine on a SQLite store
	ctx := context.Background()
	st := newStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return june }

	seq := sequence.New(sequence.WithLogger(logger))
	reg := mandate.NewRegistry(st, seq, mandate.WithLogger(logger), mandate.WithClock(clock))
	calc, err := distribution.New(distribution.DefaultRates(), distribution.WithLogger(logger))
	require.NoError(t, err)
	svc := recording.New(st, reg, seq, calc, recording.WithLogger(logger), recording.WithClock(clock))

	filer := fiscal.Agent{Matricule: "F-1", Name: "Filer"}
	require.NoError(t, st.SaveAgent(ctx, &filer))
	m, err := reg.Create(ctx, june)
	require.NoError(t, err)
	_, _, err = reg.Activate(ctx, m.Identifier)
	require.NoError(t, err)

	// WHEN: cases are recorded concurrently
	const n = 20
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := svc.CreateCase(ctx, recording.CreateCaseRequest{
				TotalFine:    decimal.NewFromInt(1000),
				Participants: []recording.ParticipantInput{{AgentID: filer.ID, Role: fiscal.RoleFiler}},
				FirstPayment: &recording.PaymentInput{Amount: decimal.NewFromInt(100)},
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	// THEN: identifiers are 1..n with no gap
	warnings, err := seq.VerifyIntegrity(ctx, st, fiscal.DomainCase)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	warnings, err = seq.VerifyIntegrity(ctx, st, fiscal.DomainPayment)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	max, err := st.MaxIdentifier(ctx, fiscal.DomainCase, "2506", 9)
	require.NoError(t, err)
	assert.Equal(t, "250600020", max)
}

func TestRepairGapsOnSQLite(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	seq := sequence.New(sequence.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	saveCase(t, st, "250600001", june)
	saveCase(t, st, "250600004", june.Add(time.Minute))
	saveCase(t, st, "250600002", june.Add(2*time.Minute))

	report, err := seq.RepairGaps(ctx, st, fiscal.DomainCase, fiscal.PeriodOf(june))
	require.NoError(t, err)
	assert.Len(t, report.Renamed, 2)

	entries, err := st.ListIdentifiers(ctx, fiscal.DomainCase)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "250600001", entries[0].Identifier)
	assert.Equal(t, "250600002", entries[1].Identifier)
	assert.Equal(t, "250600003", entries[2].Identifier)
}

func TestMandateRepairOnSQLite_RewritesReferences(t *testing.T) {
	// GIVEN: Mandates 1 and 3 of June, 3 active, and a case recorded
	// against it through the engine
	ctx := context.Background()
	st := newStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return june }

	seq := sequence.New(sequence.WithLogger(logger))
	reg := mandate.NewRegistry(st, seq, mandate.WithLogger(logger), mandate.WithClock(clock))
	calc, err := distribution.New(distribution.DefaultRates(), distribution.WithLogger(logger))
	require.NoError(t, err)
	svc := recording.New(st, reg, seq, calc, recording.WithLogger(logger), recording.WithClock(clock))

	m1 := fiscal.Mandate{Identifier: "2506M0001", Period: fiscal.PeriodOf(june), CreatedAt: june}
	m3 := fiscal.Mandate{Identifier: "2506M0003", Period: fiscal.PeriodOf(june), CreatedAt: june.Add(time.Minute)}
	require.NoError(t, st.SaveMandate(ctx, &m1))
	require.NoError(t, st.SaveMandate(ctx, &m3))
	_, _, err = reg.Activate(ctx, m3.Identifier)
	require.NoError(t, err)

	filer := fiscal.Agent{Matricule: "F-1", Name: "Filer"}
	require.NoError(t, st.SaveAgent(ctx, &filer))
	recorded, err := svc.CreateCase(ctx, recording.CreateCaseRequest{
		TotalFine:    decimal.NewFromInt(1000),
		Participants: []recording.ParticipantInput{{AgentID: filer.ID, Role: fiscal.RoleFiler}},
		FirstPayment: &recording.PaymentInput{Amount: decimal.NewFromInt(100)},
	})
	require.NoError(t, err)
	require.Equal(t, "2506M0003", recorded.Case.MandateIdentifier)

	// WHEN: June mandates are repaired
	report, err := reg.RepairGaps(ctx, fiscal.PeriodOf(june))

	// THEN: The active mandate, its case and its payment all move to 2
	require.NoError(t, err)
	require.Len(t, report.Renamed, 1)
	active, err := reg.Require(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2506M0002", active.Identifier)

	c, err := st.FindCase(ctx, recorded.Case.ID)
	require.NoError(t, err)
	assert.Equal(t, "2506M0002", c.MandateIdentifier)
	p, err := st.FindPayment(ctx, recorded.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, "2506M0002", p.MandateIdentifier)

	// AND: Later payments attach to the renamed mandate
	more, err := svc.AddPayment(ctx, recorded.Case.ID, recording.PaymentInput{Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)
	assert.Equal(t, "2506M0002", more.Payment.MandateIdentifier)
}
