/*
handlers_test.go - Tests for the HTTP API

Tests for:
- Mandate lifecycle endpoints
- Case creation, payments and balance
- Error category to status mapping
- Preview, integrity, repair, audit and metrics endpoints
*/
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onomatopet/gestcontentieux/distribution"
	"github.com/onomatopet/gestcontentieux/fiscal"
	"github.com/onomatopet/gestcontentieux/fiscal/store"
	"github.com/onomatopet/gestcontentieux/mandate"
	"github.com/onomatopet/gestcontentieux/metrics"
	"github.com/onomatopet/gestcontentieux/recording"
	"github.com/onomatopet/gestcontentieux/sequence"
)

var june = time.Date(2025, time.June, 12, 9, 0, 0, 0, time.UTC)

type apiFixture struct {
	t      *testing.T
	store  *store.Memory
	router http.Handler
	leader fiscal.Agent
	filer  fiscal.Agent
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return june }
	identity := fiscal.ContextIdentity("anonymous")
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	st := store.NewMemory()
	seq := sequence.New(sequence.WithLogger(logger), sequence.WithMetrics(m))
	mandates := mandate.NewRegistry(st, seq, mandate.WithLogger(logger), mandate.WithClock(clock),
		mandate.WithIdentity(identity), mandate.WithMetrics(m))
	calc, err := distribution.New(distribution.DefaultRates(), distribution.WithLogger(logger))
	require.NoError(t, err)
	svc := recording.New(st, mandates, seq, calc,
		recording.WithLogger(logger), recording.WithClock(clock),
		recording.WithIdentity(identity), recording.WithMetrics(m))

	h := NewHandler(st, mandates, svc, calc, seq, logger)
	h.now = clock

	f := &apiFixture{t: t, store: st, router: NewRouter(h, reg)}
	ctx := context.Background()
	f.leader = fiscal.Agent{Matricule: "L-1", Name: "Leader"}
	f.filer = fiscal.Agent{Matricule: "F-1", Name: "Filer"}
	for _, a := range []*fiscal.Agent{&f.leader, &f.filer,
		{Matricule: "D-1", Name: "DD", PermanentRole: fiscal.PermanentDepartmental},
		{Matricule: "G-1", Name: "DG", PermanentRole: fiscal.PermanentGeneral},
	} {
		require.NoError(t, st.SaveAgent(ctx, a))
	}
	return f
}

func (f *apiFixture) do(method, path, body, user string) *httptest.ResponseRecorder {
	f.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *apiFixture) activateJune() string {
	f.t.Helper()
	rec := f.do(http.MethodPost, "/api/mandates", `{"date":"2025-06-01"}`, "")
	require.Equal(f.t, http.StatusCreated, rec.Code, rec.Body.String())
	m := decode[MandateDTO](f.t, rec)
	rec = f.do(http.MethodPost, "/api/mandates/"+m.Identifier+"/activate", "", "")
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
	return m.Identifier
}

func (f *apiFixture) caseBody(fine, paid string) string {
	return `{"total_fine":"` + fine + `","participants":[` +
		`{"agent_id":` + itoa(f.leader.ID) + `,"role":"chef"},` +
		`{"agent_id":` + itoa(f.filer.ID) + `,"role":"saisissant"}],` +
		`"first_payment":{"amount":"` + paid + `"}}`
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// =============================================================================
// MANDATES
// =============================================================================

func TestMandateEndpoints_Lifecycle(t *testing.T) {
	f := newAPIFixture(t)

	// GIVEN: A mandate created for June, not yet active
	rec := f.do(http.MethodPost, "/api/mandates", `{"date":"2025-06-01"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[MandateDTO](t, rec)
	assert.Equal(t, "2506M0001", created.Identifier)
	assert.Equal(t, "2025-06-01", created.Start)
	assert.Equal(t, "2025-06-30", created.End)
	assert.False(t, created.Active)

	rec = f.do(http.MethodGet, "/api/mandates/active", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// WHEN: It is activated
	rec = f.do(http.MethodPost, "/api/mandates/2506M0001/activate", "", "")

	// THEN: It is the active mandate
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	act := decode[ActivationDTO](t, rec)
	assert.Equal(t, "2506M0001", act.Active.Identifier)
	assert.True(t, act.Active.Active)
	assert.Empty(t, act.Warnings)

	rec = f.do(http.MethodGet, "/api/mandates/active", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2506M0001", decode[MandateDTO](t, rec).Identifier)

	rec = f.do(http.MethodGet, "/api/mandates", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]MandateDTO](t, rec), 1)
}

func TestMandateEndpoints_ActivateReturnsStraddlingCasesOnce(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	// GIVEN: A June mandate holding a case recorded on 30 May
	m := fiscal.Mandate{Identifier: "2506M0001", Period: fiscal.PeriodOf(june), CreatedAt: june}
	require.NoError(t, f.store.SaveMandate(ctx, &m))
	c := fiscal.Case{Identifier: "250500007", MandateIdentifier: m.Identifier, Status: fiscal.CaseOpen,
		CreatedAt: time.Date(2025, time.May, 30, 17, 0, 0, 0, time.UTC)}
	require.NoError(t, f.store.SaveCase(ctx, &c))

	// WHEN: It is activated
	rec := f.do(http.MethodPost, "/api/mandates/2506M0001/activate", "", "")

	// THEN: Activation succeeds and reports the case a single time
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	act := decode[ActivationDTO](t, rec)
	assert.Equal(t, "2506M0001", act.Active.Identifier)
	assert.True(t, act.Active.Active)
	require.Len(t, act.Warnings, 1)
	assert.Contains(t, act.Warnings[0], "250500007")
}

func TestMandateEndpoints_EmptyBodyUsesToday(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/mandates", "", "")

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "2506", decode[MandateDTO](t, rec).Period)
}

func TestMandateEndpoints_ActivateUnknownIsNotFound(t *testing.T) {
	f := newAPIFixture(t)
	f.activateJune()

	rec := f.do(http.MethodPost, "/api/mandates/2506M0042/activate", "", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(http.MethodGet, "/api/mandates/active", "", "")
	assert.Equal(t, "2506M0001", decode[MandateDTO](t, rec).Identifier)
}

func TestMandateEndpoints_InvalidDate(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/mandates", `{"date":"June"}`, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// AGENTS
// =============================================================================

func TestAgentEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/agents", `{"matricule":"S-9","name":"Seizer"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decode[AgentDTO](t, rec)
	assert.NotZero(t, a.ID)
	assert.Empty(t, a.PermanentRole)

	rec = f.do(http.MethodGet, "/api/agents", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AgentDTO](t, rec), 5)

	rec = f.do(http.MethodPost, "/api/agents", `{"matricule":"X","name":"X","permanent_role":"mayor"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/agents", `{"name":"No matricule"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CASES
// =============================================================================

func TestCreateCase_RecordsAndDistributes(t *testing.T) {
	f := newAPIFixture(t)
	f.activateJune()

	// WHEN: A case is created and paid in full by alice
	rec := f.do(http.MethodPost, "/api/cases", f.caseBody("100000", "100000"), "alice")

	// THEN: Both identifiers are minted and the payment is distributed
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[CaseRecordedDTO](t, rec)
	assert.Equal(t, "250600001", out.Case.Identifier)
	assert.Equal(t, "2506M0001", out.Case.Mandate)
	assert.Equal(t, "alice", out.Case.CreatedBy)
	assert.Equal(t, "2506R00001", out.Payment.Identifier)
	assert.Equal(t, "2025-06-12", out.Payment.ReceivedAt)
	assert.True(t, out.CaseClosed)
	assert.Empty(t, out.Warnings)
	assert.Len(t, out.Participants, 2)

	sh := out.Distribution.Shares
	assert.Equal(t, "10000", sh.Fund.String())
	assert.Equal(t, "15000", sh.Treasury.String())
	assert.Equal(t, "10688", sh.Leaders.String())
	assert.Equal(t, "24938", sh.Filers.String())
	assert.True(t, out.Distribution.Reconciled)

	// AND: The audit trail names alice
	rec = f.do(http.MethodGet, "/api/audit", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var recorded *AuditEntryDTO
	entries := decode[[]AuditEntryDTO](t, rec)
	for i := range entries {
		if entries[i].Action == string(fiscal.AuditCaseRecorded) {
			recorded = &entries[i]
		}
	}
	require.NotNil(t, recorded)
	assert.Equal(t, "alice", recorded.Actor)
	assert.Equal(t, "250600001", recorded.Subject)
}

func TestCreateCase_ErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		activate bool
		body     func(f *apiFixture) string
		status   int
	}{
		{"no active mandate", false, func(f *apiFixture) string { return f.caseBody("1000", "500") }, http.StatusConflict},
		{"zero first payment", true, func(f *apiFixture) string { return f.caseBody("1000", "0") }, http.StatusBadRequest},
		{"payment above fine", true, func(f *apiFixture) string { return f.caseBody("1000", "1001") }, http.StatusBadRequest},
		{"missing first payment", true, func(*apiFixture) string {
			return `{"total_fine":"1000","participants":[{"agent_id":2,"role":"saisissant"}]}`
		}, http.StatusBadRequest},
		{"malformed json", true, func(*apiFixture) string { return `{"total_fine":` }, http.StatusBadRequest},
		{"bad received date", true, func(f *apiFixture) string {
			return strings.Replace(f.caseBody("1000", "500"), `"amount":"500"`, `"amount":"500","received_at":"12/06"`, 1)
		}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAPIFixture(t)
			if tt.activate {
				f.activateJune()
			}

			rec := f.do(http.MethodPost, "/api/cases", tt.body(f), "")

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestAddPayment_UntilClosed(t *testing.T) {
	f := newAPIFixture(t)
	f.activateJune()

	// GIVEN: A case of 100000 with 40000 paid
	rec := f.do(http.MethodPost, "/api/cases", f.caseBody("100000", "40000"), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[CaseRecordedDTO](t, rec)
	assert.False(t, created.CaseClosed)
	path := "/api/cases/" + itoa(created.Case.ID)

	rec = f.do(http.MethodGet, path, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "60000", decode[CaseSummaryDTO](t, rec).Remaining.String())

	// WHEN: More than the balance is offered
	rec = f.do(http.MethodPost, path+"/payments", `{"amount":"60001"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN: The balance is paid
	rec = f.do(http.MethodPost, path+"/payments", `{"amount":60000}`, "")

	// THEN: The case closes
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	paid := decode[PaymentRecordedDTO](t, rec)
	assert.Equal(t, "2506R00002", paid.Payment.Identifier)
	assert.True(t, paid.CaseClosed)

	rec = f.do(http.MethodGet, path, "", "")
	sum := decode[CaseSummaryDTO](t, rec)
	assert.Equal(t, string(fiscal.CaseClosed), sum.Case.Status)
	assert.Equal(t, "100000", sum.Paid.String())
	assert.Len(t, sum.Payments, 2)

	// AND: Further payments conflict
	rec = f.do(http.MethodPost, path+"/payments", `{"amount":"1"}`, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCaseEndpoints_NotFoundAndBadID(t *testing.T) {
	f := newAPIFixture(t)
	f.activateJune()

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/cases/99", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/cases/abc", "", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/cases/99/payments", `{"amount":"5"}`, "").Code)
}

// =============================================================================
// DISTRIBUTION
// =============================================================================

func TestGetDistribution(t *testing.T) {
	f := newAPIFixture(t)
	f.activateJune()
	rec := f.do(http.MethodPost, "/api/cases", f.caseBody("100000", "100000"), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[CaseRecordedDTO](t, rec)

	rec = f.do(http.MethodGet, "/api/payments/"+itoa(created.Payment.ID)+"/distribution", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	dist := decode[DistributionDTO](t, rec)
	assert.Equal(t, created.Payment.ID, dist.PaymentID)
	assert.Equal(t, "21375", dist.Shares.CommonPool.String())
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/payments/77/distribution", "", "").Code)
}

func TestPreviewDistribution(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/api/distribution/preview?gross=100000&indicator=true&filers="+itoa(f.filer.ID), "", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dist := decode[DistributionDTO](t, rec)
	assert.Equal(t, "10000", dist.Shares.Indicator.String())
	assert.Equal(t, "90000", dist.Shares.NetProduct.String())

	roles := map[string]bool{}
	for _, a := range dist.Allocations {
		roles[a.Role] = true
	}
	assert.True(t, roles[string(fiscal.BeneficiaryDepartmental)])
	assert.True(t, roles[string(fiscal.BeneficiaryGeneral)])
	assert.True(t, roles[string(fiscal.BeneficiaryFiler)])

	// Nothing is persisted.
	entries, err := f.store.ListAudit(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/distribution/preview?gross=lots", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/distribution/preview?gross=-5", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/distribution/preview?gross=5&leaders=a", "", "").Code)
}

// =============================================================================
// SEQUENCES, AUDIT, METRICS
// =============================================================================

func TestSequenceEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.activateJune()
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/cases", f.caseBody("10", "10"), "").Code)

	rec := f.do(http.MethodGet, "/api/sequences/case/integrity", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[IntegrityDTO](t, rec)
	assert.Equal(t, "case", report.Domain)
	assert.Empty(t, report.Warnings)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/sequences/invoice/integrity", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/admin/sequences/case/repair", "", "").Code)

	rec = f.do(http.MethodPost, "/api/admin/sequences/case/repair?period=2506", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	repair := decode[RepairDTO](t, rec)
	assert.Equal(t, "2506", repair.Prefix)
	assert.Empty(t, repair.Renamed)
}

func TestSequenceEndpoints_MandateRepairFollowsActiveMandate(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	// GIVEN: Mandates 1 and 3 of June, 3 active with a case recorded
	for i, id := range []string{"2506M0001", "2506M0003"} {
		m := fiscal.Mandate{Identifier: id, Period: fiscal.PeriodOf(june), CreatedAt: june.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, f.store.SaveMandate(ctx, &m))
	}
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/mandates/2506M0003/activate", "", "").Code)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/cases", f.caseBody("10", "5"), "").Code)

	// WHEN: The mandate sequence of June is repaired
	rec := f.do(http.MethodPost, "/api/admin/sequences/mandate/repair?period=2506", "", "")

	// THEN: Mandate 3 became 2
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	repair := decode[RepairDTO](t, rec)
	assert.Equal(t, "mandate", repair.Domain)
	assert.Equal(t, "2506M", repair.Prefix)
	require.Len(t, repair.Renamed, 1)
	assert.Equal(t, "2506M0003", repair.Renamed[0].From)
	assert.Equal(t, "2506M0002", repair.Renamed[0].To)

	// AND: The active mandate and the case follow the rename
	rec = f.do(http.MethodGet, "/api/mandates/active", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2506M0002", decode[MandateDTO](t, rec).Identifier)
	cases, err := f.store.CasesByMandate(ctx, "2506M0002")
	require.NoError(t, err)
	assert.Len(t, cases, 1)

	// AND: Recording continues against the renamed mandate
	rec = f.do(http.MethodPost, "/api/cases", f.caseBody("10", "5"), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cases, err = f.store.CasesByMandate(ctx, "2506M0002")
	require.NoError(t, err)
	assert.Len(t, cases, 2)
}

func TestAuditEndpoint_RejectsBadLimit(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/audit?limit=0", "", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/audit?limit=5", "", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.activateJune()

	rec := f.do(http.MethodGet, "/metrics", "", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gestcontentieux_mandate_activations_total 1")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fiscal.Invalid("amount", "must be positive"), http.StatusBadRequest},
		{fiscal.ErrNotFound, http.StatusNotFound},
		{fiscal.ErrMandateNotFound, http.StatusNotFound},
		{fiscal.ErrNoActiveMandate, http.StatusConflict},
		{fiscal.ErrDuplicateIdentifier, http.StatusConflict},
		{&fiscal.CapacityExceededError{Domain: fiscal.DomainCase, Prefix: "2506", Limit: 99999}, http.StatusInsufficientStorage},
		{context.Canceled, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}
