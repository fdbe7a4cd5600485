/*
handlers.go - HTTP API handlers for the contentious-fines engine

PURPOSE:
  Exposes mandate management, case and payment recording, distribution
  lookups and sequence maintenance over REST. Handlers parse and validate
  the request, delegate to the engine and serialize the result.

ENDPOINTS:
  Mandates:
    GET    /api/mandates                       List mandates
    POST   /api/mandates                       Create the next mandate for a date
    GET    /api/mandates/active                Active mandate
    POST   /api/mandates/{identifier}/activate Activate a mandate

  Agents:
    GET    /api/agents                         List agents
    POST   /api/agents                         Create agent

  Cases:
    POST   /api/cases                          Create case with its first payment
    GET    /api/cases/{id}                     Case summary and balance
    POST   /api/cases/{id}/payments            Add a payment

  Distribution:
    GET    /api/payments/{id}/distribution     Persisted distribution
    GET    /api/distribution/preview           Compute without persisting

  Sequences:
    GET    /api/sequences/{domain}/integrity   Gap report, read-only
    POST   /api/admin/sequences/{domain}/repair?period=YYMM

  Audit:
    GET    /api/audit                          Newest entries first

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the error category:
  - 400: Validation errors, invalid input
  - 404: Record not found
  - 409: State conflict (no active mandate, case closed, duplicate)
  - 507: Sequence capacity exceeded, needs an operator
  - 500: Internal errors

IDENTITY:
  The acting user is taken from the X-User-ID header and stamped on every
  record and audit entry. There is no authentication.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/onomatopet/gestcontentieux/distribution"
	"github.com/onomatopet/gestcontentieux/fiscal"
	"github.com/onomatopet/gestcontentieux/mandate"
	"github.com/onomatopet/gestcontentieux/recording"
	"github.com/onomatopet/gestcontentieux/sequence"
)

const dateLayout = "2006-01-02"

// UserHeader carries the acting user.
const UserHeader = "X-User-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      fiscal.TxStore
	Mandates   *mandate.Registry
	Recording  *recording.Service
	Calculator *distribution.Calculator
	Sequences  *sequence.Generator
	Logger     *slog.Logger

	now func() time.Time
}

func NewHandler(store fiscal.TxStore, mandates *mandate.Registry, rec *recording.Service,
	calc *distribution.Calculator, seq *sequence.Generator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:      store,
		Mandates:   mandates,
		Recording:  rec,
		Calculator: calc,
		Sequences:  seq,
		Logger:     logger,
		now:        time.Now,
	}
}

// =============================================================================
// MANDATE HANDLERS
// =============================================================================

// ListMandates returns every mandate.
// GET /api/mandates
func (h *Handler) ListMandates(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Mandates.List(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list mandates", err)
		return
	}
	dtos := make([]MandateDTO, len(ms))
	for i, m := range ms {
		dtos[i] = toMandateDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateMandate creates the next, inactive mandate of a month.
// POST /api/mandates
func (h *Handler) CreateMandate(w http.ResponseWriter, r *http.Request) {
	var req CreateMandateRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	date := h.now()
	if req.Date != "" {
		d, err := time.Parse(dateLayout, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD", err)
			return
		}
		date = d
	}

	m, err := h.Mandates.Create(r.Context(), date)
	if err != nil {
		h.fail(w, r, "Failed to create mandate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMandateDTO(m))
}

// GetActiveMandate returns the active mandate, 404 when none is active.
// GET /api/mandates/active
func (h *Handler) GetActiveMandate(w http.ResponseWriter, r *http.Request) {
	m, ok, err := h.Mandates.ActiveMandate(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to read active mandate", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "No active mandate", nil)
		return
	}
	writeJSON(w, http.StatusOK, toMandateDTO(m))
}

// ActivateMandate makes a mandate the single active one. Cases recorded
// against it outside its month are returned as warnings.
// POST /api/mandates/{identifier}/activate
func (h *Handler) ActivateMandate(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")

	m, straddling, err := h.Mandates.Activate(r.Context(), identifier)
	if err != nil {
		h.fail(w, r, "Failed to activate mandate", err)
		return
	}

	resp := ActivationDTO{Active: toMandateDTO(m), Warnings: []string{}}
	for _, s := range straddling {
		resp.Warnings = append(resp.Warnings, s.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// AGENT HANDLERS
// =============================================================================

// ListAgents returns all agents.
// GET /api/agents
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Store.ListAgents(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list agents", err)
		return
	}
	dtos := make([]AgentDTO, len(agents))
	for i, a := range agents {
		dtos[i] = toAgentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAgent registers an agent, optionally holding a permanent role.
// POST /api/agents
func (h *Handler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.Matricule = strings.TrimSpace(req.Matricule)
	req.Name = strings.TrimSpace(req.Name)
	if req.Matricule == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "matricule and name are required", nil)
		return
	}
	role := fiscal.PermanentRole(req.PermanentRole)
	if !validPermanentRole(role) {
		writeError(w, http.StatusBadRequest, "Unknown permanent role", nil)
		return
	}

	a := fiscal.Agent{Matricule: req.Matricule, Name: req.Name, PermanentRole: role}
	if err := h.Store.SaveAgent(r.Context(), &a); err != nil {
		h.fail(w, r, "Failed to create agent", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentDTO(a))
}

func validPermanentRole(role fiscal.PermanentRole) bool {
	if role == fiscal.PermanentNone {
		return true
	}
	for _, pr := range fiscal.PermanentRoles {
		if role == pr {
			return true
		}
	}
	return false
}

// =============================================================================
// CASE HANDLERS
// =============================================================================

// CreateCase records a case together with its first payment.
// POST /api/cases
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req CreateCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := recording.CreateCaseRequest{
		TotalFine:    req.TotalFine,
		HasIndicator: req.HasIndicator,
		Description:  req.Description,
		Participants: make([]recording.ParticipantInput, len(req.Participants)),
	}
	for i, p := range req.Participants {
		in.Participants[i] = recording.ParticipantInput{AgentID: p.AgentID, Role: fiscal.ParticipantRole(p.Role)}
	}
	if req.FirstPayment != nil {
		pay, err := parsePayment(*req.FirstPayment)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid first payment", err)
			return
		}
		in.FirstPayment = &pay
	}

	out, err := h.Recording.CreateCase(r.Context(), in)
	if err != nil {
		h.fail(w, r, "Failed to create case", err)
		return
	}
	writeJSON(w, http.StatusCreated, CaseRecordedDTO{
		Case:               toCaseDTO(out.Case),
		Participants:       toParticipantDTOs(out.Participants),
		PaymentRecordedDTO: toPaymentRecordedDTO(out.PaymentRecorded),
	})
}

// GetCase returns a case with its payments and remaining balance.
// GET /api/cases/{id}
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	sum, err := h.Recording.CaseSummary(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get case", err)
		return
	}
	payments := make([]PaymentDTO, len(sum.Payments))
	for i, p := range sum.Payments {
		payments[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, CaseSummaryDTO{
		Case:         toCaseDTO(sum.Case),
		Participants: toParticipantDTOs(sum.Participants),
		Payments:     payments,
		Paid:         sum.Paid,
		Remaining:    sum.Remaining,
	})
}

// AddPayment records a further payment against an open case.
// POST /api/cases/{id}/payments
func (h *Handler) AddPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	pay, err := parsePayment(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment", err)
		return
	}

	out, err := h.Recording.AddPayment(r.Context(), id, pay)
	if err != nil {
		h.fail(w, r, "Failed to add payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentRecordedDTO(out))
}

func parsePayment(req PaymentRequest) (recording.PaymentInput, error) {
	in := recording.PaymentInput{Amount: req.Amount}
	if req.ReceivedAt != "" {
		d, err := time.Parse(dateLayout, req.ReceivedAt)
		if err != nil {
			return in, fiscal.Invalid("received_at", "expected YYYY-MM-DD, got %q", req.ReceivedAt)
		}
		in.ReceivedAt = d
	}
	return in, nil
}

// =============================================================================
// DISTRIBUTION HANDLERS
// =============================================================================

// GetDistribution returns the distribution persisted with a payment.
// GET /api/payments/{id}/distribution
func (h *Handler) GetDistribution(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	d, err := h.Recording.Distribution(r.Context(), id)
	if err != nil {
		h.fail(w, r, "Failed to get distribution", err)
		return
	}
	writeJSON(w, http.StatusOK, toDistributionDTO(d))
}

// PreviewDistribution computes a distribution without persisting it.
// Query: gross (required), indicator=true|false, leaders and filers as
// comma-separated agent ids.
// GET /api/distribution/preview
func (h *Handler) PreviewDistribution(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	gross, err := decimal.NewFromString(q.Get("gross"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid gross amount", err)
		return
	}
	indicator := false
	if v := q.Get("indicator"); v != "" {
		if indicator, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid indicator flag", err)
			return
		}
	}

	var parts []fiscal.Participant
	for _, p := range []struct {
		key  string
		role fiscal.ParticipantRole
	}{{"leaders", fiscal.RoleLeader}, {"filers", fiscal.RoleFiler}} {
		ids, err := parseIDList(q.Get(p.key))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+p.key, err)
			return
		}
		for _, id := range ids {
			parts = append(parts, fiscal.Participant{AgentID: id, Role: p.role})
		}
	}

	holders, err := distribution.LoadPermanentHolders(r.Context(), h.Store)
	if err != nil {
		h.fail(w, r, "Failed to load permanent roles", err)
		return
	}
	res, err := h.Calculator.Compute(distribution.Input{
		Gross:            gross,
		HasIndicator:     indicator,
		Participants:     parts,
		PermanentHolders: holders,
	})
	if err != nil {
		h.fail(w, r, "Failed to compute distribution", err)
		return
	}
	writeJSON(w, http.StatusOK, toDistributionDTO(res.Record(0)))
}

func parseIDList(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []int64
	for _, f := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// =============================================================================
// SEQUENCE HANDLERS
// =============================================================================

// VerifySequence reports gaps in a domain's identifiers. Never mutates.
// GET /api/sequences/{domain}/integrity
func (h *Handler) VerifySequence(w http.ResponseWriter, r *http.Request) {
	d, err := fiscal.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		h.fail(w, r, "Unknown sequence domain", err)
		return
	}
	warnings, err := h.Sequences.VerifyIntegrity(r.Context(), h.Store, d)
	if err != nil {
		h.fail(w, r, "Failed to verify sequence", err)
		return
	}
	writeJSON(w, http.StatusOK, toIntegrityDTO(d, warnings))
}

// RepairSequence renumbers one period of a domain. Destructive.
// POST /api/admin/sequences/{domain}/repair?period=YYMM
func (h *Handler) RepairSequence(w http.ResponseWriter, r *http.Request) {
	d, err := fiscal.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		h.fail(w, r, "Unknown sequence domain", err)
		return
	}
	p, err := fiscal.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		h.fail(w, r, "Invalid period", err)
		return
	}

	var report sequence.RepairReport
	if d == fiscal.DomainMandate {
		// Mandate renames must reach the registry cache and the references.
		report, err = h.Mandates.RepairGaps(r.Context(), p)
	} else {
		report, err = h.Sequences.RepairGaps(r.Context(), h.Store, d, p)
	}
	if err != nil {
		h.fail(w, r, "Failed to repair sequence", err)
		return
	}
	writeJSON(w, http.StatusOK, toRepairDTO(report))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListAudit returns the newest audit entries.
// GET /api/audit?limit=N (default 100)
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	entries, err := h.Store.ListAudit(r.Context(), limit)
	if err != nil {
		h.fail(w, r, "Failed to list audit entries", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:        e.ID,
			Timestamp: e.Timestamp,
			Actor:     e.ActorID,
			Action:    string(e.Action),
			Subject:   e.Subject,
			Payload:   e.Payload,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// Identify stores the X-User-ID header in the request context, where
// fiscal.ContextIdentity finds it.
func Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := strings.TrimSpace(r.Header.Get(UserHeader)); user != "" {
			r = r.WithContext(fiscal.WithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

// decodeOptional decodes the body into v unless it is empty.
func decodeOptional(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

// statusFor maps the engine's error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case fiscal.IsClientError(err):
		return http.StatusBadRequest
	case fiscal.IsNotFound(err):
		return http.StatusNotFound
	case fiscal.IsStateConflict(err):
		return http.StatusConflict
	case fiscal.IsFatal(err):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Server-side failures are logged;
// their details are not sent to the client.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	switch {
	case status == http.StatusInsufficientStorage:
		h.Logger.Error(message, "path", r.URL.Path, "error", err, "escalate", true)
	case status >= http.StatusInternalServerError:
		h.Logger.Error(message, "path", r.URL.Path, "error", err)
		writeError(w, status, message, nil)
		return
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
