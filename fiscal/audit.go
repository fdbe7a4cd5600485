package fiscal

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// =============================================================================
// AUDIT LOG - Separate from business records, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditMandateCreated   AuditAction = "mandate_created"
	AuditMandateActivated AuditAction = "mandate_activated"
	AuditCaseRecorded     AuditAction = "case_recorded"
	AuditPaymentRecorded  AuditAction = "payment_recorded"
	AuditCaseClosed       AuditAction = "case_closed"
	AuditSequenceRepaired AuditAction = "sequence_repaired"
)

// AuditEntry records who did what when. Append-only.
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	ActorID   string
	Action    AuditAction
	Subject   string // formatted identifier of the record acted upon
	Payload   map[string]any
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewAuditID returns a lexicographically sortable identifier, so audit
// entries list in creation order.
func NewAuditID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// NewAuditEntry stamps an entry with an id and timestamp.
func NewAuditEntry(at time.Time, actor string, action AuditAction, subject string, payload map[string]any) AuditEntry {
	return AuditEntry{
		ID:        NewAuditID(at),
		Timestamp: at.UTC(),
		ActorID:   actor,
		Action:    action,
		Subject:   subject,
		Payload:   payload,
	}
}
