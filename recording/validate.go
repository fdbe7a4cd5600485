package recording

import (
	"github.com/onomatopet/gestcontentieux/fiscal"
)

// validateCase checks a creation request without touching the store.
func validateCase(req CreateCaseRequest) error {
	if req.FirstPayment == nil {
		return fiscal.Invalid("first_payment", "a case cannot be recorded without its first payment")
	}
	if err := validateAmount(req.FirstPayment); err != nil {
		return err
	}
	if !req.TotalFine.IsPositive() {
		return fiscal.Invalid("total_fine", "must be positive, got %s", req.TotalFine)
	}
	if req.FirstPayment.Amount.GreaterThan(req.TotalFine) {
		return fiscal.Invalid("first_payment", "amount %s exceeds the total fine %s",
			req.FirstPayment.Amount, req.TotalFine)
	}

	if len(req.Participants) == 0 {
		return fiscal.Invalid("participants", "at least one participant is required")
	}
	type key struct {
		agent int64
		role  fiscal.ParticipantRole
	}
	seen := make(map[key]bool, len(req.Participants))
	filers := 0
	for _, p := range req.Participants {
		if !p.Role.Valid() {
			return fiscal.Invalid("participants", "unknown role %q", p.Role)
		}
		if p.AgentID <= 0 {
			return fiscal.Invalid("participants", "agent id is required")
		}
		k := key{p.AgentID, p.Role}
		if seen[k] {
			return fiscal.Invalid("participants", "agent %d listed twice as %s", p.AgentID, p.Role)
		}
		seen[k] = true
		if p.Role == fiscal.RoleFiler {
			filers++
		}
	}
	if filers == 0 {
		return fiscal.Invalid("participants", "at least one filer is required")
	}
	return nil
}

func validateAmount(p *PaymentInput) error {
	if !p.Amount.IsPositive() {
		return fiscal.Invalid("amount", "must be positive, got %s", p.Amount)
	}
	return nil
}
