package distribution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/onomatopet/gestcontentieux/fiscal"
)

// allocate turns the leader, filer and permanent-role totals into
// per-agent allocations. Nothing is dropped: an empty list yields one
// unattributed entry carrying the whole share.
func (c *Calculator) allocate(sh fiscal.Shares, in Input) []fiscal.Allocation {
	var leaders, filers []int64
	for _, p := range in.Participants {
		switch p.Role {
		case fiscal.RoleLeader:
			leaders = append(leaders, p.AgentID)
		case fiscal.RoleFiler:
			filers = append(filers, p.AgentID)
		}
	}

	var out []fiscal.Allocation
	out = append(out, c.splitPool(fiscal.BeneficiaryLeader, sh.Leaders, leaders)...)
	out = append(out, c.splitPool(fiscal.BeneficiaryFiler, sh.Filers, filers)...)
	out = append(out, c.splitPermanent(fiscal.PermanentDepartmental, fiscal.BeneficiaryDepartmental, sh.Departmental, in)...)
	out = append(out, c.splitPermanent(fiscal.PermanentGeneral, fiscal.BeneficiaryGeneral, sh.General, in)...)
	return out
}

func (c *Calculator) splitPool(role fiscal.BeneficiaryRole, total decimal.Decimal, agents []int64) []fiscal.Allocation {
	if len(agents) == 0 {
		c.logger.Warn("unattributed distribution pool", "role", role, "amount", total)
		return []fiscal.Allocation{{Role: role, Amount: total, Unattributed: true}}
	}
	return split(role, total, agents)
}

func (c *Calculator) splitPermanent(pr fiscal.PermanentRole, role fiscal.BeneficiaryRole, total decimal.Decimal, in Input) []fiscal.Allocation {
	holders := in.PermanentHolders[pr]
	if len(holders) == 0 {
		c.logger.Warn("permanent role unassigned", "role", pr, "amount", total)
		return []fiscal.Allocation{{Role: role, Amount: total, Unattributed: true}}
	}
	ids := make([]int64, len(holders))
	for i, a := range holders {
		ids[i] = a.ID
	}
	return split(role, total, ids)
}

// split divides total evenly in whole units. The units left over go one by
// one to the first agents, so the parts always sum to total.
func split(role fiscal.BeneficiaryRole, total decimal.Decimal, agents []int64) []fiscal.Allocation {
	n := decimal.NewFromInt(int64(len(agents)))
	each := total.Div(n).Floor()
	left := total.Sub(each.Mul(n))

	out := make([]fiscal.Allocation, len(agents))
	for i, id := range agents {
		amount := each
		if left.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			amount = amount.Add(decimal.NewFromInt(1))
			left = left.Sub(decimal.NewFromInt(1))
		}
		out[i] = fiscal.Allocation{AgentID: id, Role: role, Amount: amount}
	}
	// Fractional remainder of a non-integer total stays with the first agent.
	if left.IsPositive() {
		out[0].Amount = out[0].Amount.Add(left)
	}
	return out
}

// LoadPermanentHolders reads the current holder of every permanent role.
func LoadPermanentHolders(ctx context.Context, src fiscal.AgentStore) (map[fiscal.PermanentRole][]fiscal.Agent, error) {
	out := make(map[fiscal.PermanentRole][]fiscal.Agent, len(fiscal.PermanentRoles))
	for _, pr := range fiscal.PermanentRoles {
		agents, err := src.AgentsByPermanentRole(ctx, pr)
		if err != nil {
			return nil, fmt.Errorf("load %s holders: %w", pr, err)
		}
		out[pr] = agents
	}
	return out, nil
}
