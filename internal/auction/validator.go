package auction

import (
	"fmt"
	"math"
	"strings"

	"github.com/ovhl/bidding-server/pkg/errors"
	"github.com/ovhl/bidding-server/pkg/types"
	"github.com/ovhl/bidding-server/pkg/utils"
)

const (
	ReasonExceedsCap          = "exceeds salary cap"
	ReasonInsufficientReserve = "insufficient remaining cap for minimum roster"
)

// TeamFinances is a team's cap position in one tier at the time of a bid.
type TeamFinances struct {
	RosterCost int64                // sum of rostered contracts
	Committed  int64                // sum of bids the team currently leads
	Counts     types.PositionCounts // rostered players per position group
}

// Decision is the outcome of a salary cap check.
type Decision struct {
	Accepted      bool                 `json:"accepted"`
	Reason        string               `json:"reason,omitempty"`
	Detail        string               `json:"detail,omitempty"`
	AdjustedTotal int64                `json:"adjustedTotal"`
	MinReserve    int64                `json:"minReserve"`
	Needed        types.PositionCounts `json:"needed"`
}

// Err returns the rejection as a validation error, nil when accepted.
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	code := errors.ErrExceedsSalaryCap
	if d.Reason == ReasonInsufficientReserve {
		code = errors.ErrInsufficientReserve
	}
	return errors.Validation(code, d.Reason+": "+d.Detail)
}

// Validate decides whether a team may carry a proposed bid under salaryCap.
// existing is the team's current leading bid on the same player, which the
// new bid replaces. The player being bid on is not removed from the remaining
// roster need. Validate has no side effects; the API's advisory check and the
// engine both call it.
func Validate(rules types.RosterRules, salaryCap int64, team TeamFinances, proposed, existing int64) Decision {
	d := Decision{
		AdjustedTotal: addSat(addSat(team.RosterCost, team.Committed), subSat(proposed, existing)),
	}
	if proposed > salaryCap || d.AdjustedTotal > salaryCap {
		d.Reason = ReasonExceedsCap
		d.Detail = fmt.Sprintf("bid would bring the team to %s against a cap of %s",
			utils.FormatMoney(d.AdjustedTotal), utils.FormatMoney(salaryCap))
		return d
	}

	d.Needed = types.PositionCounts{
		Forwards: max(0, rules.MinForwards-team.Counts.Forwards),
		Defense:  max(0, rules.MinDefense-team.Counts.Defense),
		Goalies:  max(0, rules.MinGoalies-team.Counts.Goalies),
	}
	slots := int64(d.Needed.Forwards + d.Needed.Defense + d.Needed.Goalies)
	d.MinReserve = slots * rules.MinSlotSalary

	if subSat(salaryCap, d.AdjustedTotal) < d.MinReserve {
		d.Reason = ReasonInsufficientReserve
		d.Detail = fmt.Sprintf("still need %s at minimum salary (%s)",
			describeNeed(d.Needed), utils.FormatMoney(d.MinReserve))
		return d
	}

	d.Accepted = true
	return d
}

// addSat adds two amounts, clamping at the int64 limits instead of wrapping,
// so an oversized bid can never come out as a small total.
func addSat(a, b int64) int64 {
	s := a + b
	switch {
	case a > 0 && b > 0 && s < 0:
		return math.MaxInt64
	case a < 0 && b < 0 && s >= 0:
		return math.MinInt64
	}
	return s
}

func subSat(a, b int64) int64 {
	if b == math.MinInt64 {
		if a >= 0 {
			return math.MaxInt64
		}
		return a - b
	}
	return addSat(a, -b)
}

func describeNeed(n types.PositionCounts) string {
	var parts []string
	if n.Forwards > 0 {
		parts = append(parts, fmt.Sprintf("%d forwards", n.Forwards))
	}
	if n.Defense > 0 {
		parts = append(parts, fmt.Sprintf("%d defense", n.Defense))
	}
	if n.Goalies > 0 {
		parts = append(parts, fmt.Sprintf("%d goalies", n.Goalies))
	}
	return strings.Join(parts, ", ")
}
