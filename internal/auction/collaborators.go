package auction

import (
	"context"

	"github.com/ovhl/bidding-server/pkg/types"
)

// Authorizer decides whether a user may act for a team.
type Authorizer interface {
	IsAuthorizedForTeam(ctx context.Context, userID, teamID string) (bool, error)
}

// RosterRepository is the persistent league storage: tiers, team seasons,
// rosters and contracts. AssignPlayerToTeam must be idempotent.
type RosterRepository interface {
	GetTier(ctx context.Context, leagueID string) (types.Tier, error)
	GetTeamSeason(ctx context.Context, teamID, tierID string) (types.TeamSeason, error)
	GetTeamRosterCost(ctx context.Context, teamID, tierID string) (int64, error)
	GetRosterPositionCounts(ctx context.Context, teamID, tierID string) (types.PositionCounts, error)
	AssignPlayerToTeam(ctx context.Context, playerID, teamSeasonID string) error
	UpdateContractAmount(ctx context.Context, contractID string, amount int64) error
	ClearAuctionFlag(ctx context.Context, playerID string) error
}

// EligibilitySource lists the players that go up for bidding in a tier.
type EligibilitySource interface {
	ListEligiblePlayers(ctx context.Context, tierID string) ([]types.EligiblePlayer, error)
}

// ManagerDirectory resolves the users managing a team.
type ManagerDirectory interface {
	ListTeamManagers(ctx context.Context, teamID string) ([]string, error)
}

// Transport delivers a notification to one user.
type Transport interface {
	Send(ctx context.Context, userID string, n types.Notification) error
}

// MultiTransport delivers to every transport and returns the first error.
type MultiTransport []Transport

func (m MultiTransport) Send(ctx context.Context, userID string, n types.Notification) error {
	var first error
	for _, t := range m {
		if err := t.Send(ctx, userID, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
