// Package auctiontest provides in-memory collaborators for auction tests.
package auctiontest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ovhl/bidding-server/internal/auction"
	"github.com/ovhl/bidding-server/pkg/types"
)

// Roster is an in-memory auction.RosterRepository and EligibilitySource.
type Roster struct {
	mu sync.Mutex

	Tiers       map[string]types.Tier           // by league
	TeamSeasons map[string]types.TeamSeason     // by teamID+"/"+tierID
	Costs       map[string]int64                // by teamID+"/"+tierID
	Counts      map[string]types.PositionCounts // by teamID+"/"+tierID
	Eligible    map[string][]types.EligiblePlayer

	Assignments map[string]string // playerID -> teamSeasonID
	Contracts   map[string]int64  // contractID -> amount
	Cleared     map[string]bool   // playerID -> flag cleared

	// AssignErr makes AssignPlayerToTeam fail for a player.
	AssignErr   map[string]error
	AssignCalls int
}

func NewRoster() *Roster {
	return &Roster{
		Tiers:       map[string]types.Tier{},
		TeamSeasons: map[string]types.TeamSeason{},
		Costs:       map[string]int64{},
		Counts:      map[string]types.PositionCounts{},
		Eligible:    map[string][]types.EligiblePlayer{},
		Assignments: map[string]string{},
		Contracts:   map[string]int64{},
		Cleared:     map[string]bool{},
		AssignErr:   map[string]error{},
	}
}

func key(teamID, tierID string) string { return teamID + "/" + tierID }

// AddTeam registers a team in tier with a roster cost and position counts.
func (r *Roster) AddTeam(tier types.Tier, teamID, name string, cost int64, counts types.PositionCounts) types.TeamSeason {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := types.TeamSeason{ID: "ts-" + teamID, TeamID: teamID, TeamName: name, TierID: tier.ID}
	r.TeamSeasons[key(teamID, tier.ID)] = ts
	r.Costs[key(teamID, tier.ID)] = cost
	r.Counts[key(teamID, tier.ID)] = counts
	return ts
}

func (r *Roster) GetTier(_ context.Context, leagueID string) (types.Tier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tiers[leagueID]
	if !ok {
		return types.Tier{}, auction.ErrNotFound
	}
	return t, nil
}

func (r *Roster) GetTeamSeason(_ context.Context, teamID, tierID string) (types.TeamSeason, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.TeamSeasons[key(teamID, tierID)]
	if !ok {
		return types.TeamSeason{}, auction.ErrNotFound
	}
	return ts, nil
}

func (r *Roster) GetTeamRosterCost(_ context.Context, teamID, tierID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Costs[key(teamID, tierID)], nil
}

func (r *Roster) GetRosterPositionCounts(_ context.Context, teamID, tierID string) (types.PositionCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Counts[key(teamID, tierID)], nil
}

func (r *Roster) AssignPlayerToTeam(_ context.Context, playerID, teamSeasonID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.AssignCalls++
	if err := r.AssignErr[playerID]; err != nil {
		return err
	}
	r.Assignments[playerID] = teamSeasonID
	return nil
}

func (r *Roster) UpdateContractAmount(_ context.Context, contractID string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Contracts[contractID] = amount
	return nil
}

func (r *Roster) ClearAuctionFlag(_ context.Context, playerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Cleared[playerID] = true
	return nil
}

func (r *Roster) ListEligiblePlayers(_ context.Context, tierID string) ([]types.EligiblePlayer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.EligiblePlayer(nil), r.Eligible[tierID]...), nil
}

// Assigned returns the team season playerID was assigned to.
func (r *Roster) Assigned(playerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.Assignments[playerID]
	return ts, ok
}

// Authorizer grants users the teams listed for them.
type Authorizer struct {
	Teams map[string][]string // userID -> teamIDs
	Err   error
}

func (a Authorizer) IsAuthorizedForTeam(_ context.Context, userID, teamID string) (bool, error) {
	if a.Err != nil {
		return false, a.Err
	}
	for _, t := range a.Teams[userID] {
		if t == teamID {
			return true, nil
		}
	}
	return false, nil
}

// Managers is a static auction.ManagerDirectory.
type Managers map[string][]string

func (m Managers) ListTeamManagers(_ context.Context, teamID string) ([]string, error) {
	return m[teamID], nil
}

type Delivery struct {
	UserID       string
	Notification types.Notification
}

// Transport records every notification it is asked to send.
type Transport struct {
	mu         sync.Mutex
	deliveries []Delivery
	Err        error
}

func (t *Transport) Send(_ context.Context, userID string, n types.Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.deliveries = append(t.deliveries, Delivery{UserID: userID, Notification: n})
	return nil
}

func (t *Transport) Deliveries() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Delivery(nil), t.deliveries...)
}

// Outbids records outbid events synchronously.
type Outbids struct {
	mu     sync.Mutex
	events []auction.OutbidEvent
}

func (o *Outbids) NotifyOutbid(ev auction.OutbidEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *Outbids) Events() []auction.OutbidEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]auction.OutbidEvent(nil), o.events...)
}

// ConflictingStore makes the next Conflicts compare-and-swap calls fail
// with auction.ErrConflict before delegating to Store.
type ConflictingStore struct {
	auction.Store
	Conflicts atomic.Int32
	CASCalls  atomic.Int32
}

func (s *ConflictingStore) CompareAndSwap(ctx context.Context, playerID string, expectedVersion int64, rec types.AuctionRecord) (types.AuctionRecord, error) {
	s.CASCalls.Add(1)
	if s.Conflicts.Add(-1) >= 0 {
		return types.AuctionRecord{}, auction.ErrConflict
	}
	return s.Store.CompareAndSwap(ctx, playerID, expectedVersion, rec)
}
