package auction

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jonboulle/clockwork"
	"github.com/ovhl/bidding-server/pkg/errors"
	"github.com/ovhl/bidding-server/pkg/types"
	"github.com/ovhl/bidding-server/pkg/utils"
)

// Settings are the auction rules shared by the engine, the scheduler and
// the advisory validation endpoint.
type Settings struct {
	BidIncrement   int64
	InitialWindow  time.Duration
	AntiSnipeFloor time.Duration
	MaxCASRetries  int
	Rules          types.RosterRules
}

// OutbidNotifier receives an event each time a team loses the lead on a player.
type OutbidNotifier interface {
	NotifyOutbid(ev OutbidEvent)
}

type BidRequest struct {
	PlayerID string
	TeamID   string
	UserID   string
	LeagueID string
	Amount   int64
}

// OutbidInfo is the lead a bid took over from another team.
type OutbidInfo struct {
	TeamID         string `json:"outbidTeamId"`
	TeamName       string `json:"outbidTeamName"`
	PreviousAmount int64  `json:"previousBidAmount"`
}

type BidResult struct {
	Record types.AuctionRecord `json:"bidding"`
	Outbid *OutbidInfo         `json:"-"`
}

// Engine validates bids and applies them to auction records.
type Engine struct {
	store    Store
	roster   RosterRepository
	auth     Authorizer
	notifier OutbidNotifier
	clock    clockwork.Clock
	settings Settings
}

func NewEngine(store Store, roster RosterRepository, auth Authorizer, notifier OutbidNotifier, clock clockwork.Clock, settings Settings) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if settings.MaxCASRetries < 1 {
		settings.MaxCASRetries = 1
	}
	return &Engine{
		store:    store,
		roster:   roster,
		auth:     auth,
		notifier: notifier,
		clock:    clock,
		settings: settings,
	}
}

func (e *Engine) Settings() Settings {
	return e.settings
}

// PlaceBid validates req against the league window, team authorization, the
// increment rules and the salary cap, then writes it with compare-and-swap.
// Nothing is written when any check fails. A lost CAS race re-runs every
// check against the new state.
func (e *Engine) PlaceBid(ctx context.Context, req BidRequest) (BidResult, error) {
	if err := e.checkWindow(ctx, req.LeagueID); err != nil {
		return BidResult{}, err
	}

	ok, err := e.auth.IsAuthorizedForTeam(ctx, req.UserID, req.TeamID)
	if err != nil {
		return BidResult{}, errors.Dependency("authorization lookup failed", err)
	}
	if !ok {
		return BidResult{}, errors.Forbidden(errors.ErrUnauthorizedTeam, "you are not authorized to bid for this team")
	}

	tier, err := e.tier(ctx, req.LeagueID)
	if err != nil {
		return BidResult{}, err
	}

	var (
		team     types.TeamSeason
		finances *TeamFinances
	)

	for attempt := 1; attempt <= e.settings.MaxCASRetries; attempt++ {
		rec, err := e.store.Get(ctx, req.PlayerID)
		if err != nil {
			return BidResult{}, storeError(err, "player not found in bidding")
		}
		if rec.TierID != tier.ID {
			return BidResult{}, errors.NotFound(errors.ErrAuctionNotFound, "player is not in bidding for this league")
		}

		now := e.clock.Now()
		if err := e.checkAmount(rec, req.Amount, tier.SalaryCap, now); err != nil {
			return BidResult{}, err
		}

		// Roster cost and counts do not change while bidding is open, so they
		// are read once; commitments are re-read on every attempt.
		if finances == nil {
			team, finances, err = e.teamFinances(ctx, req.TeamID, tier.ID)
			if err != nil {
				return BidResult{}, err
			}
		}
		commitment, err := e.commitment(ctx, tier.ID, req.TeamID)
		if err != nil {
			return BidResult{}, err
		}
		f := *finances
		f.Committed = commitment.TotalCommitted
		decision := Validate(e.settings.Rules, tier.SalaryCap, f, req.Amount, commitment.ExistingOn(req.PlayerID))
		if err := decision.Err(); err != nil {
			return BidResult{}, err
		}

		next := e.apply(rec, team, req.Amount, now)
		saved, err := e.store.CompareAndSwap(ctx, req.PlayerID, rec.Version, next)
		if stderrors.Is(err, ErrConflict) {
			log.Debug("Bid lost a write race, retrying", "player", req.PlayerID, "team", req.TeamID, "attempt", attempt)
			continue
		}
		if err != nil {
			return BidResult{}, storeError(err, "player not found in bidding")
		}

		result := BidResult{Record: saved}
		if prev := rec.LeaderID(); prev != "" && prev != req.TeamID {
			result.Outbid = &OutbidInfo{TeamID: prev, TeamName: rec.LeaderName(), PreviousAmount: rec.Amount()}
			if e.notifier != nil {
				e.notifier.NotifyOutbid(OutbidEvent{
					TeamID:         prev,
					TeamName:       rec.LeaderName(),
					PlayerName:     rec.PlayerName,
					PreviousAmount: rec.Amount(),
					NewAmount:      req.Amount,
				})
			}
		}

		log.Info("Bid placed",
			"player", saved.PlayerName,
			"team", team.TeamName,
			"amount", req.Amount,
			"endTime", saved.EndTime,
			"bids", len(saved.Bids))
		return result, nil
	}

	return BidResult{}, errors.Conflict(errors.ErrBidConflict, "too many simultaneous bids on this player, please retry", ErrConflict)
}

func (e *Engine) checkWindow(ctx context.Context, leagueID string) error {
	st, err := e.store.GetLeagueStatus(ctx, leagueID)
	if stderrors.Is(err, ErrNotFound) {
		return errors.Validation(errors.ErrBiddingNotActive, "bidding not active")
	}
	if err != nil {
		return errors.Dependency("failed to read league status", err)
	}
	if !st.Active {
		return errors.Validation(errors.ErrBiddingNotActive, "bidding not active")
	}
	return nil
}

func (e *Engine) checkAmount(rec types.AuctionRecord, amount, salaryCap int64, now time.Time) error {
	inc := e.settings.BidIncrement

	if rec.Status == types.StatusFinalized {
		return errors.Validation(errors.ErrAuctionClosed, "bidding on this player is closed")
	}
	if rec.EndTime != nil && !now.Before(*rec.EndTime) {
		return errors.Validation(errors.ErrAuctionEnded, "auction has ended")
	}

	if rec.CurrentBid == nil {
		if amount < rec.ContractFloor {
			return errors.Validation(errors.ErrBelowFloor,
				fmt.Sprintf("first bid must be at least %s (the contract amount)", utils.FormatMoney(rec.ContractFloor)))
		}
		if amount%inc != 0 {
			return errors.Validation(errors.ErrInvalidIncrement,
				fmt.Sprintf("bids must be in increments of %s", utils.FormatMoney(inc)))
		}
		return checkCeiling(amount, salaryCap)
	}

	if *rec.CurrentBid > salaryCap-inc {
		return errors.Validation(errors.ErrBidTooLow,
			fmt.Sprintf("current bid is already within %s of the salary cap", utils.FormatMoney(inc)))
	}
	minBid := *rec.CurrentBid + inc
	if amount < minBid {
		return errors.Validation(errors.ErrBidTooLow,
			fmt.Sprintf("bid must be at least %s (current bid + %s)", utils.FormatMoney(minBid), utils.FormatMoney(inc)))
	}
	if amount%inc != 0 {
		return errors.Validation(errors.ErrInvalidIncrement,
			fmt.Sprintf("bids must be in increments of %s", utils.FormatMoney(inc)))
	}
	return checkCeiling(amount, salaryCap)
}

// checkCeiling rejects a single bid larger than the whole tier cap.
func checkCeiling(amount, salaryCap int64) error {
	if amount > salaryCap {
		return errors.Validation(errors.ErrExceedsSalaryCap,
			fmt.Sprintf("bid of %s is larger than the salary cap of %s", utils.FormatMoney(amount), utils.FormatMoney(salaryCap)))
	}
	return nil
}

// apply returns rec with the bid appended and the countdown adjusted.
func (e *Engine) apply(rec types.AuctionRecord, team types.TeamSeason, amount int64, now time.Time) types.AuctionRecord {
	next := rec.Clone()
	next.EndTime = e.nextEndTime(rec, now)

	teamID, teamName := team.TeamID, team.TeamName
	next.CurrentBid = &amount
	next.CurrentTeamID = &teamID
	next.CurrentTeamName = &teamName
	next.Bids = append(next.Bids, types.BidEntry{
		TeamID:    teamID,
		TeamName:  teamName,
		Amount:    amount,
		Timestamp: now,
	})
	next.Status = types.StatusActive
	next.LastUpdate = now
	return next
}

// nextEndTime starts the countdown on the first bid. Later bids only move it
// out to now+AntiSnipeFloor when less than that remains; they never shorten it.
func (e *Engine) nextEndTime(rec types.AuctionRecord, now time.Time) *time.Time {
	if rec.CurrentBid == nil {
		end := now.Add(e.settings.InitialWindow)
		return &end
	}
	floor := now.Add(e.settings.AntiSnipeFloor)
	if rec.EndTime == nil || rec.EndTime.Sub(now) < e.settings.AntiSnipeFloor {
		return &floor
	}
	end := *rec.EndTime
	return &end
}

func (e *Engine) tier(ctx context.Context, leagueID string) (types.Tier, error) {
	tier, err := e.roster.GetTier(ctx, leagueID)
	if stderrors.Is(err, ErrNotFound) {
		return types.Tier{}, errors.NotFound(errors.ErrTierNotFound, "tier not found")
	}
	if err != nil {
		return types.Tier{}, errors.Dependency("failed to load tier", err)
	}
	return tier, nil
}

func (e *Engine) teamFinances(ctx context.Context, teamID, tierID string) (types.TeamSeason, *TeamFinances, error) {
	team, err := e.roster.GetTeamSeason(ctx, teamID, tierID)
	if stderrors.Is(err, ErrNotFound) {
		return types.TeamSeason{}, nil, errors.Validation(errors.ErrTeamNotRegistered, "team not registered for this season")
	}
	if err != nil {
		return types.TeamSeason{}, nil, errors.Dependency("failed to load team season", err)
	}
	cost, err := e.roster.GetTeamRosterCost(ctx, teamID, tierID)
	if err != nil {
		return types.TeamSeason{}, nil, errors.Dependency("failed to load roster cost", err)
	}
	counts, err := e.roster.GetRosterPositionCounts(ctx, teamID, tierID)
	if err != nil {
		return types.TeamSeason{}, nil, errors.Dependency("failed to load roster counts", err)
	}
	return team, &TeamFinances{RosterCost: cost, Counts: counts}, nil
}

func (e *Engine) commitment(ctx context.Context, tierID, teamID string) (types.TeamCommitment, error) {
	records, err := e.store.ListByTier(ctx, tierID)
	if err != nil {
		return types.TeamCommitment{}, errors.Dependency("failed to read auction records", err)
	}
	return ComputeCommitment(records, teamID), nil
}

// Commitment returns the bids teamID currently leads in the league's tier.
func (e *Engine) Commitment(ctx context.Context, leagueID, teamID string) (types.TeamCommitment, error) {
	tier, err := e.tier(ctx, leagueID)
	if err != nil {
		return types.TeamCommitment{}, err
	}
	return e.commitment(ctx, tier.ID, teamID)
}

// Check runs the salary cap validator for a prospective bid without placing it.
func (e *Engine) Check(ctx context.Context, leagueID, teamID, playerID string, amount int64) (Decision, error) {
	tier, err := e.tier(ctx, leagueID)
	if err != nil {
		return Decision{}, err
	}
	_, finances, err := e.teamFinances(ctx, teamID, tier.ID)
	if err != nil {
		return Decision{}, err
	}
	commitment, err := e.commitment(ctx, tier.ID, teamID)
	if err != nil {
		return Decision{}, err
	}
	finances.Committed = commitment.TotalCommitted
	return Validate(e.settings.Rules, tier.SalaryCap, *finances, amount, commitment.ExistingOn(playerID)), nil
}

// Snapshot is the read model served to clients polling a league.
type Snapshot struct {
	Tier    types.Tier                 `json:"tier"`
	Status  *types.LeagueAuctionStatus `json:"biddingStatus"`
	Records []types.AuctionRecord      `json:"biddingPlayers"`
}

func (e *Engine) Snapshot(ctx context.Context, leagueID string) (Snapshot, error) {
	tier, err := e.tier(ctx, leagueID)
	if err != nil {
		return Snapshot{}, err
	}
	records, err := e.store.ListByTier(ctx, tier.ID)
	if err != nil {
		return Snapshot{}, errors.Dependency("failed to read auction records", err)
	}
	snap := Snapshot{Tier: tier, Records: records}
	st, err := e.store.GetLeagueStatus(ctx, leagueID)
	switch {
	case err == nil:
		snap.Status = &st
	case !stderrors.Is(err, ErrNotFound):
		return Snapshot{}, errors.Dependency("failed to read league status", err)
	}
	return snap, nil
}

// ComputeCommitment sums the non-finalized records led by teamID.
func ComputeCommitment(records []types.AuctionRecord, teamID string) types.TeamCommitment {
	c := types.TeamCommitment{TeamID: teamID, ActiveBids: []types.ActiveBid{}}
	for _, rec := range records {
		if rec.Status == types.StatusFinalized || rec.CurrentBid == nil || rec.LeaderID() != teamID {
			continue
		}
		c.TotalCommitted += *rec.CurrentBid
		c.ActiveBids = append(c.ActiveBids, types.ActiveBid{
			PlayerID:   rec.PlayerID,
			PlayerName: rec.PlayerName,
			Position:   rec.Position,
			Amount:     *rec.CurrentBid,
			EndTime:    rec.EndTime,
		})
	}
	return c
}

func storeError(err error, notFound string) error {
	if stderrors.Is(err, ErrNotFound) {
		return errors.NotFound(errors.ErrAuctionNotFound, notFound)
	}
	return errors.Dependency("auction storage unavailable", err)
}
