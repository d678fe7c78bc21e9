package auction_test

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/ovhl/bidding-server/internal/auction"
	"github.com/ovhl/bidding-server/internal/auction/auctiontest"
	"github.com/ovhl/bidding-server/pkg/errors"
	"github.com/ovhl/bidding-server/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0       = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	fullTeam = types.PositionCounts{Forwards: 9, Defense: 6, Goalies: 2}
	settings = auction.Settings{
		BidIncrement:   250000,
		InitialWindow:  8 * time.Hour,
		AntiSnipeFloor: 6 * time.Hour,
		MaxCASRetries:  5,
		Rules:          types.RosterRules{MinForwards: 9, MinDefense: 6, MinGoalies: 2, MinSlotSalary: 500000},
	}
)

type fixture struct {
	ctx     context.Context
	clock   clockwork.FakeClock
	store   *auction.MemoryStore
	roster  *auctiontest.Roster
	outbids *auctiontest.Outbids
	engine  *auction.Engine
	tier    types.Tier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:     context.Background(),
		clock:   clockwork.NewFakeClockAt(t0),
		store:   auction.NewMemoryStore(),
		roster:  auctiontest.NewRoster(),
		outbids: &auctiontest.Outbids{},
		tier:    types.Tier{ID: "tier-nhl", Name: "NHL", SeasonID: "s1", SalaryCap: 100000000, LeagueLevel: 1},
	}
	f.roster.Tiers["nhl"] = f.tier
	f.roster.AddTeam(f.tier, "team-a", "Team A", 0, fullTeam)
	f.roster.AddTeam(f.tier, "team-b", "Team B", 0, fullTeam)
	f.roster.AddTeam(f.tier, "team-c", "Team C", 0, fullTeam)

	require.NoError(t, f.store.SetLeagueStatus(f.ctx, types.LeagueAuctionStatus{
		LeagueID: "nhl", Active: true, StartTime: t0, EndTime: t0.Add(48 * time.Hour), TierLevel: 1,
	}))
	f.addPlayer(t, "p1", "Connor Skater", "C", 500000)
	f.addPlayer(t, "p2", "Goalie Guy", "G", 500000)

	f.engine = f.newEngine(f.store)
	return f
}

func (f *fixture) newEngine(store auction.Store) *auction.Engine {
	auth := auctiontest.Authorizer{Teams: map[string][]string{
		"user-a": {"team-a"},
		"user-b": {"team-b"},
		"user-c": {"team-c"},
	}}
	return auction.NewEngine(store, f.roster, auth, f.outbids, f.clock, settings)
}

func (f *fixture) addPlayer(t *testing.T, id, name, pos string, floor int64) {
	t.Helper()
	_, err := f.store.Create(f.ctx, types.AuctionRecord{
		PlayerID: id, PlayerName: name, Position: pos, ContractID: "c-" + id,
		ContractFloor: floor, TierID: f.tier.ID, TierName: f.tier.Name,
		Bids: []types.BidEntry{}, Status: types.StatusPending, LastUpdate: t0,
	})
	require.NoError(t, err)
}

func (f *fixture) bid(team, player string, amount int64) (auction.BidResult, error) {
	return f.engine.PlaceBid(f.ctx, auction.BidRequest{
		PlayerID: player,
		TeamID:   "team-" + team,
		UserID:   "user-" + team,
		LeagueID: "nhl",
		Amount:   amount,
	})
}

func (f *fixture) record(t *testing.T, player string) types.AuctionRecord {
	t.Helper()
	rec, err := f.store.Get(f.ctx, player)
	require.NoError(t, err)
	return rec
}

func TestFirstBidRules(t *testing.T) {
	f := newFixture(t)

	_, err := f.bid("a", "p1", 499999)
	require.Error(t, err)
	assert.Equal(t, errors.ErrBelowFloor, errors.CodeOf(err))
	assert.True(t, errors.IsValidation(err))

	_, err = f.bid("a", "p1", 600000)
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidIncrement, errors.CodeOf(err))

	assert.Equal(t, int64(1), f.record(t, "p1").Version, "rejections must not write")

	res, err := f.bid("a", "p1", 500000)
	require.NoError(t, err)
	assert.Nil(t, res.Outbid)
	assert.Equal(t, types.StatusActive, res.Record.Status)
	assert.Equal(t, int64(500000), res.Record.Amount())
	assert.Equal(t, "team-a", res.Record.LeaderID())
	assert.Equal(t, "Team A", res.Record.LeaderName())
	require.NotNil(t, res.Record.EndTime)
	assert.Equal(t, t0.Add(8*time.Hour), *res.Record.EndTime)
	require.Len(t, res.Record.Bids, 1)
	assert.Equal(t, t0, res.Record.Bids[0].Timestamp)
	assert.Empty(t, f.outbids.Events())
}

func TestOutbidScenario(t *testing.T) {
	f := newFixture(t)

	_, err := f.bid("a", "p1", 750000)
	require.NoError(t, err)

	res, err := f.bid("b", "p1", 1000000)
	require.NoError(t, err)
	require.NotNil(t, res.Outbid)
	assert.Equal(t, "team-a", res.Outbid.TeamID)
	assert.Equal(t, int64(750000), res.Outbid.PreviousAmount)

	events := f.outbids.Events()
	require.Len(t, events, 1)
	assert.Equal(t, auction.OutbidEvent{
		TeamID:         "team-a",
		TeamName:       "Team A",
		PlayerName:     "Connor Skater",
		PreviousAmount: 750000,
		NewAmount:      1000000,
	}, events[0])

	payload, err := json.Marshal(auction.OutbidNotification(events[0], "user-a", t0))
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "team-b")
	assert.NotContains(t, string(payload), "Team B")

	_, err = f.bid("c", "p1", 950000)
	require.Error(t, err)
	assert.Equal(t, errors.ErrBidTooLow, errors.CodeOf(err))
	assert.Equal(t, int64(1000000), f.record(t, "p1").Amount())
}

func TestRaisingOwnBidDoesNotNotify(t *testing.T) {
	f := newFixture(t)

	_, err := f.bid("a", "p1", 500000)
	require.NoError(t, err)
	res, err := f.bid("a", "p1", 750000)
	require.NoError(t, err)

	assert.Nil(t, res.Outbid)
	assert.Empty(t, f.outbids.Events())
	assert.Len(t, res.Record.Bids, 2)
}

func TestRaiseMustBeIncrementMultiple(t *testing.T) {
	f := newFixture(t)

	_, err := f.bid("a", "p1", 500000)
	require.NoError(t, err)

	_, err = f.bid("b", "p1", 800000)
	require.Error(t, err)
	assert.Equal(t, errors.ErrInvalidIncrement, errors.CodeOf(err))
}

func TestAntiSnipeTimer(t *testing.T) {
	f := newFixture(t)

	_, err := f.bid("a", "p1", 500000)
	require.NoError(t, err)

	// Seven hours left: above the floor, countdown untouched.
	f.clock.Advance(time.Hour)
	res, err := f.bid("b", "p1", 750000)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(8*time.Hour), *res.Record.EndTime)

	// Five hours left: pushed out to exactly now+6h.
	f.clock.Advance(2 * time.Hour)
	res, err = f.bid("a", "p1", 1000000)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(6*time.Hour), *res.Record.EndTime)
}

func TestTimerNeverShrinks(t *testing.T) {
	f := newFixture(t)

	_, err := f.bid("a", "p1", 500000)
	require.NoError(t, err)

	teams := []string{"b", "a", "c"}
	amount := int64(500000)
	for i := 0; i < 30; i++ {
		f.clock.Advance(37 * time.Minute)
		before := *f.record(t, "p1").EndTime
		amount += 250000
		res, err := f.bid(teams[i%len(teams)], "p1", amount)
		require.NoError(t, err)
		assert.False(t, res.Record.EndTime.Before(before), "bid %d shortened the auction", i)
		if before.Sub(f.clock.Now()) < settings.AntiSnipeFloor {
			assert.Equal(t, f.clock.Now().Add(settings.AntiSnipeFloor), *res.Record.EndTime)
		}
	}
}

func TestRejectsOutsideWindow(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SetLeagueStatus(f.ctx, types.LeagueAuctionStatus{LeagueID: "nhl"}))

	_, err := f.bid("a", "p1", 500000)
	require.Error(t, err)
	assert.Equal(t, errors.ErrBiddingNotActive, errors.CodeOf(err))

	_, err = f.engine.PlaceBid(f.ctx, auction.BidRequest{PlayerID: "p1", TeamID: "team-a", UserID: "user-a", LeagueID: "ahl", Amount: 500000})
	assert.Equal(t, errors.ErrBiddingNotActive, errors.CodeOf(err))
}

func TestRejectsUnauthorizedTeam(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.PlaceBid(f.ctx, auction.BidRequest{PlayerID: "p1", TeamID: "team-b", UserID: "user-a", LeagueID: "nhl", Amount: 500000})
	require.Error(t, err)
	assert.Equal(t, errors.ErrUnauthorizedTeam, errors.CodeOf(err))
	assert.Equal(t, errors.KindForbidden, errors.KindOf(err))
}

func TestRejectsUnknownPlayerAndTeam(t *testing.T) {
	f := newFixture(t)

	_, err := f.bid("a", "nobody", 500000)
	assert.True(t, errors.IsNotFound(err))

	auth := auctiontest.Authorizer{Teams: map[string][]string{"user-x": {"team-x"}}}
	engine := auction.NewEngine(f.store, f.roster, auth, nil, f.clock, settings)
	_, err = engine.PlaceBid(f.ctx, auction.BidRequest{PlayerID: "p1", TeamID: "team-x", UserID: "user-x", LeagueID: "nhl", Amount: 500000})
	assert.Equal(t, errors.ErrTeamNotRegistered, errors.CodeOf(err))
}

func TestRejectsEndedAndClosedAuctions(t *testing.T) {
	f := newFixture(t)

	_, err := f.bid("a", "p1", 500000)
	require.NoError(t, err)

	f.clock.Advance(8 * time.Hour)
	_, err = f.bid("b", "p1", 750000)
	require.Error(t, err)
	assert.Equal(t, errors.ErrAuctionEnded, errors.CodeOf(err))

	rec := f.record(t, "p2")
	rec.Status = types.StatusFinalized
	_, err = f.store.CompareAndSwap(f.ctx, "p2", rec.Version, rec)
	require.NoError(t, err)
	_, err = f.bid("b", "p2", 500000)
	assert.Equal(t, errors.ErrAuctionClosed, errors.CodeOf(err))
}

func TestSalaryCapEnforced(t *testing.T) {
	f := newFixture(t)
	f.tier.SalaryCap = 10000000
	f.roster.Tiers["nhl"] = f.tier
	f.roster.AddTeam(f.tier, "team-a", "Team A", 9000000, fullTeam)

	_, err := f.bid("a", "p2", 500000)
	require.NoError(t, err)

	_, err = f.bid("a", "p1", 750000)
	require.Error(t, err)
	assert.Equal(t, errors.ErrExceedsSalaryCap, errors.CodeOf(err))
	assert.Contains(t, err.Error(), auction.ReasonExceedsCap)

	// Raising the bid it already leads only adds the difference.
	_, err = f.bid("a", "p2", 1000000)
	require.NoError(t, err)
	_, err = f.bid("a", "p2", 1250000)
	require.Error(t, err)
}

func TestHugeBidsAreRejected(t *testing.T) {
	f := newFixture(t)
	f.roster.AddTeam(f.tier, "team-a", "Team A", 100100000, fullTeam)
	huge := int64(math.MaxInt64/250000) * 250000

	_, err := f.bid("a", "p1", huge)
	require.Error(t, err)
	assert.Equal(t, errors.ErrExceedsSalaryCap, errors.CodeOf(err))
	assert.Nil(t, f.record(t, "p1").CurrentBid)

	_, err = f.bid("b", "p1", 500000)
	require.NoError(t, err)
	_, err = f.bid("c", "p1", huge)
	require.Error(t, err)
	assert.Equal(t, errors.ErrExceedsSalaryCap, errors.CodeOf(err))
	assert.Equal(t, int64(500000), f.record(t, "p1").Amount())

	d, err := f.engine.Check(f.ctx, "nhl", "team-c", "p1", huge)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
}

func TestRaiseAtCapIsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.bid("a", "p1", f.tier.SalaryCap)
	require.NoError(t, err)

	_, err = f.bid("b", "p1", f.tier.SalaryCap+250000)
	require.Error(t, err)
	assert.Equal(t, errors.ErrBidTooLow, errors.CodeOf(err))
	assert.Equal(t, "team-a", f.record(t, "p1").LeaderID())
}

func TestReserveEnforced(t *testing.T) {
	f := newFixture(t)
	f.tier.SalaryCap = 10000000
	f.roster.Tiers["nhl"] = f.tier
	f.roster.AddTeam(f.tier, "team-a", "Team A", 0, types.PositionCounts{})

	_, err := f.bid("a", "p1", 2000000)
	require.Error(t, err)
	assert.Equal(t, errors.ErrInsufficientReserve, errors.CodeOf(err))

	_, err = f.bid("a", "p1", 1500000)
	require.NoError(t, err)
}

func TestConflictIsRetried(t *testing.T) {
	f := newFixture(t)
	store := &auctiontest.ConflictingStore{Store: f.store}
	store.Conflicts.Store(2)
	engine := f.newEngine(store)

	res, err := engine.PlaceBid(f.ctx, auction.BidRequest{PlayerID: "p1", TeamID: "team-a", UserID: "user-a", LeagueID: "nhl", Amount: 500000})
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.CASCalls.Load())
	assert.Equal(t, int64(2), res.Record.Version)
}

func TestConflictRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	store := &auctiontest.ConflictingStore{Store: f.store}
	store.Conflicts.Store(100)
	engine := f.newEngine(store)

	_, err := engine.PlaceBid(f.ctx, auction.BidRequest{PlayerID: "p1", TeamID: "team-a", UserID: "user-a", LeagueID: "nhl", Amount: 500000})
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.Equal(t, errors.ErrBidConflict, errors.CodeOf(err))
	assert.Equal(t, int32(settings.MaxCASRetries), store.CASCalls.Load())
	assert.False(t, f.record(t, "p1").HasBids())
}

func TestConcurrentBidsOnOnePlayer(t *testing.T) {
	f := newFixture(t)
	_, err := f.bid("a", "p1", 750000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, req := range []struct {
		team   string
		amount int64
	}{{"b", 1000000}, {"c", 1250000}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.bid(req.team, "p1", req.amount)
		}()
	}
	wg.Wait()

	rec := f.record(t, "p1")
	assert.Equal(t, int64(1250000), rec.Amount(), "the higher bid always ends up leading")
	assert.Equal(t, "team-c", rec.LeaderID())

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.Equal(t, errors.ErrBidTooLow, errors.CodeOf(err))
	}
	assert.Len(t, rec.Bids, 1+accepted)
	assertConsistent(t, rec)
}

func TestManyConcurrentBids(t *testing.T) {
	f := newFixture(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	teams := []string{"a", "b", "c"}
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			amount := 500000 + int64(i%10)*250000
			_, err := f.bid(teams[i%3], "p1", amount)
			if err != nil {
				assert.True(t, errors.IsValidation(err) || errors.IsConflict(err), "unexpected error: %v", err)
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
		}()
	}
	wg.Wait()

	rec := f.record(t, "p1")
	assert.Len(t, rec.Bids, accepted)
	assertConsistent(t, rec)
}

func assertConsistent(t *testing.T, rec types.AuctionRecord) {
	t.Helper()
	require.NotEmpty(t, rec.Bids)
	last := rec.Bids[len(rec.Bids)-1]
	assert.Equal(t, last.Amount, rec.Amount())
	assert.Equal(t, last.TeamID, rec.LeaderID())
	for i := 1; i < len(rec.Bids); i++ {
		assert.GreaterOrEqual(t, rec.Bids[i].Amount, rec.Bids[i-1].Amount+settings.BidIncrement, "bid history not increasing")
	}
	for _, b := range rec.Bids {
		assert.Zero(t, b.Amount%settings.BidIncrement)
	}
	assert.GreaterOrEqual(t, rec.Bids[0].Amount, rec.ContractFloor)
}

func TestCommitmentAndSnapshot(t *testing.T) {
	f := newFixture(t)

	_, err := f.bid("a", "p1", 500000)
	require.NoError(t, err)
	_, err = f.bid("a", "p2", 750000)
	require.NoError(t, err)
	_, err = f.bid("b", "p2", 1000000)
	require.NoError(t, err)

	c, err := f.engine.Commitment(f.ctx, "nhl", "team-a")
	require.NoError(t, err)
	assert.Equal(t, int64(500000), c.TotalCommitted)
	require.Len(t, c.ActiveBids, 1)
	assert.Equal(t, "p1", c.ActiveBids[0].PlayerID)

	snap, err := f.engine.Snapshot(f.ctx, "nhl")
	require.NoError(t, err)
	assert.Equal(t, f.tier, snap.Tier)
	require.NotNil(t, snap.Status)
	assert.True(t, snap.Status.Active)
	assert.Len(t, snap.Records, 2)

	_, err = f.engine.Snapshot(f.ctx, "nope")
	assert.Equal(t, errors.ErrTierNotFound, errors.CodeOf(err))
}

func TestCheckIsAdvisory(t *testing.T) {
	f := newFixture(t)
	f.tier.SalaryCap = 10000000
	f.roster.Tiers["nhl"] = f.tier
	f.roster.AddTeam(f.tier, "team-a", "Team A", 9500000, fullTeam)

	d, err := f.engine.Check(f.ctx, "nhl", "team-a", "p1", 750000)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, auction.ReasonExceedsCap, d.Reason)
	assert.Equal(t, int64(1), f.record(t, "p1").Version)
}

func TestComputeCommitmentSkipsFinalized(t *testing.T) {
	amount := int64(1000000)
	team := "team-a"
	records := []types.AuctionRecord{
		{PlayerID: "p1", CurrentBid: &amount, CurrentTeamID: &team, Status: types.StatusActive},
		{PlayerID: "p2", CurrentBid: &amount, CurrentTeamID: &team, Status: types.StatusFinalized},
		{PlayerID: "p3", Status: types.StatusPending},
	}

	c := auction.ComputeCommitment(records, "team-a")
	assert.Equal(t, int64(1000000), c.TotalCommitted)
	assert.Len(t, c.ActiveBids, 1)
	assert.Equal(t, int64(0), auction.ComputeCommitment(records, "team-b").TotalCommitted)
}
