package types

import (
	"time"
)

type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"isAdmin"`
}

type AuctionStatus string

const (
	StatusPending   AuctionStatus = "PENDING"
	StatusActive    AuctionStatus = "ACTIVE"
	StatusFinalized AuctionStatus = "FINALIZED"
)

// BidEntry is one accepted bid. Entries are kept in the order they were accepted.
type BidEntry struct {
	TeamID    string    `json:"teamId"`
	TeamName  string    `json:"teamName"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// AuctionRecord is the auction state of one player in a tier.
//
// CurrentBid is nil iff Bids is empty; otherwise it equals the amount of the
// last entry and CurrentTeamID its team.
type AuctionRecord struct {
	PlayerID        string        `json:"id"`
	PlayerName      string        `json:"playerName"`
	Position        string        `json:"position"`
	ContractID      string        `json:"contractId"`
	ContractFloor   int64         `json:"startingAmount"`
	TierID          string        `json:"tierId"`
	TierName        string        `json:"tierName"`
	CurrentBid      *int64        `json:"currentBid"`
	CurrentTeamID   *string       `json:"currentTeamId"`
	CurrentTeamName *string       `json:"currentTeamName"`
	Bids            []BidEntry    `json:"bids"`
	EndTime         *time.Time    `json:"endTime,omitempty"`
	Status          AuctionStatus `json:"status"`
	Settled         bool          `json:"settled"`
	FinalizedAt     *time.Time    `json:"finalizedAt,omitempty"`
	LastUpdate      time.Time     `json:"lastUpdate"`
	Version         int64         `json:"version"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r AuctionRecord) Clone() AuctionRecord {
	out := r
	if r.CurrentBid != nil {
		v := *r.CurrentBid
		out.CurrentBid = &v
	}
	if r.CurrentTeamID != nil {
		v := *r.CurrentTeamID
		out.CurrentTeamID = &v
	}
	if r.CurrentTeamName != nil {
		v := *r.CurrentTeamName
		out.CurrentTeamName = &v
	}
	if r.EndTime != nil {
		v := *r.EndTime
		out.EndTime = &v
	}
	if r.FinalizedAt != nil {
		v := *r.FinalizedAt
		out.FinalizedAt = &v
	}
	out.Bids = make([]BidEntry, len(r.Bids))
	copy(out.Bids, r.Bids)
	return out
}

func (r AuctionRecord) HasBids() bool {
	return r.CurrentBid != nil
}

// LeaderID returns the leading team or "" when nobody has bid.
func (r AuctionRecord) LeaderID() string {
	if r.CurrentTeamID == nil {
		return ""
	}
	return *r.CurrentTeamID
}

func (r AuctionRecord) LeaderName() string {
	if r.CurrentTeamName == nil {
		return ""
	}
	return *r.CurrentTeamName
}

func (r AuctionRecord) Amount() int64 {
	if r.CurrentBid == nil {
		return 0
	}
	return *r.CurrentBid
}

// LeagueAuctionStatus is the bidding window of one league.
type LeagueAuctionStatus struct {
	LeagueID       string     `json:"leagueId"`
	Active         bool       `json:"active"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        time.Time  `json:"endTime"`
	TierLevel      int        `json:"tierLevel"`
	LastUpdate     time.Time  `json:"lastUpdate"`
	ScheduledStart *time.Time `json:"scheduledStart,omitempty"`
}

type ActiveBid struct {
	PlayerID   string     `json:"playerSeasonId"`
	PlayerName string     `json:"playerName"`
	Position   string     `json:"position"`
	Amount     int64      `json:"amount"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}

// TeamCommitment is derived from the records a team currently leads.
type TeamCommitment struct {
	TeamID         string      `json:"teamId"`
	TotalCommitted int64       `json:"totalCommitted"`
	ActiveBids     []ActiveBid `json:"activeBids"`
}

// ExistingOn returns the team's current commitment on playerID, 0 if none.
func (c TeamCommitment) ExistingOn(playerID string) int64 {
	for _, b := range c.ActiveBids {
		if b.PlayerID == playerID {
			return b.Amount
		}
	}
	return 0
}

type PositionGroup string

const (
	GroupForward PositionGroup = "forward"
	GroupDefense PositionGroup = "defense"
	GroupGoalie  PositionGroup = "goalie"
	GroupUnknown PositionGroup = ""
)

func GroupOf(position string) PositionGroup {
	switch position {
	case "LW", "C", "RW":
		return GroupForward
	case "LD", "RD":
		return GroupDefense
	case "G":
		return GroupGoalie
	default:
		return GroupUnknown
	}
}

type PositionCounts struct {
	Forwards int `json:"forwards"`
	Defense  int `json:"defense"`
	Goalies  int `json:"goalies"`
}

// Add counts one more player at position.
func (c *PositionCounts) Add(position string) {
	switch GroupOf(position) {
	case GroupForward:
		c.Forwards++
	case GroupDefense:
		c.Defense++
	case GroupGoalie:
		c.Goalies++
	}
}

// RosterRules are the minimum roster requirements enforced by the cap check.
type RosterRules struct {
	MinForwards   int
	MinDefense    int
	MinGoalies    int
	MinSlotSalary int64
}

type Tier struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SeasonID    string `json:"seasonId"`
	SalaryCap   int64  `json:"salaryCap"`
	LeagueLevel int    `json:"leagueLevel"`
}

type TeamSeason struct {
	ID       string `json:"id"`
	TeamID   string `json:"teamId"`
	TeamName string `json:"teamName"`
	TierID   string `json:"tierId"`
}

type EligiblePlayer struct {
	PlayerID      string `json:"playerSeasonId"`
	Name          string `json:"name"`
	Position      string `json:"position"`
	ContractID    string `json:"contractId"`
	ContractFloor int64  `json:"contractFloor"`
}

type NotificationType string

const NotificationTeam NotificationType = "TEAM"

type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"userId"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}
