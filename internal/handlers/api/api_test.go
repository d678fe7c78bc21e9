package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
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

var t0 = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

type headerAuth struct{}

func (headerAuth) Authenticate(r *http.Request) (types.User, error) {
	id := r.Header.Get("X-User")
	if id == "" {
		return types.User{}, errors.Unauthorized(errors.ErrInvalidToken, "missing session token cookie")
	}
	return types.User{ID: id, Email: id + "@ovhl.test", IsAdmin: id == "admin"}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []types.AuctionRecord
}

func (p *recordingPublisher) PublishRecord(_ string, rec types.AuctionRecord) {
	p.mu.Lock()
	p.records = append(p.records, rec)
	p.mu.Unlock()
}

type server struct {
	router    http.Handler
	store     *auction.MemoryStore
	roster    *auctiontest.Roster
	publisher *recordingPublisher
}

func newServer(t *testing.T) *server {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	store := auction.NewMemoryStore()
	roster := auctiontest.NewRoster()

	tier := types.Tier{ID: "tier-nhl", Name: "NHL", SalaryCap: 100000000, LeagueLevel: 1}
	roster.Tiers["nhl"] = tier
	full := types.PositionCounts{Forwards: 9, Defense: 6, Goalies: 2}
	roster.AddTeam(tier, "team-a", "Team A", 0, full)
	roster.AddTeam(tier, "team-b", "Team B", 0, full)
	roster.Eligible["tier-nhl"] = []types.EligiblePlayer{
		{PlayerID: "p1", Name: "Connor Skater", Position: "C", ContractID: "c-p1", ContractFloor: 500000},
	}

	authz := auctiontest.Authorizer{Teams: map[string][]string{
		"user-a": {"team-a"},
		"user-b": {"team-b"},
	}}
	engine := auction.NewEngine(store, roster, authz, &auctiontest.Outbids{}, clock, auction.Settings{
		BidIncrement:   250000,
		InitialWindow:  8 * time.Hour,
		AntiSnipeFloor: 6 * time.Hour,
		MaxCASRetries:  5,
		Rules:          types.RosterRules{MinForwards: 9, MinDefense: 6, MinGoalies: 2, MinSlotSalary: 500000},
	})
	fin := auction.NewFinalizer(store, roster, clock, 5)
	sched := auction.NewScheduler(store, roster, roster, fin, clock, auction.SchedulerSettings{
		LeagueOrder:          []string{"nhl", "ahl"},
		LeagueWindow:         48 * time.Hour,
		LeagueCooldown:       24 * time.Hour,
		DefaultContractFloor: 500000,
	})

	s := &server{store: store, roster: roster, publisher: &recordingPublisher{}}
	s.router = NewRouter(Deps{
		Engine:    engine,
		Leagues:   sched,
		Auth:      headerAuth{},
		Managers:  authz,
		Publisher: s.publisher,
		Health: map[string]HealthCheck{
			"store": store.Ping,
		},
		AllowedOrigins: []string{"http://localhost:3000"},
	})
	return s
}

func (s *server) do(t *testing.T, method, path, user string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func (s *server) start(t *testing.T) {
	t.Helper()
	rec, _ := s.do(t, http.MethodPatch, "/api/bidding", "admin", map[string]string{"action": "start", "leagueId": "NHL"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func bid(team string, amount int64) map[string]any {
	return map[string]any{"playerSeasonId": "p1", "teamId": team, "leagueId": "nhl", "amount": amount}
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	rec, out := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up", out["store"])
}

func TestHealthReportsDownDependency(t *testing.T) {
	router := NewRouter(Deps{Health: map[string]HealthCheck{
		"database": func(context.Context) error { return stderrors.New("connection refused") },
	}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestLeagueAdministration(t *testing.T) {
	s := newServer(t)

	t.Run("requires authentication", func(t *testing.T) {
		rec, out := s.do(t, http.MethodPatch, "/api/bidding", "", map[string]string{"action": "start", "leagueId": "nhl"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "error", out["type"])
	})

	t.Run("requires admin", func(t *testing.T) {
		rec, out := s.do(t, http.MethodPatch, "/api/bidding", "user-a", map[string]string{"action": "start", "leagueId": "nhl"})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, float64(errors.ErrAdminRequired), out["code"])
	})

	t.Run("unknown action", func(t *testing.T) {
		rec, out := s.do(t, http.MethodPatch, "/api/bidding", "admin", map[string]string{"action": "pause", "leagueId": "nhl"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, float64(errors.ErrUnknownLeagueAction), out["code"])
	})

	t.Run("start then start again", func(t *testing.T) {
		rec, out := s.do(t, http.MethodPatch, "/api/bidding", "admin", map[string]string{"action": "start", "leagueId": "nhl"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Bidding started for NHL", out["message"])

		first := out["status"]

		rec, out = s.do(t, http.MethodPatch, "/api/bidding", "admin", map[string]string{"action": "start", "leagueId": "NHL"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, first, out["status"])
	})

	t.Run("start another league while one is open", func(t *testing.T) {
		rec, out := s.do(t, http.MethodPatch, "/api/bidding", "admin", map[string]string{"action": "start", "leagueId": "ahl"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, float64(errors.ErrLeagueAlreadyActive), out["code"])
	})

	t.Run("finalize", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodPost, "/api/bidding", "user-a", bid("team-a", 750000))
		require.Equal(t, http.StatusOK, rec.Code)

		rec, out := s.do(t, http.MethodPatch, "/api/bidding", "admin", map[string]string{"action": "finalize", "leagueId": "nhl"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), out["assignedPlayers"])

		ts, ok := s.roster.Assigned("p1")
		assert.True(t, ok)
		assert.Equal(t, "ts-team-a", ts)

		st, err := s.store.GetLeagueStatus(context.Background(), "nhl")
		require.NoError(t, err)
		assert.False(t, st.Active)
	})
}

func TestPlaceBid(t *testing.T) {
	s := newServer(t)

	rec, out := s.do(t, http.MethodPost, "/api/bidding", "user-a", bid("team-a", 750000))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "league not started")
	assert.Equal(t, float64(errors.ErrBiddingNotActive), out["code"])

	s.start(t)

	rec, out = s.do(t, http.MethodPost, "/api/bidding", "user-a", bid("team-a", 250000))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(errors.ErrBelowFloor), out["code"])

	rec, out = s.do(t, http.MethodPost, "/api/bidding", "user-a", bid("team-b", 750000))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, float64(errors.ErrUnauthorizedTeam), out["code"])

	rec, out = s.do(t, http.MethodPost, "/api/bidding", "user-a", bid("team-a", 750000))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Nil(t, out["outbidInfo"])

	rec, out = s.do(t, http.MethodPost, "/api/bidding", "user-b", bid("team-b", 1000000))
	require.Equal(t, http.StatusOK, rec.Code)
	outbid := out["outbidInfo"].(map[string]any)
	assert.Equal(t, "team-a", outbid["outbidTeamId"])
	assert.Equal(t, float64(750000), outbid["previousBidAmount"])

	s.publisher.mu.Lock()
	defer s.publisher.mu.Unlock()
	require.Len(t, s.publisher.records, 2)
	assert.Equal(t, int64(1000000), s.publisher.records[1].Amount())
}

func TestPlaceBidRejectsBadPayload(t *testing.T) {
	s := newServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/bidding", bytes.NewBufferString("{"))
	req.Header.Set("X-User", "user-a")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, out := s.do(t, http.MethodPost, "/api/bidding", "user-a", map[string]any{"teamId": "team-a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(errors.ErrInvalidRequest), out["code"])
}

func TestGetBidding(t *testing.T) {
	s := newServer(t)
	s.start(t)
	rec, _ := s.do(t, http.MethodPost, "/api/bidding", "user-a", bid("team-a", 750000))
	require.Equal(t, http.StatusOK, rec.Code)

	t.Run("requires league", func(t *testing.T) {
		rec, out := s.do(t, http.MethodGet, "/api/bidding", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, float64(errors.ErrInvalidRequest), out["code"])
	})

	t.Run("unknown league", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodGet, "/api/bidding?leagueId=xhl", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("public snapshot", func(t *testing.T) {
		rec, out := s.do(t, http.MethodGet, "/api/bidding?leagueId=nhl", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, out["biddingPlayers"], 1)
		assert.Equal(t, true, out["biddingStatus"].(map[string]any)["active"])
		assert.Nil(t, out["teamData"])
	})

	t.Run("team data for a manager", func(t *testing.T) {
		rec, out := s.do(t, http.MethodGet, "/api/bidding?leagueId=nhl&teamId=team-a", "user-a", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		data := out["teamData"].(map[string]any)
		assert.Equal(t, float64(750000), data["totalCommitted"])
		assert.Equal(t, float64(100000000), data["salaryCap"])
	})

	t.Run("team data for another team", func(t *testing.T) {
		rec, _ := s.do(t, http.MethodGet, "/api/bidding?leagueId=nhl&teamId=team-a", "user-b", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestValidateBid(t *testing.T) {
	s := newServer(t)
	s.start(t)

	rec, out := s.do(t, http.MethodPost, "/api/bidding/validate", "user-a", bid("team-a", 1000000))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["accepted"])

	rec, out = s.do(t, http.MethodPost, "/api/bidding/validate", "user-a", bid("team-a", 200000000))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["accepted"])

	rec, _ = s.do(t, http.MethodPost, "/api/bidding/validate", "user-b", bid("team-a", 1000000))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/bidding", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSIgnoresUnlistedOrigins(t *testing.T) {
	s := newServer(t)

	for _, method := range []string{http.MethodOptions, http.MethodGet} {
		req := httptest.NewRequest(method, "/api/bidding?leagueId=nhl", nil)
		req.Header.Set("Origin", "https://evil.example")
		req.Header.Set("X-User", "user-a")
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), method)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"), method)
	}
}

func TestCORSDisabledByDefault(t *testing.T) {
	router := NewRouter(Deps{Health: map[string]HealthCheck{}})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
