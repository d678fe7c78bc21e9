package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"
	"github.com/ovhl/bidding-server/internal/auction"
	"github.com/ovhl/bidding-server/pkg/errors"
	"github.com/ovhl/bidding-server/pkg/types"
)

type Engine interface {
	PlaceBid(ctx context.Context, req auction.BidRequest) (auction.BidResult, error)
	Snapshot(ctx context.Context, leagueID string) (auction.Snapshot, error)
	Commitment(ctx context.Context, leagueID, teamID string) (types.TeamCommitment, error)
	Check(ctx context.Context, leagueID, teamID, playerID string, amount int64) (auction.Decision, error)
}

type LeagueAdmin interface {
	Start(ctx context.Context, leagueID string) (types.LeagueAuctionStatus, error)
	Stop(ctx context.Context, leagueID string) error
	Finalize(ctx context.Context, leagueID string) (auction.FinalizeResult, error)
}

type Authenticator interface {
	Authenticate(r *http.Request) (types.User, error)
}

type Publisher interface {
	PublishRecord(leagueID string, rec types.AuctionRecord)
}

// HealthCheck reports the state of one dependency, nil when healthy.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Engine         Engine
	Leagues        LeagueAdmin
	Auth           Authenticator
	Managers       auction.Authorizer
	Publisher      Publisher
	Health         map[string]HealthCheck
	WebSocket      http.Handler
	EnableLogging  bool
	// AllowedOrigins lists the cross-site origins that may call the API with
	// credentials. Empty means same-origin only.
	AllowedOrigins []string
}

type handler struct {
	Deps
}

// NewRouter wires the bidding API, health check and websocket endpoint.
func NewRouter(d Deps) *mux.Router {
	h := &handler{Deps: d}

	r := mux.NewRouter()
	if d.EnableLogging {
		r.Use(requestLogger)
	}
	if len(d.AllowedOrigins) > 0 {
		r.Use(cors(d.AllowedOrigins))
	}

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet, http.MethodOptions)

	b := r.PathPrefix("/api/bidding").Subrouter()
	b.HandleFunc("", h.getBidding).Methods(http.MethodGet)
	b.HandleFunc("", h.placeBid).Methods(http.MethodPost)
	b.HandleFunc("", h.manageLeague).Methods(http.MethodPatch)
	b.HandleFunc("/validate", h.validateBid).Methods(http.MethodPost)
	b.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	if d.WebSocket != nil {
		r.Handle("/ws", d.WebSocket)
	}
	return r
}

type bidRequest struct {
	PlayerID string `json:"playerSeasonId"`
	TeamID   string `json:"teamId"`
	LeagueID string `json:"leagueId"`
	Amount   int64  `json:"amount"`
}

func (b bidRequest) validate() error {
	if b.PlayerID == "" || b.TeamID == "" || b.LeagueID == "" || b.Amount <= 0 {
		return errors.Validation(errors.ErrInvalidRequest, "playerSeasonId, teamId, leagueId and a positive amount are required")
	}
	return nil
}

type teamData struct {
	types.TeamCommitment
	SalaryCap int64 `json:"salaryCap"`
}

// GET /api/bidding?leagueId=nhl&teamId=...
func (h *handler) getBidding(w http.ResponseWriter, r *http.Request) {
	leagueID := strings.ToLower(r.URL.Query().Get("leagueId"))
	if leagueID == "" {
		writeError(w, errors.Validation(errors.ErrInvalidRequest, "League ID is required"))
		return
	}

	snap, err := h.Engine.Snapshot(r.Context(), leagueID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := struct {
		auction.Snapshot
		TeamData *teamData `json:"teamData"`
	}{Snapshot: snap}

	if teamID := r.URL.Query().Get("teamId"); teamID != "" {
		if _, err := h.authorizeTeam(r, teamID); err != nil {
			writeError(w, err)
			return
		}
		c, err := h.Engine.Commitment(r.Context(), leagueID, teamID)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.TeamData = &teamData{TeamCommitment: c, SalaryCap: snap.Tier.SalaryCap}
	}

	writeJSON(w, http.StatusOK, resp)
}

// POST /api/bidding
func (h *handler) placeBid(w http.ResponseWriter, r *http.Request) {
	user, err := h.Auth.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req bidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Validation(errors.ErrInvalidRequest, "invalid json"))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	leagueID := strings.ToLower(req.LeagueID)

	res, err := h.Engine.PlaceBid(r.Context(), auction.BidRequest{
		PlayerID: req.PlayerID,
		TeamID:   req.TeamID,
		UserID:   user.ID,
		LeagueID: leagueID,
		Amount:   req.Amount,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Publisher != nil {
		h.Publisher.PublishRecord(leagueID, res.Record)
	}

	writeJSON(w, http.StatusOK, struct {
		Success    bool                `json:"success"`
		Bidding    types.AuctionRecord `json:"bidding"`
		OutbidInfo *auction.OutbidInfo `json:"outbidInfo,omitempty"`
	}{true, res.Record, res.Outbid})
}

// POST /api/bidding/validate runs the salary cap check without placing a bid.
func (h *handler) validateBid(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Validation(errors.ErrInvalidRequest, "invalid json"))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.authorizeTeam(r, req.TeamID); err != nil {
		writeError(w, err)
		return
	}

	d, err := h.Engine.Check(r.Context(), strings.ToLower(req.LeagueID), req.TeamID, req.PlayerID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// PATCH /api/bidding {action: start|stop|finalize, leagueId}
func (h *handler) manageLeague(w http.ResponseWriter, r *http.Request) {
	user, err := h.Auth.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !user.IsAdmin {
		writeError(w, errors.Forbidden(errors.ErrAdminRequired, "admin access required"))
		return
	}

	var req struct {
		Action   string `json:"action"`
		LeagueID string `json:"leagueId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LeagueID == "" {
		writeError(w, errors.Validation(errors.ErrInvalidRequest, "action and leagueId are required"))
		return
	}
	leagueID := strings.ToLower(req.LeagueID)
	name := strings.ToUpper(leagueID)

	switch req.Action {
	case "start":
		status, err := h.Leagues.Start(r.Context(), leagueID)
		if err != nil {
			writeError(w, err)
			return
		}
		log.Info("League started by admin", "league", leagueID, "admin", user.Email)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Bidding started for " + name,
			"status":  status,
		})
	case "stop":
		if err := h.Leagues.Stop(r.Context(), leagueID); err != nil {
			writeError(w, err)
			return
		}
		log.Info("League stopped by admin", "league", leagueID, "admin", user.Email)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "Bidding stopped for " + name,
		})
	case "finalize":
		res, err := h.Leagues.Finalize(r.Context(), leagueID)
		if err != nil {
			writeError(w, err)
			return
		}
		log.Info("League finalized by admin", "league", leagueID, "admin", user.Email, "assigned", res.Assigned)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":          true,
			"message":          "Bidding finalized for " + name,
			"processedPlayers": res.Processed,
			"assignedPlayers":  res.Assigned,
			"failed":           res.Failed,
		})
	default:
		writeError(w, errors.Validation(errors.ErrUnknownLeagueAction, "unknown action "+req.Action))
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	out := map[string]string{}
	for name, check := range h.Health {
		if err := check(ctx); err != nil {
			out[name] = "down: " + err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		out[name] = "up"
	}
	writeJSON(w, status, out)
}

func (h *handler) authorizeTeam(r *http.Request, teamID string) (types.User, error) {
	user, err := h.Auth.Authenticate(r)
	if err != nil {
		return types.User{}, err
	}
	ok, err := h.Managers.IsAuthorizedForTeam(r.Context(), user.ID, teamID)
	if err != nil {
		return types.User{}, errors.Dependency("authorization lookup failed", err)
	}
	if !ok {
		return types.User{}, errors.Forbidden(errors.ErrUnauthorizedTeam, "you are not a manager of this team")
	}
	return user, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	appErr, ok := errors.As(err)
	if !ok {
		appErr = errors.Wrap(err, "Internal server error")
	}
	if appErr.Kind == errors.KindInternal || appErr.Kind == errors.KindDependency {
		log.Error("Request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus())
	_, _ = w.Write([]byte(appErr.ToJSON()))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

// cors answers cross-site requests from the listed origins only. Other
// origins get no CORS headers, so browsers keep them from reading responses.
func cors(allowed []string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")
			origin := r.Header.Get("Origin")
			if origin == "" || !slices.Contains(allowed, origin) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
