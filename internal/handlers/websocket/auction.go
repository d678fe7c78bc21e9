package websocket

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/ovhl/bidding-server/internal/auction"
	"github.com/ovhl/bidding-server/pkg/types"
	"golang.org/x/time/rate"
)

type Authenticator interface {
	Authenticate(r *http.Request) (types.User, error)
}

type Bidder interface {
	PlaceBid(ctx context.Context, req auction.BidRequest) (auction.BidResult, error)
}

type Options struct {
	PingInterval   time.Duration
	MaxMessageSize int64
	// AllowedOrigins lists the cross-site origins allowed to connect.
	// Same-origin and non-browser clients are always accepted.
	AllowedOrigins []string
	RateLimit      rate.Limit
	RateBurst      int
}

// AuctionHandler is the live channel to team managers. It carries bids in,
// and auction updates and personal notifications out.
type AuctionHandler struct {
	auth     Authenticator
	engine   Bidder
	opts     Options
	upgrader websocket.Upgrader

	clients map[*Client]bool // Track all connected clients
	mu      sync.RWMutex
}

func NewAuctionWebSocketHandler(auth Authenticator, engine Bidder, opts Options) *AuctionHandler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}
	if opts.RateLimit == 0 {
		opts.RateLimit, opts.RateBurst = 1, 3
	}
	h := &AuctionHandler{
		auth:    auth,
		engine:  engine,
		opts:    opts,
		clients: make(map[*Client]bool),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host {
				return true
			}
			return slices.Contains(opts.AllowedOrigins, origin)
		},
	}
	return h
}

// HandleAuctionWebSocket authenticates the session cookie and upgrades the connection.
func (h *AuctionHandler) HandleAuctionWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := h.auth.Authenticate(r)
	if err != nil {
		log.Debug("Rejected websocket connection", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Info("Failed to upgrade connection", "error", err)
		return
	}

	client := newClient(user.ID, user.Email, conn, rate.NewLimiter(h.opts.RateLimit, h.opts.RateBurst))

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	log.Debug("Client connected", "client", client.ID, "email", client.Email)

	go client.ReadMessages(h)
	go client.WriteMessages(h.opts.PingInterval)
}

func (h *AuctionHandler) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *AuctionHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *AuctionHandler) each(fn func(*Client)) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		fn(c)
	}
}

// Broadcast sends a message to all connected clients. Clients that cannot
// keep up are disconnected.
func (h *AuctionHandler) Broadcast(message []byte) {
	h.each(func(c *Client) {
		if !c.Write(message) {
			c.Disconnect(h)
		}
	})
}

// PublishRecord broadcasts a changed auction record to clients following its league.
func (h *AuctionHandler) PublishRecord(leagueID string, rec types.AuctionRecord) {
	raw, err := encode(TypeUpdate, UpdateMessage{LeagueID: leagueID, Record: rec})
	if err != nil {
		log.Error("Error encoding auction update", "error", err)
		return
	}
	h.each(func(c *Client) {
		if c.Follows(leagueID) && !c.Write(raw) {
			c.Disconnect(h)
		}
	})
}

// Send pushes a notification to every open connection of userID. Offline
// users are not an error; the notification is also stored in their inbox.
func (h *AuctionHandler) Send(_ context.Context, userID string, n types.Notification) error {
	raw, err := encode(TypeNotification, n)
	if err != nil {
		return err
	}
	h.each(func(c *Client) {
		if c.ID == userID {
			c.Write(raw)
		}
	})
	return nil
}
