package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ovhl/bidding-server/internal/auction"
	"github.com/ovhl/bidding-server/pkg/errors"
	"github.com/ovhl/bidding-server/pkg/types"
)

const (
	TypeJoin         = "join"
	TypeBid          = "bid"
	TypeBidAccepted  = "bid_accepted"
	TypeUpdate       = "update"
	TypeNotification = "notification"
	TypeJoined       = "joined"
)

type Message struct {
	Type string          `json:"type"`           // Type of the message (e.g., "bid", "update")
	Data json.RawMessage `json:"data,omitempty"` // Payload of the message
}

type BidMessage struct {
	PlayerID string `json:"playerSeasonId"`
	TeamID   string `json:"teamId"`
	LeagueID string `json:"leagueId"`
	Amount   int64  `json:"amount"`
}

type JoinMessage struct {
	LeagueID string `json:"leagueId"`
}

// UpdateMessage is broadcast whenever an auction record changes.
type UpdateMessage struct {
	LeagueID string              `json:"leagueId"`
	Record   types.AuctionRecord `json:"bidding"`
}

// ParseMessage validates and parses incoming messages.
func ParseMessage(rawMessage []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(rawMessage, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, errors.New(errors.ErrBadMessageFormat, "message type is required")
	}
	return &msg, nil
}

func encode(msgType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&Message{Type: msgType, Data: raw})
}

// HandleMessage routes the message based on its type.
func (h *AuctionHandler) HandleMessage(client *Client, rawMessage []byte) {
	if !client.RateLimiter.Allow() {
		log.Warn("Rate limit exceeded", "client", client.ID)
		client.Write([]byte(errors.New(errors.ErrRateLimited, "Rate limit exceeded").ToJSON()))
		return
	}

	msg, err := ParseMessage(rawMessage)
	if err != nil {
		log.Info("Invalid message", "client", client.ID, "error", err)
		client.Write([]byte(errors.New(errors.ErrBadMessageFormat, "Invalid message format").ToJSON()))
		return
	}

	switch msg.Type {
	case TypeJoin:
		h.handleJoinMessage(client, msg.Data)
	case TypeBid:
		h.handleBidMessage(client, msg.Data)
	default:
		log.Debug("Unknown message type", "client", client.ID, "type", msg.Type)
		client.Write([]byte(errors.New(errors.ErrUnknownMessageType, "Unknown message type").ToJSON()))
	}
}

func (h *AuctionHandler) handleJoinMessage(client *Client, data json.RawMessage) {
	var join JoinMessage
	if err := json.Unmarshal(data, &join); err != nil || join.LeagueID == "" {
		client.Write([]byte(errors.New(errors.ErrBadMessageFormat, "Invalid join message").ToJSON()))
		return
	}
	join.LeagueID = strings.ToLower(join.LeagueID)
	client.SetLeague(join.LeagueID)
	log.Debug("Client joined league", "client", client.ID, "league", join.LeagueID)

	if raw, err := encode(TypeJoined, join); err == nil {
		client.Write(raw)
	}
}

func (h *AuctionHandler) handleBidMessage(client *Client, data json.RawMessage) {
	var bid BidMessage
	if err := json.Unmarshal(data, &bid); err != nil || bid.PlayerID == "" || bid.TeamID == "" || bid.LeagueID == "" || bid.Amount <= 0 {
		client.Write([]byte(errors.New(errors.ErrBadMessageFormat, "Invalid bid message").ToJSON()))
		return
	}
	bid.LeagueID = strings.ToLower(bid.LeagueID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := h.engine.PlaceBid(ctx, auction.BidRequest{
		PlayerID: bid.PlayerID,
		TeamID:   bid.TeamID,
		UserID:   client.ID,
		LeagueID: bid.LeagueID,
		Amount:   bid.Amount,
	})
	if err != nil {
		appErr, ok := errors.As(err)
		if !ok || appErr.Kind == errors.KindInternal || appErr.Kind == errors.KindDependency {
			log.Error("Error placing bid", "client", client.ID, "player", bid.PlayerID, "error", err)
		}
		if !ok {
			appErr = errors.Wrap(err, "Internal server error")
		}
		client.Write([]byte(appErr.ToJSON()))
		return
	}

	if raw, err := encode(TypeBidAccepted, res.Record); err == nil {
		client.Write(raw)
	}
	h.PublishRecord(bid.LeagueID, res.Record)
}
