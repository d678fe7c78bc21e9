package websocket

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

type Client struct {
	ID          string
	Email       string
	Conn        *websocket.Conn
	RateLimiter *rate.Limiter // Rate limiter to prevent spamming

	send   chan []byte // Channel for outgoing messages
	league string
	closed bool       // Flag to check if the connection is closed
	mu     sync.Mutex // Protects send, league and closed
}

func newClient(id, email string, conn *websocket.Conn, limiter *rate.Limiter) *Client {
	return &Client{
		ID:          id,
		Email:       email,
		Conn:        conn,
		RateLimiter: limiter,
		send:        make(chan []byte, 64),
	}
}

// Write queues a message. It reports false when the client is gone or too
// slow to keep up.
func (c *Client) Write(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *Client) SetLeague(leagueID string) {
	c.mu.Lock()
	c.league = leagueID
	c.mu.Unlock()
}

// Follows reports whether the client wants updates for leagueID. A client
// that has not joined a league receives all of them.
func (c *Client) Follows(leagueID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.league == "" || c.league == leagueID
}

// ReadMessages listens for incoming messages from the client.
func (c *Client) ReadMessages(h *AuctionHandler) {
	defer func() {
		c.Disconnect(h)
		log.Debug("Connection closed", "client", c.ID)
	}()

	c.Conn.SetReadLimit(h.opts.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(2 * h.opts.PingInterval))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(2 * h.opts.PingInterval))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			log.Debug("Error reading message", "client", c.ID, "error", err)
			return
		}
		h.HandleMessage(c, message)
	}
}

// WriteMessages sends outgoing messages and keepalive pings to the client.
func (c *Client) WriteMessages(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug("Error sending message", "client", c.ID, "error", err)
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Disconnect cleans up client resources.
func (c *Client) Disconnect(h *AuctionHandler) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()

	if h != nil {
		h.remove(c)
	}
	log.Debug("Client cleanup completed", "client", c.ID)
}
