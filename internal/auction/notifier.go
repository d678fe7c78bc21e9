package auction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/ovhl/bidding-server/pkg/types"
	"github.com/ovhl/bidding-server/pkg/utils"
)

const outbidTitle = "You have been outbid!"

// OutbidEvent describes a team losing the lead on a player. It carries
// nothing about the team that took the lead.
type OutbidEvent struct {
	TeamID         string
	TeamName       string
	PlayerName     string
	PreviousAmount int64
	NewAmount      int64
}

// Dispatcher fans outbid events out to the managers of the outbid team.
// Events are queued and delivered by a fixed pool of workers so a bid never
// waits on notification delivery. Delivery failures are logged and dropped.
type Dispatcher struct {
	managers  ManagerDirectory
	transport Transport
	clock     clockwork.Clock
	timeout   time.Duration

	queue  chan OutbidEvent
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(managers ManagerDirectory, transport Transport, clock clockwork.Clock, queueSize, workers int) *Dispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		managers:  managers,
		transport: transport,
		clock:     clock,
		timeout:   10 * time.Second,
		queue:     make(chan OutbidEvent, queueSize),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// NotifyOutbid queues ev. It never blocks: when the queue is full the event is dropped.
func (d *Dispatcher) NotifyOutbid(ev OutbidEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		log.Warn("Dispatcher closed, dropping outbid notification", "team", ev.TeamID, "player", ev.PlayerName)
		return
	}
	select {
	case d.queue <- ev:
	default:
		log.Warn("Notification queue full, dropping outbid notification", "team", ev.TeamID, "player", ev.PlayerName)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev OutbidEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	users, err := d.managers.ListTeamManagers(ctx, ev.TeamID)
	if err != nil {
		log.Error("Failed to resolve team managers", "team", ev.TeamID, "error", err)
		return
	}
	if len(users) == 0 {
		log.Debug("Outbid team has no managers to notify", "team", ev.TeamID)
		return
	}

	for _, userID := range users {
		n := OutbidNotification(ev, userID, d.clock.Now())
		if err := d.transport.Send(ctx, userID, n); err != nil {
			log.Error("Failed to deliver outbid notification", "user", userID, "team", ev.TeamID, "error", err)
			continue
		}
	}
	log.Info("Outbid notifications sent", "team", ev.TeamName, "player", ev.PlayerName, "recipients", len(users))
}

// OutbidNotification builds the notification one manager of the outbid team receives.
func OutbidNotification(ev OutbidEvent, userID string, now time.Time) types.Notification {
	return types.Notification{
		ID:     uuid.NewString(),
		UserID: userID,
		Type:   types.NotificationTeam,
		Title:  outbidTitle,
		Message: fmt.Sprintf("Your team (%s) has been outbid on %s with a bid of %s.",
			ev.TeamName, ev.PlayerName, utils.FormatMoney(ev.NewAmount)),
		Metadata: map[string]any{
			"playerName":     ev.PlayerName,
			"previousBid":    ev.PreviousAmount,
			"newBid":         ev.NewAmount,
			"outbidTeamId":   ev.TeamID,
			"outbidTeamName": ev.TeamName,
		},
		CreatedAt: now,
	}
}
