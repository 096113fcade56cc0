package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"evoting-tally/service"

	"github.com/gorilla/websocket"
)

// Client is one websocket subscriber of a voting's tally events.
type Client struct {
	VotingID uint

	conn *websocket.Conn
	send chan []byte
}

type broadcast struct {
	votingID uint
	payload  []byte
}

// Hub fans tally events out to the subscribers of each voting. Only Run
// mutates the client set.
type Hub struct {
	clients map[uint]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcast
	done       chan struct{}

	mu sync.RWMutex
}

// NewHub creates a hub. Call Run before use.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[uint]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcast, 64),
		done:       make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = make(map[uint]map[*Client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[c.VotingID]; !ok {
				h.clients[c.VotingID] = make(map[*Client]bool)
			}
			h.clients[c.VotingID][c] = true
			n := len(h.clients[c.VotingID])
			h.mu.Unlock()
			slog.Debug("websocket client registered", "voting_id", c.VotingID, "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.remove(c)
			h.mu.Unlock()

		case b := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients[b.votingID] {
				select {
				case c.send <- b.payload:
				default:
					// slow consumer
					h.remove(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held.
func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.VotingID]
	if !ok || !set[c] {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.VotingID)
	}
}

// Publish implements service.EventPublisher.
func (h *Hub) Publish(ctx context.Context, e service.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- broadcast{votingID: e.VotingID, payload: payload}:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClientCount returns the number of subscribers of votingID.
func (h *Hub) ClientCount(votingID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[votingID])
}

// RegisterClient adds c to the hub.
func (h *Hub) RegisterClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// UnregisterClient removes c from the hub.
func (h *Hub) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
