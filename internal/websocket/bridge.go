// Package websocket serves the provider's push stream: every connected
// participant receives the JSON event envelopes of the channels they are in.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/labstack/echo/v4"
)

const sendBuffer = 256

type directMessage struct {
	participantID string
	payload       []byte
}

// Hub tracks stream connections per participant and fans frames out to them.
// A participant may hold several connections.
type Hub struct {
	clients map[string][]*Client
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	direct     chan directMessage
	done       chan struct{}
}

// NewHub creates a Hub. Call Run before serving connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string][]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan directMessage, sendBuffer),
		done:       make(chan struct{}),
	}
}

// Run owns client registration until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	slog.Info("Stream hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, clients := range h.clients {
				for _, c := range clients {
					c.Close()
				}
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ParticipantID] = append(h.clients[client.ParticipantID], client)
			h.mu.Unlock()
			slog.Info("Stream client registered", "participant_id", client.ParticipantID)

		case client := <-h.unregister:
			h.mu.Lock()
			clients := h.clients[client.ParticipantID]
			for i, c := range clients {
				if c == client {
					h.clients[client.ParticipantID] = append(clients[:i], clients[i+1:]...)
					break
				}
			}
			if len(h.clients[client.ParticipantID]) == 0 {
				delete(h.clients, client.ParticipantID)
			}
			h.mu.Unlock()
			client.Close()
			slog.Info("Stream client unregistered", "participant_id", client.ParticipantID)

		case msg := <-h.direct:
			h.mu.RLock()
			for _, c := range h.clients[msg.participantID] {
				c.SendMessage(msg.payload)
			}
			h.mu.RUnlock()
		}
	}
}

// Handler upgrades GET /stream?participantId=... to a push stream.
func (h *Hub) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		participantID := c.QueryParam("participantId")
		if participantID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "participantId is required")
		}

		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			slog.Error("Failed to upgrade stream connection", "error", err)
			return err
		}

		client := &Client{
			ParticipantID: participantID,
			conn:          conn,
			hub:           h,
			send:          make(chan []byte, sendBuffer),
		}

		select {
		case h.register <- client:
		case <-h.done:
			conn.Close(websocket.StatusGoingAway, "shutting down")
			return nil
		}

		// The request context ends when the handler returns, so the pumps
		// get their own and the handler blocks until the read side is done.
		ctx, cancel := context.WithCancel(context.Background())
		go client.writePump(ctx)
		client.readPump(ctx)
		cancel()
		return nil
	}
}

// SendDirect queues payload for every connection of participantID.
func (h *Hub) SendDirect(participantID string, payload []byte) {
	select {
	case h.direct <- directMessage{participantID: participantID, payload: payload}:
	case <-h.done:
	}
}

// Connected reports how many connections participantID holds.
func (h *Hub) Connected(participantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[participantID])
}

// Disconnect drops every connection, as a provider restart would.
func (h *Hub) Disconnect(participantID string) {
	h.mu.RLock()
	clients := append([]*Client(nil), h.clients[participantID]...)
	h.mu.RUnlock()
	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "disconnected")
	}
}
