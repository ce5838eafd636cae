package websocket

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// Client is one connected stream subscriber.
type Client struct {
	ParticipantID string

	conn *websocket.Conn
	hub  *Hub

	mu   sync.RWMutex
	send chan []byte
}

// SendMessage queues msg for the client, dropping it when the buffer is full.
func (c *Client) SendMessage(msg []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.send == nil {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		slog.Warn("Client send channel full, dropping message", "participant_id", c.ParticipantID)
		return false
	}
}

// Close closes the send channel. It is safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
}

func (c *Client) outbound() chan []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.send
}

// readPump only watches for the peer going away; the stream is push-only.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close(websocket.StatusNormalClosure, "client disconnected")
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				slog.Info("Stream closed by client", "participant_id", c.ParticipantID)
			} else if err != io.EOF && ctx.Err() == nil {
				slog.Debug("Stream read ended", "participant_id", c.ParticipantID, "error", err)
			}
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context) {
	defer c.conn.Close(websocket.StatusNormalClosure, "server-side cleanup")

	send := c.outbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				slog.Debug("Stream write failed", "participant_id", c.ParticipantID, "error", err)
				return
			}
		}
	}
}
