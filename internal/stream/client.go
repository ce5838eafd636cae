// Package stream keeps the provider push stream connected and republishes
// each frame on the in-process bus under its channel's topic.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nfrund/carechat/internal/domain"
	"github.com/nfrund/carechat/internal/metrics"
	"github.com/nfrund/carechat/internal/pubsub"
)

// TransportChange is published on pubsub.TransportTopic whenever the stream
// connects or drops.
type TransportChange struct {
	State domain.TransportState `json:"state"`
	At    time.Time             `json:"at"`
}

// TransportEvents is the typed topic for TransportChange.
var TransportEvents = pubsub.NewEvent[TransportChange](pubsub.TransportTopic)

// MetaReceivedAt is the metadata key holding the frame's receive time.
const MetaReceivedAt = "received_at"

// Client maintains one push-stream connection for a participant.
type Client struct {
	url     string
	bus     pubsub.Publisher
	retryer *ExponentialBackoffRetryer
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu    sync.RWMutex
	state domain.TransportState
}

// Option configures a Client.
type Option func(*Client)

// WithRetryer replaces the default reconnect policy.
func WithRetryer(r *ExponentialBackoffRetryer) Option {
	return func(c *Client) { c.retryer = r }
}

// WithMetrics records reconnects and dropped frames.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client for the stream at streamURL.
func New(streamURL, participantID string, bus pubsub.Publisher, opts ...Option) (*Client, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("participantId", participantID)
	u.RawQuery = q.Encode()

	c := &Client{
		url:     u.String(),
		bus:     bus,
		retryer: NewExponentialBackoffRetryer(),
		logger:  slog.Default().With("component", "stream", "participant_id", participantID),
		state:   domain.TransportUnavailable,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current connectivity.
func (c *Client) State() domain.TransportState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run connects, reads and reconnects until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	for {
		var conn *websocket.Conn
		err := c.retryer.Retry(ctx, func() error {
			var err error
			conn, _, err = websocket.Dial(ctx, c.url, nil)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect stream: %w", err)
		}

		c.logger.Info("Stream connected")
		c.setState(ctx, domain.TransportConnected)

		err = c.readLoop(ctx, conn)
		conn.CloseNow()
		c.setState(context.WithoutCancel(ctx), domain.TransportUnavailable)

		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("Stream dropped, reconnecting", "error", err)
		c.metrics.Reconnect()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) dispatch(ctx context.Context, frame []byte) {
	var head struct {
		ChannelID string `json:"channelId"`
	}
	if err := json.Unmarshal(frame, &head); err != nil || head.ChannelID == "" {
		c.logger.Warn("Dropping stream frame without channel", "error", err)
		c.metrics.Dropped("malformed")
		return
	}

	err := c.bus.Publish(ctx, pubsub.Message{
		Topic:   pubsub.ChannelEventsTopic(head.ChannelID),
		Payload: frame,
		Metadata: map[string]string{
			MetaReceivedAt: time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		c.logger.Error("Failed to publish stream frame", "channel_id", head.ChannelID, "error", err)
	}
}

func (c *Client) setState(ctx context.Context, s domain.TransportState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if !changed {
		return
	}

	if err := pubsub.Publish(ctx, c.bus, TransportEvents, TransportChange{State: s, At: time.Now()}); err != nil {
		c.logger.Error("Failed to publish transport change", "state", s, "error", err)
	}
}
