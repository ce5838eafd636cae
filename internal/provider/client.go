// Package provider is the REST client for the chat-provider backend.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nfrund/carechat/internal/domain"
)

// SendRequest is the body of POST /channels/{id}/messages.
type SendRequest struct {
	SenderID        string `json:"senderId"`
	Body            string `json:"body"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type participantRequest struct {
	ParticipantID string `json:"participantId"`
}

// Error is a non-2xx response from the provider.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned %d", e.Status)
	}
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Message)
}

// Unwrap maps the status onto the engine's error taxonomy.
func (e *Error) Unwrap() error {
	switch {
	case e.Status == http.StatusConflict:
		return domain.ErrChannelClosed
	case e.Status == http.StatusNotFound:
		return domain.ErrNotFound
	case e.Status == http.StatusForbidden:
		return domain.ErrForbidden
	case e.Status == http.StatusTooManyRequests, e.Status >= 500:
		return domain.ErrTransportUnavailable
	default:
		return nil
	}
}

// Client talks to the provider over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client for baseURL. A zero timeout means 10 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  slog.Default().With("component", "provider"),
	}
}

// GetChannel fetches channel metadata and status.
func (c *Client) GetChannel(ctx context.Context, channelID string) (domain.Channel, error) {
	var ch domain.Channel
	err := c.do(ctx, http.MethodGet, channelPath(channelID), nil, &ch)
	return ch, err
}

// ListMessages fetches the channel history.
func (c *Client) ListMessages(ctx context.Context, channelID string) ([]domain.Message, error) {
	var msgs []domain.Message
	if err := c.do(ctx, http.MethodGet, channelPath(channelID)+"/messages", nil, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Delivery = domain.DeliverySent
	}
	return msgs, nil
}

// SendMessage posts a message and returns the provider's authoritative copy.
func (c *Client) SendMessage(ctx context.Context, channelID string, req SendRequest) (domain.Message, error) {
	var m domain.Message
	if err := c.do(ctx, http.MethodPost, channelPath(channelID)+"/messages", req, &m); err != nil {
		return domain.Message{}, err
	}
	m.Delivery = domain.DeliverySent
	return m, nil
}

// CloseChannel ends the conversation and returns the provider's SYSTEM(CLOSED)
// marker. The provider only accepts staff.
func (c *Client) CloseChannel(ctx context.Context, channelID, participantID string) (domain.Message, error) {
	var m domain.Message
	if err := c.do(ctx, http.MethodPut, channelPath(channelID)+"/close", participantRequest{participantID}, &m); err != nil {
		return domain.Message{}, err
	}
	m.Delivery = domain.DeliverySent
	return m, nil
}

// MarkRead reports that participantID has seen the channel.
func (c *Client) MarkRead(ctx context.Context, channelID, participantID string) error {
	return c.do(ctx, http.MethodPost, channelPath(channelID)+"/read", participantRequest{participantID}, nil)
}

// SendTyping forwards a local typing ping.
func (c *Client) SendTyping(ctx context.Context, channelID, participantID string) error {
	return c.do(ctx, http.MethodPost, channelPath(channelID)+"/typing", participantRequest{participantID}, nil)
}

func channelPath(channelID string) string {
	return "/channels/" + url.PathEscape(channelID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%s %s: %w: %v", method, path, domain.ErrTransportUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := &Error{Status: resp.StatusCode}
		var payload struct {
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &payload) == nil {
			perr.Message = payload.Message
		}
		c.logger.Debug("provider request failed", "method", method, "path", path, "status", resp.StatusCode)
		return perr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
