package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nfrund/carechat/internal/domain"
	"github.com/nfrund/carechat/internal/pubsub"
	"github.com/nfrund/carechat/internal/stream"
)

type entry struct {
	session *Session
	cancel  context.CancelFunc
}

// Manager opens sessions on demand and routes each channel's push frames
// from the bus to its session.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*entry
	transport domain.TransportState

	provider Provider
	bus      pubsub.Subscriber
	cfg      Config
	opts     []Option
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a Manager. opts are applied to every session it opens.
func NewManager(p Provider, bus pubsub.Subscriber, cfg Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:  make(map[string]*entry),
		transport: domain.TransportUnavailable,
		provider:  p,
		bus:       bus,
		cfg:       cfg,
		opts:      opts,
		logger:    slog.Default().With("component", "session_manager", "participant_id", cfg.Viewer.ID),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start follows stream connectivity and mirrors it into every session.
func (m *Manager) Start() error {
	return pubsub.Subscribe(m.ctx, m.bus, stream.TransportEvents, func(ctx context.Context, tc stream.TransportChange) error {
		m.SetTransport(tc.State)
		return nil
	})
}

// SetTransport records connectivity and forwards it to open sessions.
func (m *Manager) SetTransport(state domain.TransportState) {
	m.mu.Lock()
	m.transport = state
	sessions := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		sessions = append(sessions, e.session)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.SetTransport(state)
	}
}

// Open returns the session for channelID, loading the channel and its
// history from the provider the first time. Opening a channel that is
// already open starts a new visit, so the next Enter recomputes the scroll
// target.
func (m *Manager) Open(ctx context.Context, channelID string) (*Session, error) {
	if s, ok := m.Get(channelID); ok {
		s.Leave()
		return s, nil
	}

	ch, err := m.provider.GetChannel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", channelID, err)
	}
	if _, ok := ch.Participant(m.cfg.Viewer.ID); !ok && len(ch.Participants) > 0 {
		return nil, fmt.Errorf("open %s as %s: %w", channelID, m.cfg.Viewer.ID, domain.ErrForbidden)
	}
	history, err := m.provider.ListMessages(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("open %s history: %w", channelID, err)
	}

	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()

	opts := append(append([]Option(nil), m.opts...), WithTransport(transport))
	s := New(ch, history, m.cfg, m.provider, opts...)

	// Subscribe outside m.mu: the bus may be blocked delivering a transport
	// change that needs it.
	subCtx, cancel := context.WithCancel(m.ctx)
	err = m.bus.Subscribe(subCtx, pubsub.ChannelEventsTopic(channelID), func(ctx context.Context, msg pubsub.Message) error {
		// OnEvent logs and counts a bad frame itself. Its error is ignored so
		// one undecodable frame never ends the subscription.
		s.OnEvent(msg.Payload)
		return nil
	})
	if err != nil {
		cancel()
		s.Dispose()
		return nil, fmt.Errorf("subscribe %s: %w", channelID, err)
	}

	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		cancel()
		s.Dispose()
		return nil, domain.ErrSessionClosed
	}
	if e, ok := m.sessions[channelID]; ok {
		m.mu.Unlock()
		cancel()
		s.Dispose()
		return e.session, nil
	}
	m.sessions[channelID] = &entry{session: s, cancel: cancel}
	current := m.transport
	m.mu.Unlock()

	if current != transport {
		s.SetTransport(current)
	}
	m.logger.Info("Session opened", "channel_id", channelID, "messages", len(history))
	return s, nil
}

// Get returns an open session.
func (m *Manager) Get(channelID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[channelID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// CloseSession disposes the session for channelID and stops its
// subscription. It does not close the channel itself.
func (m *Manager) CloseSession(channelID string) {
	m.mu.Lock()
	e, ok := m.sessions[channelID]
	delete(m.sessions, channelID)
	m.mu.Unlock()

	if !ok {
		return
	}
	e.cancel()
	e.session.Dispose()
	m.logger.Info("Session closed", "channel_id", channelID)
}

// Shutdown disposes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := m.sessions
	m.sessions = make(map[string]*entry)
	m.cancel()
	m.mu.Unlock()

	for _, e := range entries {
		e.cancel()
		e.session.Dispose()
	}
}
