// Package session orchestrates one open channel: it owns the rate limiter,
// lifecycle machine, reconciler, typing debouncer and scroll notifier for
// that channel and serializes every local and remote mutation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nfrund/carechat/internal/clock"
	"github.com/nfrund/carechat/internal/domain"
	"github.com/nfrund/carechat/internal/i18n"
	"github.com/nfrund/carechat/internal/lifecycle"
	"github.com/nfrund/carechat/internal/metrics"
	"github.com/nfrund/carechat/internal/provider"
	"github.com/nfrund/carechat/internal/ratelimit"
	"github.com/nfrund/carechat/internal/reconcile"
	"github.com/nfrund/carechat/internal/scroll"
	"github.com/nfrund/carechat/internal/typing"
)

// Provider is the part of the provider API a session calls.
type Provider interface {
	GetChannel(ctx context.Context, channelID string) (domain.Channel, error)
	ListMessages(ctx context.Context, channelID string) ([]domain.Message, error)
	SendMessage(ctx context.Context, channelID string, req provider.SendRequest) (domain.Message, error)
	CloseChannel(ctx context.Context, channelID, participantID string) (domain.Message, error)
	MarkRead(ctx context.Context, channelID, participantID string) error
	SendTyping(ctx context.Context, channelID, participantID string) error
}

// Config is the per-session policy. Zero durations and counts take the
// package defaults.
type Config struct {
	Viewer lifecycle.Actor

	FloodWindow    time.Duration
	FloodThreshold int
	FloodCooldown  time.Duration

	TypingTTL          time.Duration
	TypingSendInterval time.Duration

	// AckTimeout bounds each background send.
	AckTimeout time.Duration
}

const (
	defaultTypingSendInterval = 2 * time.Second
	defaultAckTimeout         = 15 * time.Second
	lockTick                  = time.Second
)

// Option configures a Session.
type Option func(*Session)

// WithClock drives timestamps and timers from c.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithMetrics records sends and events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithRenderer localizes SYSTEM message bodies in the view.
func WithRenderer(r *i18n.Renderer) Option {
	return func(s *Session) { s.renderer = r }
}

// WithClientIDs replaces the client message id generator.
func WithClientIDs(next func() string) Option {
	return func(s *Session) { s.newClientID = next }
}

// WithTransport sets the initial push-stream state.
func WithTransport(state domain.TransportState) Option {
	return func(s *Session) { s.transport = state }
}

// Session is one participant's live view of one channel. All methods are
// safe for concurrent use; a single mutex serializes the send path and the
// event path.
type Session struct {
	mu sync.Mutex

	channelID string
	viewer    lifecycle.Actor
	cfg       Config
	provider  Provider

	clock       clock.Clock
	metrics     *metrics.Metrics
	renderer    *i18n.Renderer
	newClientID func() string
	logger      *slog.Logger

	limiter  *ratelimit.Limiter
	machine  *lifecycle.Machine
	rec      *reconcile.Reconciler
	typing   *typing.Debouncer
	notifier *scroll.Notifier
	outbound *rate.Limiter

	atBottom     bool
	instruction  domain.Instruction
	scrollTarget string
	transport    domain.TransportState
	lastStamp    time.Time
	lockTimer    clock.Timer
	reopen       *pendingReopen

	subscribers map[int]func(domain.ViewModel)
	nextSub     int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// pendingReopen is a reopen the provider has not accepted yet, with the
// client ids of the sends that depend on it.
type pendingReopen struct {
	plan    lifecycle.SendPlan
	waiting map[string]struct{}
}

// New opens a session on ch seeded with its history.
func New(ch domain.Channel, history []domain.Message, cfg Config, p Provider, opts ...Option) *Session {
	if cfg.TypingSendInterval <= 0 {
		cfg.TypingSendInterval = defaultTypingSendInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}

	s := &Session{
		channelID:   ch.ID,
		viewer:      cfg.Viewer,
		cfg:         cfg,
		provider:    p,
		clock:       clock.Real(),
		newClientID: uuid.NewString,
		atBottom:    true,
		transport:   domain.TransportConnected,
		subscribers: make(map[int]func(domain.ViewModel)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = slog.Default().With("component", "session", "channel_id", ch.ID, "participant_id", cfg.Viewer.ID)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.limiter = ratelimit.New(cfg.FloodWindow, cfg.FloodThreshold, cfg.FloodCooldown)
	s.machine = lifecycle.New(ch)
	s.rec = reconcile.New(ch.ID, cfg.Viewer.ID, s.machine, s.clock.Now)
	s.typing = typing.New(s.clock,
		typing.WithTTL(cfg.TypingTTL),
		typing.WithOnChange(func(string, bool) { s.publish() }),
	)
	s.notifier = scroll.New(cfg.Viewer.ID, s.displayName)
	s.outbound = rate.NewLimiter(rate.Every(cfg.TypingSendInterval), 1)

	s.rec.Load(history)
	s.metrics.SessionOpened()
	return s
}

// ChannelID returns the channel this session is bound to.
func (s *Session) ChannelID() string {
	return s.channelID
}

// Send validates body, applies flood control and the send rows of the
// lifecycle table, appends an optimistic echo and delivers it in the
// background. It never waits for the provider.
func (s *Session) Send(ctx context.Context, body string) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		s.metrics.Send("rejected")
		return domain.Message{}, domain.ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Message{}, domain.ErrSessionClosed
	}

	now := s.clock.Now()
	if d := s.limiter.CheckAndRecord(now); d.Locked() {
		s.armLockTickerLocked()
		s.mu.Unlock()
		s.metrics.Send("rate_limited")
		s.publish()
		return domain.Message{}, &domain.RateLimitedError{SecondsRemaining: d.SecondsRemaining}
	}

	plan, err := s.machine.PrepareSend(s.viewer, s.stampLocked())
	if err != nil {
		s.mu.Unlock()
		s.metrics.Send("rejected")
		return domain.Message{}, err
	}
	clientID := s.newClientID()
	s.holdReopenLocked(plan, clientID)

	local := s.rec.AddLocal(domain.Message{
		Kind:      domain.MessageUser,
		SenderID:  s.viewer.ID,
		Body:      body,
		CreatedAt: s.stampLocked(),
		ClientID:  clientID,
	})
	s.atBottom = true
	s.instruction = domain.InstructionScrollToBottom
	s.notifier.OnViewerScrolledToBottom()

	s.wg.Add(1)
	go s.deliver(clientID, body)
	s.mu.Unlock()

	s.publish()
	return local, nil
}

// Retry resends a FAILED echo under its original client id, so a provider
// that already stored it answers with the same message.
func (s *Session) Retry(ctx context.Context, clientID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if d := s.limiter.CheckAndRecord(s.clock.Now()); d.Locked() {
		s.armLockTickerLocked()
		s.mu.Unlock()
		s.metrics.Send("rate_limited")
		return &domain.RateLimitedError{SecondsRemaining: d.SecondsRemaining}
	}
	if !s.rec.Failed(clientID) {
		s.mu.Unlock()
		return fmt.Errorf("retry %s: %w", clientID, domain.ErrNotFound)
	}
	plan, err := s.machine.PrepareSend(s.viewer, s.stampLocked())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.holdReopenLocked(plan, clientID)
	m, _ := s.rec.Resend(clientID, s.stampLocked())
	s.wg.Add(1)
	go s.deliver(clientID, m.Body)
	s.mu.Unlock()

	s.publish()
	return nil
}

func (s *Session) deliver(clientID, body string) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AckTimeout)
	defer cancel()

	confirmed, err := s.provider.SendMessage(ctx, s.channelID, provider.SendRequest{
		SenderID:        s.viewer.ID,
		Body:            body,
		ClientMessageID: clientID,
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	resync := false
	if err != nil {
		s.rec.MarkFailed(clientID)
		s.settleReopenLocked(clientID, false)
		s.metrics.Send("failed")
		s.logger.Warn("Send failed", "client_id", clientID, "error_kind", domain.KindOf(err), "error", err)
		// The provider saw a transition we missed.
		resync = errors.Is(err, domain.ErrChannelClosed)
	} else {
		if confirmed.ClientID == "" {
			confirmed.ClientID = clientID
		}
		s.settleReopenLocked(clientID, true)
		s.rec.Insert(confirmed)
		s.metrics.Send("sent")
	}
	s.mu.Unlock()

	if resync {
		if err := s.Resync(ctx); err != nil {
			s.logger.Warn("Resync after rejected send failed", "error", err)
		}
	}
	s.publish()
}

// holdReopenLocked inserts the provisional marker of a reopening plan and
// ties clientID to the reopen until its send settles.
func (s *Session) holdReopenLocked(plan lifecycle.SendPlan, clientID string) {
	if plan.Reopened != nil {
		s.rec.AddLocal(*plan.Reopened)
		s.reopen = &pendingReopen{plan: plan, waiting: make(map[string]struct{})}
		s.logger.Info("Channel reopened by send", "client_id", clientID)
	}
	if s.reopen != nil {
		s.reopen.waiting[clientID] = struct{}{}
	}
}

// settleReopenLocked resolves the pending reopen for a finished send. One
// delivered send keeps it. Once every dependent send has failed the channel
// goes back to CLOSED and the provisional marker is dropped.
func (s *Session) settleReopenLocked(clientID string, delivered bool) {
	if s.reopen == nil {
		return
	}
	if _, ok := s.reopen.waiting[clientID]; !ok {
		return
	}
	if delivered {
		s.reopen = nil
		return
	}
	delete(s.reopen.waiting, clientID)
	if len(s.reopen.waiting) > 0 {
		return
	}
	plan := s.reopen.plan
	s.reopen = nil
	if s.machine.RevertReopen(plan) {
		s.rec.DropProvisional(domain.SystemReopened)
		s.logger.Info("Reopen reverted", "client_id", clientID)
	}
}

// Close ends the conversation. Only staff may close, and never an internal
// channel.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if !s.machine.CanOfferClose(s.viewer.Role) {
		status := s.machine.Status()
		s.mu.Unlock()
		if s.viewer.Role.IsStaff() && status != domain.StatusActive {
			return fmt.Errorf("close from %s: %w", status, domain.ErrInvalidTransition)
		}
		return fmt.Errorf("close by %s: %w", s.viewer.ID, domain.ErrForbidden)
	}
	s.mu.Unlock()

	marker, err := s.provider.CloseChannel(ctx, s.channelID, s.viewer.ID)
	if err != nil {
		if errors.Is(err, domain.ErrChannelClosed) {
			return s.Resync(ctx)
		}
		return fmt.Errorf("close channel %s: %w", s.channelID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	// A closed event that raced ahead has already inserted its marker.
	if _, err := s.machine.Close(s.viewer, marker.CreatedAt); err == nil {
		s.rec.Insert(marker)
		if s.atBottom {
			s.instruction = domain.InstructionScrollToBottom
		}
	}
	s.mu.Unlock()

	s.logger.Info("Channel closed")
	s.publish()
	return nil
}

// MarkRead marks every remote message read locally and reports it to the
// provider. The local flag stays set if the report fails.
func (s *Session) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	marked := s.rec.MarkRemoteRead()
	s.mu.Unlock()

	if marked > 0 {
		s.publish()
	}
	if err := s.provider.MarkRead(ctx, s.channelID, s.viewer.ID); err != nil {
		return fmt.Errorf("mark read %s: %w", s.channelID, err)
	}
	return nil
}

// NotifyTyping forwards a local keystroke as a typing ping, at most once per
// TypingSendInterval.
func (s *Session) NotifyTyping(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	allowed := s.machine.CanSend(s.viewer.Role) && s.outbound.AllowN(s.clock.Now(), 1)
	s.mu.Unlock()

	if !allowed {
		return nil
	}
	if err := s.provider.SendTyping(ctx, s.channelID, s.viewer.ID); err != nil {
		return fmt.Errorf("send typing %s: %w", s.channelID, err)
	}
	return nil
}

// OnEvent decodes a raw push frame and applies it. Malformed frames are
// logged, counted and dropped.
func (s *Session) OnEvent(raw []byte) error {
	ev, err := reconcile.Decode(raw)
	if err != nil {
		s.metrics.Dropped("malformed")
		s.logger.Warn("Dropping malformed event", "error", err)
		return err
	}
	_, err = s.Apply(ev)
	return err
}

// Apply merges one decoded event and returns the scroll instruction it
// produced.
func (s *Session) Apply(ev reconcile.Event) (domain.Instruction, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.InstructionNone, domain.ErrSessionClosed
	}

	d, err := s.rec.Apply(ev)
	if err != nil {
		s.mu.Unlock()
		s.metrics.Dropped("rejected")
		s.logger.Warn("Dropping event", "type", ev.Type, "error", err)
		return domain.InstructionNone, err
	}
	s.metrics.Event(string(ev.Type))
	if d.Duplicate {
		s.metrics.Dropped("duplicate")
	}

	instr, stopped := s.absorbLocked(d)
	s.mu.Unlock()

	for _, id := range stopped {
		s.typing.Clear(id)
	}
	if d.TypingFrom != "" {
		// The debouncer publishes when the indicator flips.
		s.typing.OnPing(d.TypingFrom, s.clock.Now())
		return instr, nil
	}
	if !d.Empty() {
		s.publish()
	}
	return instr, nil
}

// absorbLocked feeds newly inserted messages to the scroll notifier and
// returns the senders whose typing indicator should stop.
func (s *Session) absorbLocked(d reconcile.Delta) (domain.Instruction, []string) {
	instr := domain.InstructionNone
	var stopped []string
	for _, m := range d.Inserted {
		if got := s.notifier.OnIncomingMessage(m, s.atBottom); got != domain.InstructionNone {
			instr = got
		}
		if !m.IsSystem() && m.SenderID != s.viewer.ID {
			stopped = append(stopped, m.SenderID)
		}
	}
	if instr != domain.InstructionNone {
		s.instruction = instr
	}
	return instr, stopped
}

// Resync re-fetches channel state and history and merges them. Replays
// are absorbed, so it is safe to call at any time.
func (s *Session) Resync(ctx context.Context) error {
	ch, err := s.provider.GetChannel(ctx, s.channelID)
	if err != nil {
		return fmt.Errorf("resync channel %s: %w", s.channelID, err)
	}
	history, err := s.provider.ListMessages(ctx, s.channelID)
	if err != nil {
		return fmt.Errorf("resync history %s: %w", s.channelID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	d := s.rec.Load(history)
	// Markers the provider never recorded must not outlive a disagreeing status.
	switch ch.Status {
	case domain.StatusClosed:
		s.rec.DropProvisional(domain.SystemReopened)
		s.reopen = nil
	case domain.StatusActive:
		s.rec.DropProvisional(domain.SystemClosed)
	}
	if ev, ok := transitionFor(ch, s.machine.Status(), s.clock.Now()); ok {
		td, err := s.rec.Apply(ev)
		if err != nil {
			s.logger.Warn("Resync transition rejected", "error", err)
		}
		d.Inserted = append(d.Inserted, td.Inserted...)
	}
	_, stopped := s.absorbLocked(d)
	s.mu.Unlock()

	for _, id := range stopped {
		s.typing.Clear(id)
	}
	s.publish()
	return nil
}

// transitionFor returns the remote transition that brings local up to ch.
func transitionFor(ch domain.Channel, local domain.ChannelStatus, now time.Time) (reconcile.Event, bool) {
	if ch.Status == "" || ch.Status == local {
		return reconcile.Event{}, false
	}
	if ch.Status == domain.StatusClosed {
		at := now
		if ch.ClosedAt != nil {
			at = *ch.ClosedAt
		}
		return reconcile.ChannelClosed(ch.ID, ch.ClosedBy, at), true
	}
	at := now
	if ch.ReopenedAt != nil {
		at = *ch.ReopenedAt
	}
	return reconcile.ChannelReopened(ch.ID, ch.ReopenedBy, at), true
}

// SetTransport records the push-stream state. Coming back up triggers a
// background resync so nothing missed while down is lost.
func (s *Session) SetTransport(state domain.TransportState) {
	s.mu.Lock()
	if s.closed || s.transport == state {
		s.mu.Unlock()
		return
	}
	resume := state == domain.TransportConnected
	s.transport = state
	if resume {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if resume {
		go func() {
			defer s.wg.Done()
			if err := s.Resync(s.ctx); err != nil && !errors.Is(err, domain.ErrSessionClosed) {
				s.logger.Warn("Resync after reconnect failed", "error", err)
			}
		}()
	}
	s.publish()
}

// Enter computes the initial scroll target. It is computed once per session.
func (s *Session) Enter() scroll.Target {
	s.mu.Lock()
	target := s.notifier.Enter(s.rec.Messages())
	if target.Bottom() {
		s.instruction = domain.InstructionScrollToBottom
		s.scrollTarget = ""
	} else {
		s.instruction = domain.InstructionScrollToMessage
		s.scrollTarget = target.MessageID
	}
	s.atBottom = target.Bottom()
	s.mu.Unlock()

	s.publish()
	return target
}

// Leave records that the viewer navigated away from the channel. The pending
// toast is dropped and the next Enter computes a fresh scroll target.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.notifier.Reset()
	s.instruction = domain.InstructionNone
	s.scrollTarget = ""
	s.mu.Unlock()
	s.publish()
}

// ScrolledToBottom records that the viewer reached the end of the list and
// clears the pending toast.
func (s *Session) ScrolledToBottom() {
	s.SetAtBottom(true)
}

// SetAtBottom records the viewer's scroll position.
func (s *Session) SetAtBottom(atBottom bool) {
	s.mu.Lock()
	if s.closed || s.atBottom == atBottom {
		s.mu.Unlock()
		return
	}
	s.atBottom = atBottom
	if atBottom {
		s.notifier.OnViewerScrolledToBottom()
	}
	s.mu.Unlock()
	s.publish()
}

// View builds the current read model.
func (s *Session) View() domain.ViewModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Subscribe registers fn to receive a fresh view after every change. The
// returned func unregisters it.
func (s *Session) Subscribe(fn func(domain.ViewModel)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// Dispose cancels every timer and in-flight send. Later calls on the session
// return ErrSessionClosed.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.lockTimer != nil {
		s.lockTimer.Stop()
		s.lockTimer = nil
	}
	s.subscribers = nil
	s.cancel()
	s.mu.Unlock()

	s.typing.Stop()
	s.wg.Wait()
	s.metrics.SessionClosed()
}

func (s *Session) viewLocked() domain.ViewModel {
	now := s.clock.Now()
	ch := s.machine.Channel()
	msgs := s.rec.Messages()
	if s.renderer != nil {
		for i := range msgs {
			if msgs[i].IsSystem() {
				msgs[i].Body = s.renderer.System(msgs[i], ch.DisplayName(msgs[i].SenderID))
			}
		}
	}

	locked := s.limiter.Remaining(now)
	vm := domain.ViewModel{
		ChannelID:      s.channelID,
		Status:         ch.Status,
		Messages:       msgs,
		IsAtBottom:     s.atBottom,
		PendingToast:   s.notifier.PendingToast(),
		Typing:         s.typing.Typing(now),
		LockedFor:      locked,
		Transport:      s.transport,
		CanSend:        locked == 0 && s.machine.CanSend(s.viewer.Role),
		CanClose:       s.machine.CanOfferClose(s.viewer.Role),
		Instruction:    s.instruction,
		ScrollTargetID: s.scrollTarget,
	}
	if i := scroll.FirstUnreadIndex(msgs, s.viewer.ID); i >= 0 {
		vm.FirstUnreadIndex = &i
	}
	return vm
}

// publish hands a fresh view to every subscriber. The pending scroll
// instruction is delivered once.
func (s *Session) publish() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	vm := s.viewLocked()
	s.instruction = domain.InstructionNone
	subs := make([]func(domain.ViewModel), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(vm)
	}
}

// armLockTickerLocked refreshes the countdown once per second while locked.
func (s *Session) armLockTickerLocked() {
	if s.lockTimer != nil {
		return
	}
	s.lockTimer = s.clock.AfterFunc(lockTick, s.onLockTick)
}

func (s *Session) onLockTick() {
	s.mu.Lock()
	s.lockTimer = nil
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.limiter.Remaining(s.clock.Now()) > 0 {
		s.armLockTickerLocked()
	}
	s.mu.Unlock()
	s.publish()
}

// stampLocked returns a local timestamp later than every message held, so
// a local echo always lands at the end of the list.
func (s *Session) stampLocked() time.Time {
	t := s.clock.Now()
	if last, ok := s.rec.Last(); ok && !t.After(last.CreatedAt) {
		t = last.CreatedAt.Add(time.Microsecond)
	}
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = t
	return t
}

func (s *Session) displayName(participantID string) string {
	ch := s.machine.Channel()
	return ch.DisplayName(participantID)
}
