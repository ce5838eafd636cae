package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/carechat/internal/clock"
	"github.com/nfrund/carechat/internal/domain"
	"github.com/nfrund/carechat/internal/i18n"
	"github.com/nfrund/carechat/internal/lifecycle"
	"github.com/nfrund/carechat/internal/metrics"
	"github.com/nfrund/carechat/internal/provider"
	"github.com/nfrund/carechat/internal/reconcile"
)

var (
	t0      = time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	nurse   = lifecycle.Actor{ID: "nurse-1", Role: domain.RoleStaff}
	patient = lifecycle.Actor{ID: "patient-1", Role: domain.RolePatient}
)

// fakeProvider records calls and answers from canned state.
type fakeProvider struct {
	mu sync.Mutex

	now     func() time.Time
	channel domain.Channel
	history []domain.Message

	sendErr  error
	sendGate chan struct{}
	closeErr error
	sends    []provider.SendRequest
	reads    int
	typings  int
	fetches  int
}

func (f *fakeProvider) GetChannel(_ context.Context, _ string) (domain.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.channel, nil
}

func (f *fakeProvider) ListMessages(_ context.Context, _ string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Message(nil), f.history...), nil
}

func (f *fakeProvider) SendMessage(ctx context.Context, channelID string, req provider.SendRequest) (domain.Message, error) {
	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Message{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, req)
	if f.sendErr != nil {
		return domain.Message{}, f.sendErr
	}
	return domain.Message{
		ID:        "srv-" + req.ClientMessageID,
		ChannelID: channelID,
		Kind:      domain.MessageUser,
		SenderID:  req.SenderID,
		Body:      req.Body,
		CreatedAt: f.now(),
		ClientID:  req.ClientMessageID,
	}, nil
}

func (f *fakeProvider) CloseChannel(_ context.Context, channelID, participantID string) (domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return domain.Message{}, f.closeErr
	}
	return domain.NewSystemMessage(channelID, domain.SystemClosed, participantID, f.now()), nil
}

func (f *fakeProvider) MarkRead(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return nil
}

func (f *fakeProvider) SendTyping(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typings++
	return nil
}

func (f *fakeProvider) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeProvider) set(fn func(*fakeProvider)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type harness struct {
	clock    *clock.Manual
	provider *fakeProvider
	session  *Session
}

func testChannel(status domain.ChannelStatus) domain.Channel {
	return domain.Channel{
		ID:     "ch-1",
		Status: status,
		Kind:   domain.KindStaffInitiated,
		Participants: []domain.Participant{
			{ID: nurse.ID, DisplayName: "Nurse Kim", Role: domain.RoleStaff},
			{ID: patient.ID, DisplayName: "Lee", Role: domain.RolePatient},
		},
	}
}

func newHarness(t *testing.T, ch domain.Channel, viewer lifecycle.Actor, history []domain.Message, opts ...Option) *harness {
	t.Helper()
	c := clock.NewManual(t0)
	p := &fakeProvider{now: c.Now, channel: ch, history: history}

	seq := 0
	ids := func() string {
		seq++
		return fmt.Sprintf("c%d", seq)
	}
	opts = append([]Option{WithClock(c), WithClientIDs(ids)}, opts...)
	s := New(ch, history, Config{Viewer: viewer}, p, opts...)
	t.Cleanup(s.Dispose)
	return &harness{clock: c, provider: p, session: s}
}

func remoteMessage(id, sender, body string, at time.Time) domain.Message {
	return domain.Message{
		ID:        id,
		ChannelID: "ch-1",
		Kind:      domain.MessageUser,
		SenderID:  sender,
		Body:      body,
		CreatedAt: at,
	}
}

func countSystem(msgs []domain.Message, st domain.SystemType) int {
	n := 0
	for _, m := range msgs {
		if m.IsSystem() && m.SystemType == st {
			n++
		}
	}
	return n
}

func TestSession_SendConfirmsOptimisticEcho(t *testing.T) {
	h := newHarness(t, testChannel(domain.StatusActive), nurse, nil)

	local, err := h.session.Send(context.Background(), "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, reconcile.LocalID("c1"), local.ID)
	assert.Equal(t, "hello", local.Body)
	assert.Equal(t, domain.DeliveryPending, local.Delivery)

	h.session.wg.Wait()

	vm := h.session.View()
	require.Len(t, vm.Messages, 1)
	assert.Equal(t, "srv-c1", vm.Messages[0].ID)
	assert.Equal(t, domain.DeliverySent, vm.Messages[0].Delivery)

	// The push copy of the same message is absorbed.
	_, err = h.session.Apply(reconcile.MessageReceived(vm.Messages[0]))
	require.NoError(t, err)
	assert.Len(t, h.session.View().Messages, 1)
}

func TestSession_SendRejectsEmptyBody(t *testing.T) {
	h := newHarness(t, testChannel(domain.StatusActive), nurse, nil)

	_, err := h.session.Send(context.Background(), " \n\t ")
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	assert.Empty(t, h.session.View().Messages)
	assert.Zero(t, h.provider.sendCount())
}

func TestSession_StaffSendReopensClosedChannel(t *testing.T) {
	ch := testChannel(domain.StatusClosed)
	closedAt := t0.Add(-time.Hour)
	ch.ClosedAt = &closedAt
	ch.ClosedBy = nurse.ID
	history := []domain.Message{
		remoteMessage("m1", patient.ID, "thanks", t0.Add(-2*time.Hour)),
		domain.NewSystemMessage("ch-1", domain.SystemClosed, nurse.ID, closedAt),
	}
	h := newHarness(t, ch, nurse, history)

	_, err := h.session.Send(context.Background(), "following up")
	require.NoError(t, err)
	h.session.wg.Wait()

	vm := h.session.View()
	assert.Equal(t, domain.StatusActive, vm.Status)
	require.Len(t, vm.Messages, 4)
	assert.Equal(t, domain.SystemReopened, vm.Messages[2].SystemType)
	assert.Equal(t, nurse.ID, vm.Messages[2].SenderID)
	assert.Equal(t, "following up", vm.Messages[3].Body)
	assert.Equal(t, 1, countSystem(vm.Messages, domain.SystemReopened))

	t.Run("provider marker replaces the provisional one", func(t *testing.T) {
		marker := domain.NewSystemMessage("ch-1", domain.SystemReopened, nurse.ID, t0)
		h.provider.set(func(f *fakeProvider) {
			f.channel.Status = domain.StatusActive
			f.history = append(f.history, marker)
		})

		require.NoError(t, h.session.Resync(context.Background()))

		msgs := h.session.View().Messages
		assert.Equal(t, 1, countSystem(msgs, domain.SystemReopened))
		for _, m := range msgs {
			assert.False(t, strings.HasPrefix(m.ID, reconcile.LocalIDPrefix), "leftover placeholder %s", m.ID)
		}
	})
}

func closedChannelHistory() (domain.Channel, []domain.Message) {
	ch := testChannel(domain.StatusClosed)
	closedAt := t0.Add(-time.Hour)
	ch.ClosedAt = &closedAt
	ch.ClosedBy = nurse.ID
	return ch, []domain.Message{
		remoteMessage("m1", patient.ID, "thanks", t0.Add(-2*time.Hour)),
		domain.NewSystemMessage("ch-1", domain.SystemClosed, nurse.ID, closedAt),
	}
}

func assertNoProvisionalMarkers(t *testing.T, msgs []domain.Message) {
	t.Helper()
	for _, m := range msgs {
		assert.False(t, strings.HasPrefix(m.ID, reconcile.LocalIDPrefix+"sys:"), "leftover marker %s", m.ID)
	}
}

func TestSession_FailedReopenSendRevertsToClosed(t *testing.T) {
	ch, history := closedChannelHistory()
	h := newHarness(t, ch, nurse, history)
	h.provider.set(func(f *fakeProvider) { f.sendErr = domain.ErrTransportUnavailable })

	_, err := h.session.Send(context.Background(), "following up")
	require.NoError(t, err)
	h.session.wg.Wait()

	vm := h.session.View()
	assert.Equal(t, domain.StatusClosed, vm.Status)
	assert.Zero(t, countSystem(vm.Messages, domain.SystemReopened))
	assertNoProvisionalMarkers(t, vm.Messages)
	require.Len(t, vm.Messages, 3)
	assert.Equal(t, domain.SystemClosed, vm.Messages[1].SystemType)
	assert.Equal(t, domain.DeliveryFailed, vm.Messages[2].Delivery)
	assert.False(t, vm.CanClose)

	t.Run("resync agrees with the provider", func(t *testing.T) {
		require.NoError(t, h.session.Resync(context.Background()))

		vm := h.session.View()
		assert.Equal(t, domain.StatusClosed, vm.Status)
		assert.Zero(t, countSystem(vm.Messages, domain.SystemReopened))
		assert.Equal(t, 1, countSystem(vm.Messages, domain.SystemClosed))
	})

	t.Run("retry reopens before the message", func(t *testing.T) {
		h.provider.set(func(f *fakeProvider) { f.sendErr = nil })
		h.clock.Advance(time.Second)
		require.NoError(t, h.session.Retry(context.Background(), "c1"))
		h.session.wg.Wait()

		vm := h.session.View()
		assert.Equal(t, domain.StatusActive, vm.Status)
		require.Len(t, vm.Messages, 4)
		assert.Equal(t, domain.SystemReopened, vm.Messages[2].SystemType)
		assert.Equal(t, "srv-c1", vm.Messages[3].ID)
		assert.Equal(t, 1, countSystem(vm.Messages, domain.SystemReopened))
	})
}

func TestSession_ResyncWhileReopenInFlight(t *testing.T) {
	ch, history := closedChannelHistory()
	h := newHarness(t, ch, nurse, history)
	gate := make(chan struct{})
	h.provider.set(func(f *fakeProvider) { f.sendGate = gate })

	_, err := h.session.Send(context.Background(), "following up")
	require.NoError(t, err)

	vm := h.session.View()
	require.Equal(t, domain.StatusActive, vm.Status)
	require.Equal(t, 1, countSystem(vm.Messages, domain.SystemReopened))

	// An echo still in flight cannot be retried and keeps the reopen alive.
	assert.ErrorIs(t, h.session.Retry(context.Background(), "c1"), domain.ErrNotFound)
	assert.Equal(t, domain.StatusActive, h.session.View().Status)

	// The provider still reports the channel CLOSED.
	require.NoError(t, h.session.Resync(context.Background()))

	vm = h.session.View()
	assert.Equal(t, domain.StatusClosed, vm.Status)
	assert.Zero(t, countSystem(vm.Messages, domain.SystemReopened))
	assert.Equal(t, 1, countSystem(vm.Messages, domain.SystemClosed))
	assertNoProvisionalMarkers(t, vm.Messages)

	h.provider.set(func(f *fakeProvider) { f.sendErr = domain.ErrTransportUnavailable })
	close(gate)
	h.session.wg.Wait()

	vm = h.session.View()
	assert.Equal(t, domain.StatusClosed, vm.Status)
	assert.Equal(t, domain.DeliveryFailed, vm.Messages[len(vm.Messages)-1].Delivery)
}

func TestSession_PatientSendOnClosedChannel(t *testing.T) {
	h := newHarness(t, testChannel(domain.StatusClosed), patient, nil)

	_, err := h.session.Send(context.Background(), "hello?")
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
	assert.Equal(t, domain.KindChannelClosed, domain.KindOf(err))

	vm := h.session.View()
	assert.Equal(t, domain.StatusClosed, vm.Status)
	assert.Empty(t, vm.Messages)
	assert.False(t, vm.CanSend)
	assert.Zero(t, h.provider.sendCount())
}

func TestSession_FloodLock(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := newHarness(t, testChannel(domain.StatusActive), nurse, nil, WithMetrics(m))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.session.Send(ctx, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
	}

	_, err := h.session.Send(ctx, "one too many")
	var rl *domain.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 10, rl.SecondsRemaining)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	h.session.wg.Wait()
	assert.Equal(t, 5, h.provider.sendCount())
	assert.Len(t, h.session.View().Messages, 5)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SendsTotal.WithLabelValues("rate_limited")))

	var mu sync.Mutex
	var countdown []int
	unsubscribe := h.session.Subscribe(func(vm domain.ViewModel) {
		mu.Lock()
		defer mu.Unlock()
		countdown = append(countdown, vm.LockedFor)
	})
	defer unsubscribe()

	h.clock.Advance(3 * time.Second)
	vm := h.session.View()
	assert.Equal(t, 7, vm.LockedFor)
	assert.False(t, vm.CanSend)

	_, err = h.session.Send(ctx, "still locked")
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 7, rl.SecondsRemaining)

	h.clock.Advance(7 * time.Second)
	vm = h.session.View()
	assert.Zero(t, vm.LockedFor)
	assert.True(t, vm.CanSend)
	assert.Zero(t, h.clock.Pending())

	mu.Lock()
	require.NotEmpty(t, countdown)
	assert.Equal(t, 0, countdown[len(countdown)-1])
	mu.Unlock()

	_, err = h.session.Send(ctx, "back again")
	require.NoError(t, err)
}

func TestSession_FailedSendAndRetry(t *testing.T) {
	h := newHarness(t, testChannel(domain.StatusActive), nurse, nil)
	h.provider.set(func(f *fakeProvider) { f.sendErr = domain.ErrTransportUnavailable })

	_, err := h.session.Send(context.Background(), "are you there")
	require.NoError(t, err)
	h.session.wg.Wait()

	vm := h.session.View()
	require.Len(t, vm.Messages, 1)
	assert.Equal(t, domain.DeliveryFailed, vm.Messages[0].Delivery)

	h.provider.set(func(f *fakeProvider) { f.sendErr = nil })
	require.NoError(t, h.session.Retry(context.Background(), "c1"))
	h.session.wg.Wait()

	vm = h.session.View()
	require.Len(t, vm.Messages, 1)
	assert.Equal(t, "srv-c1", vm.Messages[0].ID)
	assert.Equal(t, domain.DeliverySent, vm.Messages[0].Delivery)

	h.provider.mu.Lock()
	require.Len(t, h.provider.sends, 2)
	assert.Equal(t, h.provider.sends[0].ClientMessageID, h.provider.sends[1].ClientMessageID)
	h.provider.mu.Unlock()

	assert.ErrorIs(t, h.session.Retry(context.Background(), "c1"), domain.ErrNotFound)
}

func TestSession_RemoteEvents(t *testing.T) {
	t.Run("duplicate delivery collapses", func(t *testing.T) {
		h := newHarness(t, testChannel(domain.StatusActive), nurse, nil)
		m := remoteMessage("m1", patient.ID, "hi", t0)

		for i := 0; i < 3; i++ {
			_, err := h.session.Apply(reconcile.MessageReceived(m))
			require.NoError(t, err)
		}
		assert.Len(t, h.session.View().Messages, 1)
	})

	t.Run("out of order arrival is sorted", func(t *testing.T) {
		h := newHarness(t, testChannel(domain.StatusActive), nurse, nil)
		late := remoteMessage("m2", patient.ID, "second", t0.Add(time.Second))
		early := remoteMessage("m1", patient.ID, "first", t0)

		_, err := h.session.Apply(reconcile.MessageReceived(late))
		require.NoError(t, err)
		_, err = h.session.Apply(reconcile.MessageReceived(early))
		require.NoError(t, err)

		msgs := h.session.View().Messages
		require.Len(t, msgs, 2)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.Equal(t, "m2", msgs[1].ID)
	})

	t.Run("read state never regresses", func(t *testing.T) {
		h := newHarness(t, testChannel(domain.StatusActive), nurse, nil)
		m := remoteMessage("m1", patient.ID, "hi", t0)
		m.IsRead = true

		_, err := h.session.Apply(reconcile.MessageReceived(m))
		require.NoError(t, err)
		m.IsRead = false
		_, err = h.session.Apply(reconcile.MessageReceived(m))
		require.NoError(t, err)

		assert.True(t, h.session.View().Messages[0].IsRead)
	})

	t.Run("remote close then duplicate close", func(t *testing.T) {
		h := newHarness(t, testChannel(domain.StatusActive), patient, nil)
		ev := reconcile.ChannelClosed("ch-1", nurse.ID, t0)

		_, err := h.session.Apply(ev)
		require.NoError(t, err)
		_, err = h.session.Apply(ev)
		require.NoError(t, err)

		vm := h.session.View()
		assert.Equal(t, domain.StatusClosed, vm.Status)
		assert.Equal(t, 1, countSystem(vm.Messages, domain.SystemClosed))
		assert.False(t, vm.CanSend)
	})

	t.Run("event for another channel is rejected", func(t *testing.T) {
		h := newHarness(t, testChannel(domain.StatusActive), nurse, nil)
		other := remoteMessage("m1", patient.ID, "hi", t0)
		other.ChannelID = "ch-2"

		_, err := h.session.Apply(reconcile.MessageReceived(other))
		assert.ErrorIs(t, err, domain.ErrMalformedEvent)
		assert.Empty(t, h.session.View().Messages)
	})

	t.Run("malformed frame is dropped", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		h := newHarness(t, testChannel(domain.StatusActive), nurse, nil, WithMetrics(m))

		err := h.session.OnEvent([]byte(`{"type":"message","channelId":"ch-1"`))
		assert.ErrorIs(t, err, domain.ErrMalformedEvent)
		assert.Empty(t, h.session.View().Messages)
		assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsDropped.WithLabelValues("malformed")))
	})

	t.Run("raw frame is decoded", func(t *testing.T) {
		h := newHarness(t, testChannel(domain.StatusActive), nurse, nil)
		raw, err := reconcile.Encode(reconcile.MessageReceived(remoteMessage("m1", patient.ID, "hi", t0)))
		require.NoError(t, err)

		require.NoError(t, h.session.OnEvent(raw))
		assert.Len(t, h.session.View().Messages, 1)
	})
}

func TestSession_TypingIndicator(t *testing.T) {
	h := newHarness(t, testChannel(domain.StatusActive), nurse, nil)

	_, err := h.session.Apply(reconcile.TypingPing("ch-1", patient.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{patient.ID}, h.session.View().Typing)

	h.clock.Advance(time.Second)
	assert.Equal(t, []string{patient.ID}, h.session.View().Typing)

	h.clock.Advance(2100 * time.Millisecond)
	assert.Empty(t, h.session.View().Typing)

	t.Run("own pings are ignored", func(t *testing.T) {
		_, err := h.session.Apply(reconcile.TypingPing("ch-1", nurse.ID))
		require.NoError(t, err)
		assert.Empty(t, h.session.View().Typing)
	})

	t.Run("a message from the typist clears the indicator", func(t *testing.T) {
		_, err := h.session.Apply(reconcile.TypingPing("ch-1", patient.ID))
		require.NoError(t, err)
		_, err = h.session.Apply(reconcile.MessageReceived(remoteMessage("m1", patient.ID, "done", h.clock.Now())))
		require.NoError(t, err)
		assert.Empty(t, h.session.View().Typing)
	})
}

func TestSession_NotifyTypingIsThrottled(t *testing.T) {
	h := newHarness(t, testChannel(domain.StatusActive), nurse, nil)
	ctx := context.Background()

	require.NoError(t, h.session.NotifyTyping(ctx))
	require.NoError(t, h.session.NotifyTyping(ctx))
	h.clock.Advance(time.Second)
	require.NoError(t, h.session.NotifyTyping(ctx))
	h.clock.Advance(time.Second)
	require.NoError(t, h.session.NotifyTyping(ctx))

	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	assert.Equal(t, 2, h.provider.typings)
}

func TestSession_ScrollAwareness(t *testing.T) {
	history := []domain.Message{
		remoteMessage("m1", patient.ID, "old", t0.Add(-time.Minute)),
	}
	history[0].IsRead = true
	h := newHarness(t, testChannel(domain.StatusActive), nurse, history)

	target := h.session.Enter()
	assert.True(t, target.Bottom())

	t.Run("at bottom follows new messages", func(t *testing.T) {
		instr, err := h.session.Apply(reconcile.MessageReceived(remoteMessage("m2", patient.ID, "new", t0)))
		require.NoError(t, err)
		assert.Equal(t, domain.InstructionScrollToBottom, instr)
		assert.Nil(t, h.session.View().PendingToast)
	})

	t.Run("scrolled up raises a toast", func(t *testing.T) {
		h.session.SetAtBottom(false)

		instr, err := h.session.Apply(reconcile.MessageReceived(remoteMessage("m3", patient.ID, "are you there", t0.Add(time.Second))))
		require.NoError(t, err)
		assert.Equal(t, domain.InstructionNone, instr)

		toast := h.session.View().PendingToast
		require.NotNil(t, toast)
		assert.Equal(t, "m3", toast.MessageID)
		assert.Equal(t, "Lee", toast.SenderName)
		assert.Equal(t, "are you there", toast.Preview)

		h.session.ScrolledToBottom()
		assert.Nil(t, h.session.View().PendingToast)
		assert.True(t, h.session.View().IsAtBottom)
	})
}

func TestSession_EnterScrollsToFirstUnread(t *testing.T) {
	history := []domain.Message{
		remoteMessage("m1", patient.ID, "read", t0.Add(-2*time.Minute)),
		remoteMessage("m2", patient.ID, "unread", t0.Add(-time.Minute)),
	}
	history[0].IsRead = true
	h := newHarness(t, testChannel(domain.StatusActive), nurse, history)

	var got []domain.ViewModel
	h.session.Subscribe(func(vm domain.ViewModel) { got = append(got, vm) })

	target := h.session.Enter()
	assert.Equal(t, "m2", target.MessageID)

	require.Len(t, got, 1)
	assert.Equal(t, domain.InstructionScrollToMessage, got[0].Instruction)
	assert.Equal(t, "m2", got[0].ScrollTargetID)
	require.NotNil(t, got[0].FirstUnreadIndex)
	assert.Equal(t, 1, *got[0].FirstUnreadIndex)
	assert.False(t, got[0].IsAtBottom)

	// The instruction is delivered once.
	assert.Equal(t, domain.InstructionNone, h.session.View().Instruction)
}

func TestSession_LeaveStartsNewVisit(t *testing.T) {
	history := []domain.Message{remoteMessage("m1", patient.ID, "unread", t0.Add(-time.Minute))}
	h := newHarness(t, testChannel(domain.StatusActive), nurse, history)

	assert.Equal(t, "m1", h.session.Enter().MessageID)
	require.NoError(t, h.session.MarkRead(context.Background()))

	// Within one visit the first target sticks.
	assert.Equal(t, "m1", h.session.Enter().MessageID)

	h.session.Leave()
	assert.True(t, h.session.Enter().Bottom())
}

func TestSession_MarkRead(t *testing.T) {
	history := []domain.Message{
		remoteMessage("m1", patient.ID, "hi", t0),
	}
	h := newHarness(t, testChannel(domain.StatusActive), nurse, history)

	require.NoError(t, h.session.MarkRead(context.Background()))

	vm := h.session.View()
	assert.True(t, vm.Messages[0].IsRead)
	assert.Nil(t, vm.FirstUnreadIndex)
	h.provider.mu.Lock()
	assert.Equal(t, 1, h.provider.reads)
	h.provider.mu.Unlock()

	t.Run("remote read receipt marks own messages", func(t *testing.T) {
		_, err := h.session.Send(context.Background(), "see you tomorrow")
		require.NoError(t, err)
		h.session.wg.Wait()

		_, err = h.session.Apply(reconcile.ReadReceipt("ch-1", patient.ID))
		require.NoError(t, err)

		msgs := h.session.View().Messages
		assert.True(t, msgs[len(msgs)-1].IsRead)
	})
}

func TestSession_Close(t *testing.T) {
	t.Run("staff closes", func(t *testing.T) {
		r, err := i18n.NewRenderer("en")
		require.NoError(t, err)
		h := newHarness(t, testChannel(domain.StatusActive), nurse, nil, WithRenderer(r))

		require.NoError(t, h.session.Close(context.Background()))

		vm := h.session.View()
		assert.Equal(t, domain.StatusClosed, vm.Status)
		assert.False(t, vm.CanClose)
		require.Len(t, vm.Messages, 1)
		assert.Equal(t, domain.SystemClosed, vm.Messages[0].SystemType)
		assert.Equal(t, "Nurse Kim ended the conversation", vm.Messages[0].Body)

		// The push copy of the same transition adds nothing.
		_, err = h.session.Apply(reconcile.ChannelClosed("ch-1", nurse.ID, t0))
		require.NoError(t, err)
		assert.Len(t, h.session.View().Messages, 1)

		err = h.session.Close(context.Background())
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("patient may not close", func(t *testing.T) {
		h := newHarness(t, testChannel(domain.StatusActive), patient, nil)

		err := h.session.Close(context.Background())
		assert.ErrorIs(t, err, domain.ErrForbidden)
		assert.Equal(t, domain.StatusActive, h.session.View().Status)
	})

	t.Run("internal channels are never closed", func(t *testing.T) {
		ch := testChannel(domain.StatusActive)
		ch.Kind = domain.KindInternal
		h := newHarness(t, ch, nurse, nil)

		assert.False(t, h.session.View().CanClose)
		assert.ErrorIs(t, h.session.Close(context.Background()), domain.ErrForbidden)
	})

	t.Run("already closed upstream resyncs", func(t *testing.T) {
		h := newHarness(t, testChannel(domain.StatusActive), nurse, nil)
		closedAt := t0.Add(-time.Second)
		h.provider.set(func(f *fakeProvider) {
			f.closeErr = domain.ErrChannelClosed
			f.channel.Status = domain.StatusClosed
			f.channel.ClosedAt = &closedAt
			f.channel.ClosedBy = "nurse-2"
			f.history = []domain.Message{domain.NewSystemMessage("ch-1", domain.SystemClosed, "nurse-2", closedAt)}
		})

		require.NoError(t, h.session.Close(context.Background()))

		vm := h.session.View()
		assert.Equal(t, domain.StatusClosed, vm.Status)
		assert.Equal(t, 1, countSystem(vm.Messages, domain.SystemClosed))
	})
}

func TestSession_ResyncOnReconnect(t *testing.T) {
	h := newHarness(t, testChannel(domain.StatusActive), patient, nil)
	missed := remoteMessage("m1", nurse.ID, "while you were away", t0)
	h.provider.set(func(f *fakeProvider) { f.history = []domain.Message{missed} })

	h.session.SetTransport(domain.TransportUnavailable)
	assert.Equal(t, domain.TransportUnavailable, h.session.View().Transport)

	h.session.SetTransport(domain.TransportConnected)
	h.session.wg.Wait()

	vm := h.session.View()
	assert.Equal(t, domain.TransportConnected, vm.Transport)
	require.Len(t, vm.Messages, 1)
	assert.Equal(t, "m1", vm.Messages[0].ID)

	h.provider.mu.Lock()
	assert.Equal(t, 1, h.provider.fetches)
	h.provider.mu.Unlock()

	// A repeated state is not a reconnect.
	h.session.SetTransport(domain.TransportConnected)
	h.session.wg.Wait()
	h.provider.mu.Lock()
	assert.Equal(t, 1, h.provider.fetches)
	h.provider.mu.Unlock()
}

func TestSession_Dispose(t *testing.T) {
	h := newHarness(t, testChannel(domain.StatusActive), nurse, nil)
	_, err := h.session.Apply(reconcile.TypingPing("ch-1", patient.ID))
	require.NoError(t, err)

	h.session.Dispose()
	h.session.Dispose()

	_, err = h.session.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	_, err = h.session.Apply(reconcile.TypingPing("ch-1", patient.ID))
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.ErrorIs(t, h.session.Close(context.Background()), domain.ErrSessionClosed)
	assert.Zero(t, h.clock.Pending())
}
