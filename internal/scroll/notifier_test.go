package scroll

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/carechat/internal/domain"
)

const local = "nurse-1"

func names(id string) string {
	return map[string]string{"patient-1": "Lee"}[id]
}

func msg(id, sender string, read bool) domain.Message {
	return domain.Message{
		ID:        id,
		ChannelID: "ch-1",
		Kind:      domain.MessageUser,
		SenderID:  sender,
		Body:      "hello " + id,
		CreatedAt: time.Unix(1_700_000_000, 0),
		IsRead:    read,
	}
}

func TestNotifier_AtBottomScrollsWithoutToast(t *testing.T) {
	n := New(local, names)

	got := n.OnIncomingMessage(msg("m1", "patient-1", false), true)

	assert.Equal(t, domain.InstructionScrollToBottom, got)
	assert.Nil(t, n.PendingToast())
}

func TestNotifier_ScrolledUpRaisesOneToast(t *testing.T) {
	n := New(local, names)

	got := n.OnIncomingMessage(msg("m1", "patient-1", false), false)
	assert.Equal(t, domain.InstructionNone, got)

	toast := n.PendingToast()
	require.NotNil(t, toast)
	assert.Equal(t, "Lee", toast.SenderName)
	assert.Equal(t, "hello m1", toast.Preview)

	n.OnIncomingMessage(msg("m2", "patient-1", false), false)
	toast = n.PendingToast()
	require.NotNil(t, toast)
	assert.Equal(t, "m2", toast.MessageID, "newer message replaces the slot")
}

func TestNotifier_IgnoresLocalAndSystemMessages(t *testing.T) {
	n := New(local, names)

	n.OnIncomingMessage(msg("m1", local, false), false)
	sys := domain.NewSystemMessage("ch-1", domain.SystemClosed, "nurse-2", time.Now())
	n.OnIncomingMessage(sys, false)

	assert.Nil(t, n.PendingToast())
}

func TestNotifier_ScrolledToBottomClearsToast(t *testing.T) {
	n := New(local, names)
	n.OnIncomingMessage(msg("m1", "patient-1", false), false)

	n.OnViewerScrolledToBottom()
	assert.Nil(t, n.PendingToast())
}

func TestComputeInitialScrollTarget(t *testing.T) {
	t.Run("first unread remote message", func(t *testing.T) {
		messages := []domain.Message{
			msg("m1", "patient-1", true),
			msg("m2", local, false),
			msg("m3", "patient-1", false),
			msg("m4", "patient-1", false),
		}
		target := ComputeInitialScrollTarget(messages, local)
		assert.False(t, target.Bottom())
		assert.Equal(t, "m3", target.MessageID)
		assert.Equal(t, 2, target.Index)
	})

	t.Run("everything read goes to bottom", func(t *testing.T) {
		messages := []domain.Message{msg("m1", "patient-1", true), msg("m2", local, false)}
		target := ComputeInitialScrollTarget(messages, local)
		assert.True(t, target.Bottom())
		assert.Equal(t, 2, target.Index)
	})
}

func TestNotifier_EnterIsComputedOnce(t *testing.T) {
	n := New(local, names)
	first := n.Enter([]domain.Message{msg("m1", "patient-1", false)})
	assert.Equal(t, "m1", first.MessageID)

	again := n.Enter([]domain.Message{msg("m1", "patient-1", true)})
	assert.Equal(t, first, again)

	n.Reset()
	assert.True(t, n.Enter([]domain.Message{msg("m1", "patient-1", true)}).Bottom())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b c", Preview("  a\n b\t c "))

	long := strings.Repeat("가", 100)
	p := Preview(long)
	assert.Equal(t, PreviewLength, len([]rune(p)))
	assert.True(t, strings.HasSuffix(p, "…"))
}
