// Package scroll decides whether an incoming message scrolls into view or
// surfaces as a toast, and where the viewport starts on channel entry.
package scroll

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/nfrund/carechat/internal/domain"
)

// PreviewLength is the maximum number of runes shown in a toast preview.
const PreviewLength = 80

// NameResolver maps a participant id to a display name.
type NameResolver func(participantID string) string

// Target is where the viewport should land when a channel is opened.
type Target struct {
	// MessageID is empty when the target is the bottom of the list.
	MessageID string
	Index     int
}

// Bottom reports whether the target is the end of the list.
func (t Target) Bottom() bool {
	return t.MessageID == ""
}

// Notifier holds the single toast slot for one channel view.
type Notifier struct {
	mu          sync.Mutex
	localID     string
	names       NameResolver
	toast       *domain.Toast
	initial     *Target
	initialDone bool
}

// New creates a Notifier for the viewer identified by localID.
func New(localID string, names NameResolver) *Notifier {
	if names == nil {
		names = func(id string) string { return id }
	}
	return &Notifier{localID: localID, names: names}
}

// OnIncomingMessage returns ScrollToBottom when the viewer is at the bottom.
// Otherwise a remote USER message replaces whatever toast is pending; local
// echoes and SYSTEM messages never raise a toast.
func (n *Notifier) OnIncomingMessage(msg domain.Message, viewerIsAtBottom bool) domain.Instruction {
	if viewerIsAtBottom {
		return domain.InstructionScrollToBottom
	}
	if msg.IsSystem() || msg.SenderID == n.localID {
		return domain.InstructionNone
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.toast = &domain.Toast{
		MessageID:  msg.ID,
		SenderName: n.names(msg.SenderID),
		Preview:    Preview(msg.Body),
	}
	return domain.InstructionNone
}

// OnViewerScrolledToBottom clears the pending toast. It is called however
// the viewer got there, including by clicking the toast.
func (n *Notifier) OnViewerScrolledToBottom() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toast = nil
}

// PendingToast returns a copy of the pending toast, if any.
func (n *Notifier) PendingToast() *domain.Toast {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.toast == nil {
		return nil
	}
	t := *n.toast
	return &t
}

// Enter computes the initial scroll target once per channel open. Later calls
// return the first result until Reset.
func (n *Notifier) Enter(messages []domain.Message) Target {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.initialDone {
		t := ComputeInitialScrollTarget(messages, n.localID)
		n.initial = &t
		n.initialDone = true
	}
	return *n.initial
}

// Reset forgets the initial target and any toast, for a fresh channel open.
func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toast = nil
	n.initial = nil
	n.initialDone = false
}

// ComputeInitialScrollTarget returns the first unread message authored by a
// remote participant, or the bottom when everything has been read.
func ComputeInitialScrollTarget(messages []domain.Message, localID string) Target {
	if i := FirstUnreadIndex(messages, localID); i >= 0 {
		return Target{MessageID: messages[i].ID, Index: i}
	}
	return Target{Index: len(messages)}
}

// FirstUnreadIndex returns the index of the first unread remote USER message, or -1.
func FirstUnreadIndex(messages []domain.Message, localID string) int {
	for i, m := range messages {
		if !m.IsRead && !m.IsSystem() && m.SenderID != localID {
			return i
		}
	}
	return -1
}

// Preview collapses whitespace and truncates body to PreviewLength runes.
func Preview(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(s) <= PreviewLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewLength-1]) + "…"
}
