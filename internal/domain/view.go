package domain

// Instruction tells the UI how to move the viewport after an update.
type Instruction string

const (
	InstructionNone            Instruction = ""
	InstructionScrollToBottom  Instruction = "SCROLL_TO_BOTTOM"
	InstructionScrollToMessage Instruction = "SCROLL_TO_MESSAGE"
)

// TransportState reports whether the push stream is currently delivering.
type TransportState string

const (
	TransportConnected   TransportState = "CONNECTED"
	TransportUnavailable TransportState = "UNAVAILABLE"
)

// Toast is the single-slot summary of an incoming message the viewer has not
// scrolled to yet.
type Toast struct {
	MessageID  string `json:"messageId"`
	SenderName string `json:"senderName"`
	Preview    string `json:"preview"`
}

// ViewModel is the read model handed to the UI. It is derived from the
// channel and its ordered messages and can be rebuilt at any time.
type ViewModel struct {
	ChannelID        string         `json:"channelId"`
	Status           ChannelStatus  `json:"status"`
	Messages         []Message      `json:"messages"`
	FirstUnreadIndex *int           `json:"firstUnreadIndex,omitempty"`
	IsAtBottom       bool           `json:"isAtBottom"`
	PendingToast     *Toast         `json:"pendingToast,omitempty"`
	Typing           []string       `json:"typing,omitempty"`
	LockedFor        int            `json:"lockedFor"`
	Transport        TransportState `json:"transport"`
	CanSend          bool           `json:"canSend"`
	CanClose         bool           `json:"canClose"`
	Instruction      Instruction    `json:"instruction,omitempty"`
	ScrollTargetID   string         `json:"scrollTargetId,omitempty"`
}
