package session

import "time"

// Outbound event action names. Every push to a connection is an Event
// tagged with one of these.
const (
	EventConversationStarted = "conversationStarted"
	EventReadyStatusUpdated  = "readyStatusUpdated"
	EventAdvanceQuestion     = "advanceQuestion"
	EventMessage             = "message"
	EventMessageConfirmed    = "messageConfirmed"
	EventChatHistory         = "chatHistory"
	EventConversationEnded   = "conversationEnded"
	EventPresenceUpdated     = "presenceUpdated"
	EventTypingStatus        = "typingStatus"
	EventCurrentState        = "currentState"
	EventError               = "error"
)

// Event is the tagged envelope for every outbound notification.
type Event struct {
	Action string `json:"action"`
	Data   any    `json:"data"`
}

// ConversationStarted reports either a formed conversation or that the
// caller was queued to wait for one.
type ConversationStarted struct {
	ChatID       string   `json:"chatId,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Matched      bool     `json:"matched"`
	Queued       bool     `json:"queued,omitempty"`
}

type ReadyStatusUpdated struct {
	UserID string `json:"userId"`
	Ready  bool   `json:"ready"`
}

type AdvanceQuestion struct {
	QuestionIndex int    `json:"questionIndex"`
	Question      string `json:"question,omitempty"`
	Ready         bool   `json:"ready"`
}

type Message struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageConfirmed echoes a stored message back to its sender. Delivered
// reports whether the peer copy was pushed or left queued.
type MessageConfirmed struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
	Delivered bool      `json:"delivered"`
}

type ChatHistory struct {
	ChatID           string    `json:"chatId"`
	Messages         []Message `json:"messages"`
	LastEvaluatedKey string    `json:"lastEvaluatedKey,omitempty"`
	HasMore          bool      `json:"hasMore"`
}

type ConversationEnded struct {
	ChatID    string    `json:"chatId"`
	EndedBy   string    `json:"endedBy"`
	EndReason string    `json:"endReason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceUpdated struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type TypingStatus struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

// CurrentState is the full view a client needs to resume after reconnect.
type CurrentState struct {
	UserID        string     `json:"userId"`
	ChatID        string     `json:"chatId,omitempty"`
	Participants  []string   `json:"participants,omitempty"`
	QuestionIndex int        `json:"questionIndex,omitempty"`
	Question      string     `json:"question,omitempty"`
	Ready         bool       `json:"ready"`
	PeerReady     bool       `json:"peerReady"`
	Ended         bool       `json:"ended"`
	EndedBy       string     `json:"endedBy,omitempty"`
	Presence      string     `json:"presence,omitempty"`
	LastSeenAt    *time.Time `json:"lastSeenAt,omitempty"`
}

// ErrorEvent is the error response shape. Action and RequestID tie the
// failure back to the inbound request that caused it.
type ErrorEvent struct {
	Error     string    `json:"error"`
	Code      ErrorCode `json:"code"`
	Action    string    `json:"action"`
	RequestID string    `json:"requestId"`
}
