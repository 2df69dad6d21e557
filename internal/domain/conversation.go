package domain

import (
	"errors"
	"strings"
	"time"
)

// ChatIDSeparator joins the two sorted participant ids into a chat id.
const ChatIDSeparator = "#"

var ErrSameParticipant = errors.New("domain: participants must differ")

// Pair is the fixed two-element participant set of a conversation, always
// stored sorted so that the derived chat id is deterministic for a given
// pair regardless of who initiated.
type Pair [2]string

// NewPair normalizes two user ids into a sorted pair.
func NewPair(a, b string) (Pair, error) {
	if a == b {
		return Pair{}, ErrSameParticipant
	}
	if a > b {
		a, b = b, a
	}
	return Pair{a, b}, nil
}

// ChatID derives the deterministic conversation id for the pair.
func (p Pair) ChatID() string {
	return p[0] + ChatIDSeparator + p[1]
}

// Contains reports whether userID is one of the two participants.
func (p Pair) Contains(userID string) bool {
	return p[0] == userID || p[1] == userID
}

// Peer returns the other participant. The second return is false when
// userID is not part of the pair.
func (p Pair) Peer(userID string) (string, bool) {
	switch userID {
	case p[0]:
		return p[1], true
	case p[1]:
		return p[0], true
	}
	return "", false
}

// ParticipantsFromChatID splits a chat id back into its pair. Used when a
// stored record carries only the key.
func ParticipantsFromChatID(chatID string) (Pair, bool) {
	a, b, ok := strings.Cut(chatID, ChatIDSeparator)
	if !ok || a == "" || b == "" {
		return Pair{}, false
	}
	return Pair{a, b}, true
}

// MessagePreview is the denormalized last-message summary kept on a
// conversation so history listings stay accurate without a message read.
type MessagePreview struct {
	Content string
	SentAt  time.Time
}

// Conversation is the persistent record of one paired chat. Once EndedBy is
// set the conversation is terminal: turn state no longer advances.
type Conversation struct {
	ChatID             string
	Participants       Pair
	CreatedAt          time.Time
	CreatedBy          string
	LastMessagePreview *MessagePreview
	LastUpdatedAt      time.Time
	EndedBy            string
	EndReason          string
	EndedAt            time.Time
}

// Ended reports whether either participant has ended the conversation.
func (c Conversation) Ended() bool {
	return c.EndedBy != ""
}
