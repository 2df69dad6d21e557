package domain

import "time"

// Message is one persisted chat message. Messages are immutable once
// written; Queued marks copies awaiting replay to a disconnected recipient.
type Message struct {
	MessageID   string
	ChatID      string
	SenderID    string
	Content     string
	SentAt      time.Time
	Queued      bool
	DeliveredAt *time.Time
}

// SortKey is the range key a message is stored under. Timestamp-first so a
// range scan reads in send order, message id appended so retries of the
// same send collapse onto one item instead of duplicating.
func (m Message) SortKey() string {
	return m.SentAt.UTC().Format(time.RFC3339Nano) + "#" + m.MessageID
}
