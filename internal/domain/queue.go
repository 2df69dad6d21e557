package domain

import "time"

// DefaultQueueTTL bounds how long an unmatched queue entry survives before
// the store expires it.
const DefaultQueueTTL = time.Hour

// QueueEntry is one user waiting to be matched. Entries are ephemeral:
// claimed atomically by the matchmaker or expired by the store TTL.
type QueueEntry struct {
	UserID    string
	JoinedAt  time.Time
	ExpiresAt time.Time
}
