package domain

import "time"

// Presence values stored on a user record.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
	PresenceAway    = "away"
)

// User is the durable record for one authenticated identity. The connection
// id is a cache of the user's current live transport session; an empty value
// means the user is not reachable.
type User struct {
	UserID        string
	Email         string
	Name          string
	ConnectionID  string
	ActiveChatID  string
	Ready         bool
	QuestionIndex int
	LastSeenAt    time.Time
	Presence      string
	Typing        bool
}

// Reachable reports whether the user currently has a live connection bound.
func (u User) Reachable() bool {
	return u.ConnectionID != ""
}

// InConversation reports whether the user is currently paired.
func (u User) InConversation() bool {
	return u.ActiveChatID != ""
}

// ValidPresence reports whether s is one of the accepted presence values.
func ValidPresence(s string) bool {
	switch s {
	case PresenceOnline, PresenceOffline, PresenceAway:
		return true
	}
	return false
}
