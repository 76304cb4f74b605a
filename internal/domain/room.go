package domain

import "time"

// GroupRoom is a generated room bound to a roster at creation time.
type GroupRoom struct {
	ID        string    `json:"roomId"`
	Name      string    `json:"name"`
	CreatorID string    `json:"creatorId"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether userID is on the roster.
func (g *GroupRoom) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// ConversationSummary is derived from the message log on demand and never
// stored.
type ConversationSummary struct {
	RoomID        string     `json:"roomId"`
	CounterpartID string     `json:"counterpartId"`
	LastMessage   string     `json:"lastMessage"`
	LastSenderID  string     `json:"lastSenderId,omitempty"`
	LastTimestamp *time.Time `json:"lastTimestamp,omitempty"`
	UnreadCount   int        `json:"unreadCount"`
}

// Empty reports whether the conversation has no messages yet.
func (s *ConversationSummary) Empty() bool {
	return s.LastTimestamp == nil
}

// PresenceEntry is the ephemeral record of a participant connected to a room.
type PresenceEntry struct {
	RoomID      string    `json:"room_id"`
	UserID      string    `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
	IsTyping    bool      `json:"is_typing"`
}
