package domain

import (
	"slices"
	"time"
)

// Conversation is a persisted two-party chat thread. Read-state changes never
// touch it; only message appends bump the activity fields.
type Conversation struct {
	ID                 string
	ParticipantIDs     []string
	PairKey            string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastMessageAt      time.Time
	LastMessagePreview string
	LastMessageSender  string
}

// HasParticipant reports whether userID is one of the conversation's participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && slices.Contains(c.ParticipantIDs, userID)
}

// OtherParticipant returns the participant that is not userID, or "" if none.
func (c Conversation) OtherParticipant(userID string) string {
	for _, id := range c.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

// ConversationActivity holds the fields bumped on a conversation when a message is appended.
type ConversationActivity struct {
	At      time.Time
	Preview string
	Sender  string
}

// PairKey returns the canonical key for an unordered pair of user ids.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "#" + b
}

// Message is a single chat message. ReadBy only grows.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
	ReadBy         []string
}

// IsUnreadBy reports whether userID has not yet seen a message authored by someone else.
func (m Message) IsUnreadBy(userID string) bool {
	return m.SenderID != userID && !slices.Contains(m.ReadBy, userID)
}
