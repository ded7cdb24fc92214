package domain

import "time"

// Participant is the display shape of the other side of a conversation.
type Participant struct {
	ID         string `json:"id"`
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	AvatarURL  string `json:"avatarUrl"`
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ID          string      `json:"id"`
	OtherUser   Participant `json:"otherUser"`
	LastMessage string      `json:"lastMessage"`
	TimeLabel   string      `json:"time"`
	Unread      bool        `json:"unread"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// ConversationRef is returned by get-or-create.
type ConversationRef struct {
	ID          string `json:"id"`
	OtherUserID string `json:"otherUserId"`
	Name        string `json:"name"`
	AvatarURL   string `json:"avatarUrl"`
}

// MessageView is a message annotated for display to a specific caller.
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	SenderAvatar   string    `json:"senderAvatar"`
	IsCurrentUser  bool      `json:"isCurrentUser"`
	CreatedAt      time.Time `json:"createdAt"`
}

// UserResult is a chat-partner search hit.
type UserResult struct {
	UserID     string `json:"userId"`
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	AvatarURL  string `json:"avatarUrl"`
	Email      string `json:"email,omitempty"`
}

// OpenChatRequest asks the chat widget to open a window with a user.
type OpenChatRequest struct {
	UserID      string
	ExternalID  string
	DisplayName string
	AvatarURL   string
}
