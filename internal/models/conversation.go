package models

import "time"

// Session roles
const (
	RoleAdmin       = "admin"
	RoleParticipant = "participant"
)

// Conversation stores information about a conversation
type Conversation struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`      // Short, shareable join code (e.g., "K7QX2M")
	CreatorID        string    `json:"creatorId"` // User ID of the admin who created it
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
}

// CreateConversationRequest is the request body for creating a conversation
type CreateConversationRequest struct {
	MaxParticipants int `json:"maxParticipants" binding:"omitempty,min=2,max=16"`
}

// CreateConversationResponse is the response for creating a conversation
type CreateConversationResponse struct {
	ConversationID string `json:"conversationId"`
	Code           string `json:"code"`
}

// JoinRequest exchanges a join code for a participant session
type JoinRequest struct {
	Code        string `json:"code" binding:"required"`
	DisplayName string `json:"displayName" binding:"required,max=64"`
}

// JoinResponse carries the participant session token
type JoinResponse struct {
	Token          string `json:"token"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// PresenceResponse is the current participant snapshot of a conversation
type PresenceResponse struct {
	ConversationID string        `json:"conversationId"`
	Participants   []Participant `json:"participants"`
}
