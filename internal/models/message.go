package models

import (
	"encoding/json"
	"time"
)

// EventType represents the type of a relayed signaling event
type EventType string

const (
	EventRoomState    EventType = "room-state"
	EventPeerJoin     EventType = "peer-join"
	EventPeerLeave    EventType = "peer-leave"
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice-candidate"
	EventEndCall      EventType = "end-call"
	EventNewMessage   EventType = "new-message"
	EventReaction     EventType = "reaction"
	EventTyping       EventType = "typing"

	// EventSystem frames are produced by the stream itself and never stored.
	EventSystem EventType = "system"
)

// Data of the system frames written by the relay stream.
const (
	SystemConnected = "connected"
	SystemClosed    = "closed"
)

// Event is a signaling event as stored by the relay and delivered to subscribers.
// An empty ToUserID means the event is a broadcast.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// IsBroadcast reports whether the event is addressed to every participant.
func (e Event) IsBroadcast() bool {
	return e.ToUserID == ""
}

// VisibleTo reports whether userID may read the event: broadcasts, events
// addressed to the user and events the user sent.
func (e Event) VisibleTo(userID string) bool {
	return e.ToUserID == "" || e.ToUserID == userID || e.FromUserID == userID
}

// Inbound is the body accepted by the relay write path.
type Inbound struct {
	Type     EventType       `json:"type" binding:"required"`
	ToUserID string          `json:"toUserId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// InboundResponse is returned for every accepted inbound event
type InboundResponse struct {
	EventID string `json:"eventId"`
}

// ChatRequest is the body of a relayed chat message
type ChatRequest struct {
	ID   string `json:"id,omitempty" binding:"omitempty,uuid"`
	Text string `json:"text" binding:"required"`
}

// ChatResponse is returned after a chat message has been accepted
type ChatResponse struct {
	EventID   string `json:"eventId"`
	MessageID string `json:"messageId"`
}

// NewEvent builds an unstored event with its payload encoded as JSON.
func NewEvent(typ EventType, from, to string, payload any) (Event, error) {
	ev := Event{Type: typ, FromUserID: from, ToUserID: to}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Data = data
	}
	return ev, nil
}
