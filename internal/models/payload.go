package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// ErrInvalidEvent is returned for events whose shape does not match their type.
var ErrInvalidEvent = errors.New("invalid event")

// Payload is implemented by the typed data of every event type.
// The set is closed: only this package can add variants.
type Payload interface {
	eventType() EventType
}

// Participant is one entry of a room-state snapshot
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsMe        bool   `json:"isMe"`
}

// RoomState lists everyone holding a subscription when the stream opened
type RoomState struct {
	Participants []Participant `json:"participants"`
}

// PeerJoin announces a (re)subscribed participant. Instance changes on every
// page load or process start of the same user.
type PeerJoin struct {
	DisplayName string `json:"displayName,omitempty"`
	Instance    string `json:"instance,omitempty"`
}

// PeerLeave is emitted by the relay once the leave grace period expires
type PeerLeave struct{}

// Offer carries an SDP offer to one peer
type Offer struct {
	SDP      webrtc.SessionDescription `json:"sdp"`
	Instance string                    `json:"instance,omitempty"`
}

// Answer carries an SDP answer to one peer
type Answer struct {
	SDP      webrtc.SessionDescription `json:"sdp"`
	Instance string                    `json:"instance,omitempty"`
}

// ICECandidate carries one trickled candidate to one peer
type ICECandidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// EndCall tells peers the sender has left the call
type EndCall struct {
	Reason string `json:"reason,omitempty"`
}

// NewMessage is a chat message relayed for peers without a direct link
type NewMessage struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	DisplayName string    `json:"displayName,omitempty"`
	SentAt      time.Time `json:"sentAt"`
}

// Reaction attaches an emoji to a message
type Reaction struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// Typing toggles the typing indicator of the sender
type Typing struct {
	Active bool `json:"active"`
}

// System is the payload of stream control frames
type System struct {
	Status string
}

func (RoomState) eventType() EventType    { return EventRoomState }
func (PeerJoin) eventType() EventType     { return EventPeerJoin }
func (PeerLeave) eventType() EventType    { return EventPeerLeave }
func (Offer) eventType() EventType        { return EventOffer }
func (Answer) eventType() EventType       { return EventAnswer }
func (ICECandidate) eventType() EventType { return EventICECandidate }
func (EndCall) eventType() EventType      { return EventEndCall }
func (NewMessage) eventType() EventType   { return EventNewMessage }
func (Reaction) eventType() EventType     { return EventReaction }
func (Typing) eventType() EventType       { return EventTyping }
func (System) eventType() EventType       { return EventSystem }

// Decode parses the event data into the payload matching its type.
func (e Event) Decode() (Payload, error) {
	switch e.Type {
	case EventRoomState:
		return decodeInto[RoomState](e)
	case EventPeerJoin:
		return decodeInto[PeerJoin](e)
	case EventPeerLeave:
		return PeerLeave{}, nil
	case EventOffer:
		p, err := decodeInto[Offer](e)
		if err != nil {
			return nil, err
		}
		if p.SDP.Type != webrtc.SDPTypeOffer || p.SDP.SDP == "" {
			return nil, fmt.Errorf("%w: offer has sdp.type=%q", ErrInvalidEvent, p.SDP.Type.String())
		}
		return p, nil
	case EventAnswer:
		p, err := decodeInto[Answer](e)
		if err != nil {
			return nil, err
		}
		if p.SDP.Type != webrtc.SDPTypeAnswer || p.SDP.SDP == "" {
			return nil, fmt.Errorf("%w: answer has sdp.type=%q", ErrInvalidEvent, p.SDP.Type.String())
		}
		return p, nil
	case EventICECandidate:
		return decodeInto[ICECandidate](e)
	case EventEndCall:
		return decodeInto[EndCall](e)
	case EventNewMessage:
		p, err := decodeInto[NewMessage](e)
		if err != nil {
			return nil, err
		}
		if p.ID == "" || p.Text == "" {
			return nil, fmt.Errorf("%w: new-message missing id/text", ErrInvalidEvent)
		}
		return p, nil
	case EventReaction:
		p, err := decodeInto[Reaction](e)
		if err != nil {
			return nil, err
		}
		if p.MessageID == "" || p.Emoji == "" {
			return nil, fmt.Errorf("%w: reaction missing messageId/emoji", ErrInvalidEvent)
		}
		return p, nil
	case EventTyping:
		return decodeInto[Typing](e)
	case EventSystem:
		var status string
		if len(e.Data) > 0 {
			if err := json.Unmarshal(e.Data, &status); err != nil {
				return nil, fmt.Errorf("%w: system: %v", ErrInvalidEvent, err)
			}
		}
		return System{Status: status}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidEvent, e.Type)
	}
}

func decodeInto[T Payload](e Event) (T, error) {
	var p T
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, e.Type, err)
	}
	return p, nil
}

// clientWritable lists the types a participant may publish through the write path.
var clientWritable = map[EventType]bool{
	EventPeerJoin:     true,
	EventOffer:        true,
	EventAnswer:       true,
	EventICECandidate: true,
	EventEndCall:      true,
	EventReaction:     true,
	EventTyping:       true,
}

// Validate checks an inbound event from fromUserID before it is stored.
func (in Inbound) Validate(fromUserID string) error {
	if !clientWritable[in.Type] {
		return fmt.Errorf("%w: type %q cannot be sent by clients", ErrInvalidEvent, in.Type)
	}
	if in.ToUserID != "" && in.ToUserID == fromUserID {
		return fmt.Errorf("%w: cannot address an event to yourself", ErrInvalidEvent)
	}
	switch in.Type {
	case EventOffer, EventAnswer, EventICECandidate:
		if in.ToUserID == "" {
			return fmt.Errorf("%w: %s requires toUserId", ErrInvalidEvent, in.Type)
		}
	}
	_, err := Event{Type: in.Type, Data: in.Data}.Decode()
	return err
}
