// Package mesh is the client-side negotiation engine: one WebRTC link per
// remote participant, driven by relayed signaling events from a single
// event loop.
package mesh

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

// ChatLabel is the label of the data channel that carries chat messages.
const ChatLabel = "chat"

// PeerConnection is the subset of a WebRTC peer connection the engine drives.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// Rollback discards a pending local offer and returns to stable.
	Rollback() error
	AddICECandidate(webrtc.ICECandidateInit) error
	CreateDataChannel(label string) (DataChannel, error)
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// DataChannel is a message channel on a PeerConnection.
type DataChannel interface {
	Label() string
	Open() bool
	SendText(text string) error
	Close() error
}

// Callbacks are the asynchronous notifications of one PeerConnection. The
// engine only ever posts them onto its loop.
type Callbacks struct {
	OnICECandidate          func(webrtc.ICECandidateInit)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
	OnNegotiationNeeded     func()
	OnDataChannel           func(DataChannel)
	OnChannelOpen           func(DataChannel)
	OnChannelClose          func(DataChannel)
	OnChannelMessage        func(DataChannel, []byte)
}

// Factory creates peer connections for remote participants.
type Factory interface {
	NewPeerConnection(peerID string, cb Callbacks) (PeerConnection, error)
}

// Signaler delivers outbound events through the relay.
type Signaler interface {
	Signal(ctx context.Context, to string, typ models.EventType, payload any) error
	SendMessage(ctx context.Context, id, text string) error
}

// Clock schedules the engine's timers. Tests replace it.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// IsInitiator reports whether self makes the offer to peer. Both sides
// compute the same answer from the two ids alone: the lower id initiates.
func IsInitiator(self, peer string) bool {
	return self < peer
}
