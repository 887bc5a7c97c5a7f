package mesh

import (
	"github.com/pion/webrtc/v4"
)

// link is the negotiation state of one remote participant. It is only
// touched from the event loop.
type link struct {
	peerID    string
	instance  string
	initiator bool

	pc PeerConnection
	dc DataChannel

	// negotiated is set once the first offer/answer exchange completed.
	negotiated bool
	remoteSet  bool
	pendingICE []webrtc.ICECandidateInit

	// fromRetry marks a link created by the failure retry that has not yet
	// connected; such a link is not retried again.
	fromRetry     bool
	recoveryTimer Timer
	closed        bool
}

// healthy reports whether the link may still reach or hold a connection.
func (l *link) healthy() bool {
	switch l.pc.ConnectionState() {
	case webrtc.PeerConnectionStateNew,
		webrtc.PeerConnectionStateConnecting,
		webrtc.PeerConnectionStateConnected:
		return true
	default:
		return false
	}
}

func (l *link) chatOpen() bool {
	return l.dc != nil && l.dc.Open()
}

// flushICE applies buffered candidates in arrival order. It stops at the
// first failure and returns it.
func (l *link) flushICE() error {
	pending := l.pendingICE
	l.pendingICE = nil
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (l *link) stopRecovery() {
	if l.recoveryTimer != nil {
		l.recoveryTimer.Stop()
		l.recoveryTimer = nil
	}
}
