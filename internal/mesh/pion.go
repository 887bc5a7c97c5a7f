package mesh

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PionFactory builds peer connections on pion/webrtc.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory returns a factory using the given STUN/TURN urls. pion's
// own logs go to log.
func NewPionFactory(iceURLs []string, log *zap.Logger) *PionFactory {
	se := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(log),
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	config := webrtc.Configuration{ICETransportPolicy: webrtc.ICETransportPolicyAll}
	if len(iceURLs) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return &PionFactory{api: api, config: config}
}

func (f *PionFactory) NewPeerConnection(peerID string, cb Callbacks) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", peerID, err)
	}
	p := &pionPeer{pc: pc, cb: cb}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil || cb.OnICECandidate == nil {
			return
		}
		cb.OnICECandidate(c.ToJSON())
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if cb.OnConnectionStateChange != nil {
			cb.OnConnectionStateChange(s)
		}
	})
	pc.OnNegotiationNeeded(func() {
		if cb.OnNegotiationNeeded != nil {
			cb.OnNegotiationNeeded()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		ch := p.bind(dc)
		if cb.OnDataChannel != nil {
			cb.OnDataChannel(ch)
		}
	})
	return p, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
	cb Callbacks
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) Rollback() error {
	local := p.pc.PendingLocalDescription()
	if local == nil {
		return errors.New("no pending local description")
	}
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: local.SDP})
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return p.bind(dc), nil
}

func (p *pionPeer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeer) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func (p *pionPeer) bind(dc *webrtc.DataChannel) *pionChannel {
	ch := &pionChannel{dc: dc}
	dc.OnOpen(func() {
		if p.cb.OnChannelOpen != nil {
			p.cb.OnChannelOpen(ch)
		}
	})
	dc.OnClose(func() {
		if p.cb.OnChannelClose != nil {
			p.cb.OnChannelClose(ch)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if p.cb.OnChannelMessage != nil {
			p.cb.OnChannelMessage(ch, msg.Data)
		}
	})
	return ch
}

type pionChannel struct {
	dc *webrtc.DataChannel
}

func (c *pionChannel) Label() string { return c.dc.Label() }

func (c *pionChannel) Open() bool { return c.dc.ReadyState() == webrtc.DataChannelStateOpen }

func (c *pionChannel) SendText(text string) error { return c.dc.SendText(text) }

func (c *pionChannel) Close() error { return c.dc.Close() }
