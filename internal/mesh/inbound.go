package mesh

import (
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

// inbound is the Mesh seen as a models.Visitor. Its methods run on the event loop.
type inbound Mesh

var _ models.Visitor = (*inbound)(nil)

func (in *inbound) mesh() *Mesh { return (*Mesh)(in) }

func (in *inbound) RoomState(_ models.Event, p models.RoomState) {
	m := in.mesh()
	now := m.clock.Now()
	for _, part := range p.Participants {
		if part.IsMe || part.UserID == m.self {
			continue
		}
		m.roster.upsert(part.UserID, part.DisplayName, now)
		m.ensureLink(part.UserID, "")
	}
}

func (in *inbound) PeerJoin(ev models.Event, p models.PeerJoin) {
	m := in.mesh()
	from := ev.FromUserID
	if from == "" || from == m.self {
		return
	}
	m.roster.upsert(from, p.DisplayName, m.clock.Now())
	if l := m.links[from]; l != nil && stale(l, p.Instance) {
		m.teardown(l, "peer restarted")
	}
	m.ensureLink(from, p.Instance)
}

func (in *inbound) PeerLeave(ev models.Event, _ models.PeerLeave) {
	m := in.mesh()
	if ev.FromUserID == m.self {
		return
	}
	m.departed(ev.FromUserID, "peer left")
}

func (in *inbound) Offer(ev models.Event, p models.Offer) {
	m := in.mesh()
	from := ev.FromUserID
	if !m.addressedToMe(ev) {
		return
	}
	if _, known := m.roster[from]; !known {
		m.roster.upsert(from, "", m.clock.Now())
	}

	l := m.links[from]
	if l != nil && stale(l, p.Instance) {
		m.teardown(l, "peer restarted")
		l = nil
	}
	if l == nil {
		if l = m.newLink(from, p.Instance, false); l == nil {
			return
		}
	}
	if l.instance == "" {
		l.instance = p.Instance
	}

	switch state := l.pc.SignalingState(); state {
	case webrtc.SignalingStateStable:
	case webrtc.SignalingStateHaveLocalOffer:
		// Glare: the initiator keeps its own offer, the other side yields.
		if l.initiator {
			m.log.Debug("glare, keeping local offer", zap.String("peer", from))
			return
		}
		if err := l.pc.Rollback(); err != nil {
			m.log.Debug("rollback failed, replacing link", zap.String("peer", from), zap.Error(err))
			m.teardown(l, "rollback failed")
			if l = m.newLink(from, p.Instance, false); l == nil {
				return
			}
		}
	default:
		m.log.Debug("dropping offer", zap.String("peer", from), zap.String("state", state.String()))
		return
	}

	if err := l.pc.SetRemoteDescription(p.SDP); err != nil {
		m.fail(l, "apply offer", err)
		return
	}
	l.remoteSet = true
	if err := l.flushICE(); err != nil {
		m.fail(l, "apply buffered candidate", err)
		return
	}

	answer, err := l.pc.CreateAnswer()
	if err != nil {
		m.fail(l, "create answer", err)
		return
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		m.fail(l, "set local answer", err)
		return
	}
	m.send(from, models.EventAnswer, models.Answer{SDP: answer, Instance: m.instance})
	l.negotiated = true
}

func (in *inbound) Answer(ev models.Event, p models.Answer) {
	m := in.mesh()
	from := ev.FromUserID
	if !m.addressedToMe(ev) {
		return
	}
	l := m.links[from]
	if l == nil || stale(l, p.Instance) {
		m.log.Debug("dropping answer for unknown link", zap.String("peer", from))
		return
	}
	// Only an outstanding local offer can take an answer.
	if state := l.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		m.log.Debug("dropping answer", zap.String("peer", from), zap.String("state", state.String()))
		return
	}
	if l.instance == "" {
		l.instance = p.Instance
	}

	if err := l.pc.SetRemoteDescription(p.SDP); err != nil {
		m.fail(l, "apply answer", err)
		return
	}
	l.remoteSet = true
	if err := l.flushICE(); err != nil {
		m.fail(l, "apply buffered candidate", err)
		return
	}
	l.negotiated = true
}

func (in *inbound) ICECandidate(ev models.Event, p models.ICECandidate) {
	m := in.mesh()
	from := ev.FromUserID
	if !m.addressedToMe(ev) {
		return
	}
	l := m.links[from]
	if l == nil {
		if len(m.earlyICE[from]) < maxEarlyCandidates {
			m.earlyICE[from] = append(m.earlyICE[from], p.Candidate)
		}
		return
	}
	if !l.remoteSet {
		l.pendingICE = append(l.pendingICE, p.Candidate)
		return
	}
	if err := l.pc.AddICECandidate(p.Candidate); err != nil {
		m.fail(l, "add candidate", err)
	}
}

func (in *inbound) EndCall(ev models.Event, _ models.EndCall) {
	m := in.mesh()
	if ev.FromUserID == m.self {
		return
	}
	m.departed(ev.FromUserID, "peer ended call")
}

func (in *inbound) NewMessage(ev models.Event, p models.NewMessage) {
	m := in.mesh()
	if ev.FromUserID == m.self {
		m.markSeen(p.ID)
		return
	}
	m.receive(ev.FromUserID, p, ViaRelay)
}

func (in *inbound) Reaction(ev models.Event, p models.Reaction) {
	m := in.mesh()
	if ev.FromUserID != m.self && m.onReaction != nil {
		m.onReaction(ev.FromUserID, p)
	}
}

func (in *inbound) Typing(ev models.Event, p models.Typing) {
	m := in.mesh()
	if e := m.roster[ev.FromUserID]; e != nil {
		e.Typing = p.Active
	}
}

func (in *inbound) System(models.Event, models.System) {}

// addressedToMe reports whether a targeted event from another user is for this client.
func (m *Mesh) addressedToMe(ev models.Event) bool {
	return ev.FromUserID != "" && ev.FromUserID != m.self && ev.ToUserID == m.self
}
