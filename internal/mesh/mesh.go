package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

const (
	DefaultRetryDelay     = 2 * time.Second
	DefaultRecoveryWindow = 5 * time.Second

	maxEarlyCandidates = 64
	maxSeenMessages    = 1024
)

// Transports a chat message can arrive on.
const (
	ViaDataChannel = "datachannel"
	ViaRelay       = "relay"
)

var ErrStopped = errors.New("mesh stopped")

// ChatMessage is a chat message sent or received by this participant.
type ChatMessage struct {
	models.NewMessage
	FromUserID string `json:"fromUserId"`
	Via        string `json:"via"`
}

type Config struct {
	SelfID      string
	DisplayName string
	// Instance identifies this process lifetime; a random one is used when empty.
	Instance string

	Factory  Factory
	Signaler Signaler
	Clock    Clock
	Logger   *zap.Logger

	// RetryDelay is the wait before the initiator retries a failed link.
	RetryDelay time.Duration
	// RecoveryWindow is how long a disconnected link may take to recover.
	RecoveryWindow time.Duration

	// OnMessage and OnReaction run on the event loop and must not block.
	OnMessage  func(ChatMessage)
	OnReaction func(fromUserID string, r models.Reaction)
}

// Mesh keeps one link per remote participant. All state is owned by the
// goroutine running Run; every other entry point posts onto it.
type Mesh struct {
	self           string
	displayName    string
	instance       string
	factory        Factory
	signaler       Signaler
	clock          Clock
	log            *zap.Logger
	retryDelay     time.Duration
	recoveryWindow time.Duration
	onMessage      func(ChatMessage)
	onReaction     func(string, models.Reaction)

	ops     *queue
	out     *queue
	outCtx  context.Context
	stopped chan struct{}

	links     map[string]*link
	earlyICE  map[string][]webrtc.ICECandidateInit
	retries   map[string]Timer
	roster    roster
	seen      map[string]struct{}
	seenOrder []string
}

func New(cfg Config) (*Mesh, error) {
	if cfg.SelfID == "" {
		return nil, errors.New("mesh: self id is required")
	}
	if cfg.Factory == nil || cfg.Signaler == nil {
		return nil, errors.New("mesh: factory and signaler are required")
	}
	if cfg.Instance == "" {
		cfg.Instance = uuid.New().String()
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = DefaultRecoveryWindow
	}
	return &Mesh{
		self:           cfg.SelfID,
		displayName:    cfg.DisplayName,
		instance:       cfg.Instance,
		factory:        cfg.Factory,
		signaler:       cfg.Signaler,
		clock:          cfg.Clock,
		log:            cfg.Logger.With(zap.String("self", cfg.SelfID)),
		retryDelay:     cfg.RetryDelay,
		recoveryWindow: cfg.RecoveryWindow,
		onMessage:      cfg.OnMessage,
		onReaction:     cfg.OnReaction,
		ops:            newQueue(),
		out:            newQueue(),
		outCtx:         context.Background(),
		stopped:        make(chan struct{}),
		links:          make(map[string]*link),
		earlyICE:       make(map[string][]webrtc.ICECandidateInit),
		retries:        make(map[string]Timer),
		roster:         make(roster),
		seen:           make(map[string]struct{}),
	}, nil
}

// SelfID returns the local user id.
func (m *Mesh) SelfID() string { return m.self }

// Instance returns the id of this process lifetime.
func (m *Mesh) Instance() string { return m.instance }

// Run processes events until ctx is cancelled, then closes every link.
func (m *Mesh) Run(ctx context.Context) error {
	defer close(m.stopped)

	outCtx, cancel := context.WithCancel(ctx)
	m.outCtx = outCtx
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		drain(outCtx, m.out)
	}()
	defer func() {
		cancel()
		<-outDone
	}()
	defer m.closeAll("mesh stopped")

	drain(ctx, m.ops)
	return ctx.Err()
}

func drain(ctx context.Context, q *queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.ready:
			for _, fn := range q.take() {
				fn()
			}
		}
	}
}

// do runs fn on the event loop and waits for it.
func (m *Mesh) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	m.ops.push(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrStopped
	}
}

// post runs fn on the event loop if l is still the current link of its peer.
func (m *Mesh) post(l *link, fn func()) {
	m.ops.push(func() {
		if l.closed || m.links[l.peerID] != l {
			return
		}
		fn()
	})
}

// send queues an outbound event. Sends leave in the order they were queued.
func (m *Mesh) send(to string, typ models.EventType, payload any) {
	ctx := m.outCtx
	m.out.push(func() {
		if err := m.signaler.Signal(ctx, to, typ, payload); err != nil {
			m.log.Warn("failed to send signal",
				zap.String("peer", to), zap.String("type", string(typ)), zap.Error(err))
		}
	})
}

// Deliver hands a relayed event to the engine. Events are processed in the
// order they are delivered.
func (m *Mesh) Deliver(ev models.Event) {
	m.ops.push(func() {
		if err := models.Dispatch(ev, (*inbound)(m)); err != nil {
			m.log.Debug("dropping malformed event",
				zap.String("type", string(ev.Type)), zap.String("peer", ev.FromUserID), zap.Error(err))
		}
	})
}

// Subscribed runs after every successful subscribe, before the stream's
// first event. After a reconnect, links that are not demonstrably healthy
// are torn down so the fresh room-state can rebuild them.
func (m *Mesh) Subscribed(reconnect bool) {
	m.ops.push(func() {
		if reconnect {
			for _, l := range m.links {
				if !l.healthy() {
					m.teardown(l, "unhealthy after reconnect")
				}
			}
		}
		m.send("", models.EventPeerJoin, models.PeerJoin{DisplayName: m.displayName, Instance: m.instance})
	})
}

// SendChat sends text over the data channels when every online peer has an
// open one and through the relay otherwise.
func (m *Mesh) SendChat(ctx context.Context, text string) (ChatMessage, error) {
	var msg models.NewMessage
	var direct bool
	err := m.do(ctx, func() {
		msg = models.NewMessage{
			ID:          uuid.New().String(),
			Text:        text,
			DisplayName: m.displayName,
			SentAt:      m.clock.Now().UTC(),
		}
		m.markSeen(msg.ID)
		direct = m.sendOverChannels(msg)
	})
	if err != nil {
		return ChatMessage{}, err
	}

	via := ViaDataChannel
	if !direct {
		via = ViaRelay
		if err := m.signaler.SendMessage(ctx, msg.ID, msg.Text); err != nil {
			return ChatMessage{}, fmt.Errorf("relay chat message: %w", err)
		}
	}
	return ChatMessage{NewMessage: msg, FromUserID: m.self, Via: via}, nil
}

// SetTyping broadcasts the local typing indicator.
func (m *Mesh) SetTyping(active bool) {
	m.ops.push(func() {
		m.send("", models.EventTyping, models.Typing{Active: active})
	})
}

// React broadcasts an emoji reaction to a message.
func (m *Mesh) React(messageID, emoji string) {
	m.ops.push(func() {
		m.send("", models.EventReaction, models.Reaction{MessageID: messageID, Emoji: emoji})
	})
}

// Roster returns every known remote participant ordered by user id.
func (m *Mesh) Roster(ctx context.Context) ([]RosterEntry, error) {
	var out []RosterEntry
	err := m.do(ctx, func() {
		out = m.roster.snapshot()
		for i := range out {
			if l := m.links[out[i].UserID]; l != nil {
				out[i].Connection = l.pc.ConnectionState()
				out[i].ChatOpen = l.chatOpen()
			}
		}
	})
	return out, err
}

// Hangup closes every link and tells the conversation this participant left the call.
func (m *Mesh) Hangup(ctx context.Context, reason string) error {
	if err := m.do(ctx, func() { m.closeAll("hangup") }); err != nil {
		return err
	}
	return m.signaler.Signal(ctx, "", models.EventEndCall, models.EndCall{Reason: reason})
}

func (m *Mesh) closeAll(reason string) {
	for _, l := range m.links {
		m.teardown(l, reason)
	}
	for peer, t := range m.retries {
		t.Stop()
		delete(m.retries, peer)
	}
}

// ensureLink returns the link to peer, creating it (and starting the offer
// when this side initiates) if it does not exist.
func (m *Mesh) ensureLink(peer, instance string) *link {
	if l := m.links[peer]; l != nil {
		if l.instance == "" {
			l.instance = instance
		}
		return l
	}
	l := m.newLink(peer, instance, false)
	if l != nil && l.initiator {
		m.startOffer(l)
	}
	return l
}

func (m *Mesh) newLink(peer, instance string, fromRetry bool) *link {
	l := &link{
		peerID:    peer,
		instance:  instance,
		initiator: IsInitiator(m.self, peer),
		fromRetry: fromRetry,
	}
	pc, err := m.factory.NewPeerConnection(peer, m.callbacks(l))
	if err != nil {
		m.log.Error("failed to create peer connection", zap.String("peer", peer), zap.Error(err))
		return nil
	}
	l.pc = pc
	m.links[peer] = l

	if early := m.earlyICE[peer]; len(early) > 0 {
		l.pendingICE = append(l.pendingICE, early...)
		delete(m.earlyICE, peer)
	}
	m.log.Debug("link created", zap.String("peer", peer), zap.Bool("initiator", l.initiator))
	return l
}

func (m *Mesh) callbacks(l *link) Callbacks {
	return Callbacks{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			m.post(l, func() {
				m.send(l.peerID, models.EventICECandidate, models.ICECandidate{Candidate: c})
			})
		},
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
			m.post(l, func() { m.connectionStateChanged(l, s) })
		},
		OnNegotiationNeeded: func() {
			m.post(l, func() { m.negotiationNeeded(l) })
		},
		OnDataChannel: func(dc DataChannel) {
			m.post(l, func() {
				if dc.Label() == ChatLabel {
					l.dc = dc
				}
			})
		},
		OnChannelOpen: func(dc DataChannel) {
			m.post(l, func() {
				m.log.Debug("chat channel open", zap.String("peer", l.peerID))
			})
		},
		OnChannelClose: func(dc DataChannel) {
			m.post(l, func() {
				m.log.Debug("chat channel closed", zap.String("peer", l.peerID))
			})
		},
		OnChannelMessage: func(dc DataChannel, data []byte) {
			m.post(l, func() { m.channelMessage(l, data) })
		},
	}
}

// startOffer opens the chat channel and sends the first offer.
func (m *Mesh) startOffer(l *link) {
	if l.dc == nil {
		dc, err := l.pc.CreateDataChannel(ChatLabel)
		if err != nil {
			m.fail(l, "create data channel", err)
			return
		}
		l.dc = dc
	}
	m.makeOffer(l)
}

func (m *Mesh) makeOffer(l *link) {
	offer, err := l.pc.CreateOffer()
	if err != nil {
		m.fail(l, "create offer", err)
		return
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		m.fail(l, "set local offer", err)
		return
	}
	m.send(l.peerID, models.EventOffer, models.Offer{SDP: offer, Instance: m.instance})
	m.log.Debug("sent offer", zap.String("peer", l.peerID), zap.Bool("renegotiation", l.negotiated))
}

func (m *Mesh) negotiationNeeded(l *link) {
	// The first offer is sent explicitly; later ones only by the initiator.
	if !l.initiator || !l.negotiated {
		return
	}
	if l.pc.SignalingState() != webrtc.SignalingStateStable {
		m.log.Debug("renegotiation deferred", zap.String("peer", l.peerID),
			zap.String("state", l.pc.SignalingState().String()))
		return
	}
	m.makeOffer(l)
}

func (m *Mesh) connectionStateChanged(l *link, s webrtc.PeerConnectionState) {
	m.log.Debug("connection state", zap.String("peer", l.peerID), zap.String("state", s.String()))
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.stopRecovery()
		l.fromRetry = false
		if t, ok := m.retries[l.peerID]; ok {
			t.Stop()
			delete(m.retries, l.peerID)
		}
		m.log.Info("peer connected", zap.String("peer", l.peerID))
	case webrtc.PeerConnectionStateDisconnected:
		if l.recoveryTimer != nil {
			return
		}
		l.recoveryTimer = m.clock.AfterFunc(m.recoveryWindow, func() {
			m.post(l, func() {
				l.recoveryTimer = nil
				m.recoveryExpired(l)
			})
		})
	case webrtc.PeerConnectionStateFailed:
		m.fail(l, "connection failed", nil)
	case webrtc.PeerConnectionStateClosed:
		m.teardown(l, "connection closed")
	}
}

// recoveryExpired re-checks a disconnected link once its window has passed.
func (m *Mesh) recoveryExpired(l *link) {
	switch l.pc.ConnectionState() {
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		m.fail(l, "connection did not recover", nil)
	default:
		m.log.Debug("link recovered", zap.String("peer", l.peerID))
	}
}

// fail tears l down and, on the initiator side, schedules one retry.
func (m *Mesh) fail(l *link, reason string, err error) {
	m.log.Warn("peer link failed", zap.String("peer", l.peerID), zap.String("reason", reason), zap.Error(err))
	retry := l.initiator && !l.fromRetry
	m.teardown(l, reason)
	if retry {
		m.scheduleRetry(l.peerID)
	}
}

func (m *Mesh) scheduleRetry(peer string) {
	if t, ok := m.retries[peer]; ok {
		t.Stop()
	}
	var t Timer
	t = m.clock.AfterFunc(m.retryDelay, func() {
		m.ops.push(func() {
			if m.retries[peer] != t {
				return
			}
			delete(m.retries, peer)
			m.retry(peer)
		})
	})
	m.retries[peer] = t
}

func (m *Mesh) retry(peer string) {
	if l := m.links[peer]; l != nil {
		if l.healthy() {
			m.log.Debug("retry skipped, healthy link exists", zap.String("peer", peer))
			return
		}
		m.teardown(l, "replaced by retry")
	}
	if e := m.roster[peer]; e == nil || !e.Online {
		return
	}
	m.log.Info("retrying peer link", zap.String("peer", peer))
	if l := m.newLink(peer, "", true); l != nil {
		m.startOffer(l)
	}
}

// teardown releases everything held for the link and records when the peer
// was last seen.
func (m *Mesh) teardown(l *link, reason string) {
	if l.closed {
		return
	}
	l.closed = true
	l.stopRecovery()
	l.pendingICE = nil
	if l.dc != nil {
		l.dc.Close()
	}
	if err := l.pc.Close(); err != nil {
		m.log.Debug("close peer connection", zap.String("peer", l.peerID), zap.Error(err))
	}
	if m.links[l.peerID] == l {
		delete(m.links, l.peerID)
	}
	if e := m.roster[l.peerID]; e != nil {
		e.LastSeen = m.clock.Now()
		e.Typing = false
	}
	m.log.Info("link closed", zap.String("peer", l.peerID), zap.String("reason", reason))
}

// departed handles a peer that left the conversation or the call.
func (m *Mesh) departed(peer, reason string) {
	if l := m.links[peer]; l != nil {
		m.teardown(l, reason)
	}
	if t, ok := m.retries[peer]; ok {
		t.Stop()
		delete(m.retries, peer)
	}
	delete(m.earlyICE, peer)
	m.roster.offline(peer, m.clock.Now())
}

// sendOverChannels delivers msg to every online peer over its chat channel.
// It returns false when any online peer lacks an open channel or a send
// fails, in which case the caller falls back to the relay.
func (m *Mesh) sendOverChannels(msg models.NewMessage) bool {
	var targets []*link
	for id, e := range m.roster {
		if !e.Online {
			continue
		}
		l := m.links[id]
		if l == nil || !l.chatOpen() {
			return false
		}
		targets = append(targets, l)
	}
	if len(targets) == 0 {
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	for _, l := range targets {
		if err := l.dc.SendText(string(data)); err != nil {
			m.log.Warn("chat channel send failed", zap.String("peer", l.peerID), zap.Error(err))
			return false
		}
	}
	return true
}

func (m *Mesh) channelMessage(l *link, data []byte) {
	var msg models.NewMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" || msg.Text == "" {
		m.log.Debug("dropping malformed chat frame", zap.String("peer", l.peerID))
		return
	}
	m.receive(l.peerID, msg, ViaDataChannel)
}

func (m *Mesh) receive(from string, msg models.NewMessage, via string) {
	if !m.markSeen(msg.ID) {
		return
	}
	if e := m.roster[from]; e != nil {
		e.Typing = false
	}
	if m.onMessage != nil {
		m.onMessage(ChatMessage{NewMessage: msg, FromUserID: from, Via: via})
	}
}

// markSeen records a message id and reports whether it was new.
func (m *Mesh) markSeen(id string) bool {
	if _, ok := m.seen[id]; ok {
		return false
	}
	m.seen[id] = struct{}{}
	m.seenOrder = append(m.seenOrder, id)
	if len(m.seenOrder) > maxSeenMessages {
		delete(m.seen, m.seenOrder[0])
		m.seenOrder = m.seenOrder[1:]
	}
	return true
}

// stale reports whether instance names a different lifetime of the peer than l.
func stale(l *link, instance string) bool {
	return instance != "" && l.instance != "" && l.instance != instance
}
