package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

type fakeDC struct {
	mu     sync.Mutex
	label  string
	open   bool
	closed bool
	sent   []string
}

func (d *fakeDC) Label() string { return d.label }

func (d *fakeDC) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open && !d.closed
}

func (d *fakeDC) SendText(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open || d.closed {
		return errors.New("channel not open")
	}
	d.sent = append(d.sent, text)
	return nil
}

func (d *fakeDC) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDC) setOpen(open bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = open
}

func (d *fakeDC) sentCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

// fakePC follows the JSEP signaling state rules the engine relies on.
type fakePC struct {
	mu         sync.Mutex
	peer       string
	cb         Callbacks
	signaling  webrtc.SignalingState
	connection webrtc.PeerConnectionState
	remote     *webrtc.SessionDescription
	remoteSets int
	candidates []webrtc.ICECandidateInit
	channels   []*fakeDC
	rollbacks  int
	offers     int
	closed     bool
}

func (p *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.offers)}, nil
}

func (p *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && p.signaling == webrtc.SignalingStateStable:
		p.signaling = webrtc.SignalingStateHaveLocalOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.signaling == webrtc.SignalingStateHaveRemoteOffer:
		p.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set local %s in %s", desc.Type, p.signaling)
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case desc.Type == webrtc.SDPTypeOffer && p.signaling == webrtc.SignalingStateStable:
		p.signaling = webrtc.SignalingStateHaveRemoteOffer
	case desc.Type == webrtc.SDPTypeAnswer && p.signaling == webrtc.SignalingStateHaveLocalOffer:
		p.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("set remote %s in %s", desc.Type, p.signaling)
	}
	p.remote = &desc
	p.remoteSets++
	return nil
}

func (p *fakePC) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signaling != webrtc.SignalingStateHaveLocalOffer {
		return errors.New("nothing to roll back")
	}
	p.signaling = webrtc.SignalingStateStable
	p.rollbacks++
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) CreateDataChannel(label string) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dc := &fakeDC{label: label}
	p.channels = append(p.channels, dc)
	return dc, nil
}

func (p *fakePC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signaling
}

func (p *fakePC) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connection
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.connection = webrtc.PeerConnectionStateClosed
	return nil
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePC) state() webrtc.SignalingState { return p.SignalingState() }

func (p *fakePC) setSignaling(s webrtc.SignalingState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signaling = s
}

// setConnection changes the connection state and fires the callback.
func (p *fakePC) setConnection(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.connection = s
	cb := p.cb.OnConnectionStateChange
	p.mu.Unlock()
	cb(s)
}

func (p *fakePC) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.candidates))
	for i, c := range p.candidates {
		out[i] = c.Candidate
	}
	return out
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs map[string][]*fakePC
}

func (f *fakeFactory) NewPeerConnection(peerID string, cb Callbacks) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{
		peer:       peerID,
		cb:         cb,
		signaling:  webrtc.SignalingStateStable,
		connection: webrtc.PeerConnectionStateNew,
	}
	f.pcs[peerID] = append(f.pcs[peerID], pc)
	return pc, nil
}

func (f *fakeFactory) count(peer string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs[peer])
}

func (f *fakeFactory) latest(t *testing.T, peer string) *fakePC {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	pcs := f.pcs[peer]
	if len(pcs) == 0 {
		t.Fatalf("no peer connection for %s", peer)
	}
	return pcs[len(pcs)-1]
}

type sentSignal struct {
	to      string
	typ     models.EventType
	payload any
}

type fakeSignaler struct {
	sent     chan sentSignal
	messages chan string
}

func (s *fakeSignaler) Signal(_ context.Context, to string, typ models.EventType, payload any) error {
	s.sent <- sentSignal{to: to, typ: typ, payload: payload}
	return nil
}

func (s *fakeSignaler) SendMessage(_ context.Context, id, _ string) error {
	s.messages <- id
	return nil
}

type fakeTimer struct {
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock and fires every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.fn()
	}
}

// testPeer runs a Mesh against fakes.
type testPeer struct {
	t        *testing.T
	ctx      context.Context
	mesh     *Mesh
	factory  *fakeFactory
	signaler *fakeSignaler
	clock    *fakeClock
	received chan ChatMessage
}

const (
	testRetryDelay     = 2 * time.Second
	testRecoveryWindow = 5 * time.Second
)

func newTestPeer(t *testing.T, self string) *testPeer {
	t.Helper()
	p := &testPeer{
		t:        t,
		factory:  &fakeFactory{pcs: make(map[string][]*fakePC)},
		signaler: &fakeSignaler{sent: make(chan sentSignal, 256), messages: make(chan string, 16)},
		clock:    &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		received: make(chan ChatMessage, 16),
	}
	m, err := New(Config{
		SelfID:         self,
		DisplayName:    "Self " + self,
		Instance:       "inst-" + self,
		Factory:        p.factory,
		Signaler:       p.signaler,
		Clock:          p.clock,
		RetryDelay:     testRetryDelay,
		RecoveryWindow: testRecoveryWindow,
		OnMessage:      func(msg ChatMessage) { p.received <- msg },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.mesh = m

	ctx, cancel := context.WithCancel(context.Background())
	p.ctx = ctx
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

// deliver hands an event to the engine and waits until it was processed.
func (p *testPeer) deliver(typ models.EventType, from, to string, payload any) {
	p.t.Helper()
	ev, err := models.NewEvent(typ, from, to, payload)
	if err != nil {
		p.t.Fatalf("NewEvent: %v", err)
	}
	p.mesh.Deliver(ev)
	p.sync()
}

// sync waits until everything queued on the loop so far has run.
func (p *testPeer) sync() {
	p.t.Helper()
	if err := p.mesh.do(p.ctx, func() {}); err != nil {
		p.t.Fatalf("sync: %v", err)
	}
}

func (p *testPeer) expect(typ models.EventType, to string) sentSignal {
	p.t.Helper()
	select {
	case s := <-p.signaler.sent:
		if s.typ != typ || s.to != to {
			p.t.Fatalf("sent %s to %q, want %s to %q", s.typ, s.to, typ, to)
		}
		return s
	case <-time.After(time.Second):
		p.t.Fatalf("timed out waiting for %s to %q", typ, to)
	}
	return sentSignal{}
}

func (p *testPeer) expectNothingSent() {
	p.t.Helper()
	p.sync()
	select {
	case s := <-p.signaler.sent:
		p.t.Fatalf("unexpected %s to %q", s.typ, s.to)
	case <-time.After(50 * time.Millisecond):
	}
}

// link returns a copy of the current link state for peer.
func (p *testPeer) link(peer string) (link, bool) {
	p.t.Helper()
	var out link
	var ok bool
	if err := p.mesh.do(p.ctx, func() {
		if l := p.mesh.links[peer]; l != nil {
			out, ok = *l, true
		}
	}); err != nil {
		p.t.Fatalf("link: %v", err)
	}
	return out, ok
}

func offerFrom(instance string) models.Offer {
	return models.Offer{
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"},
		Instance: instance,
	}
}

func answerFrom(instance string) models.Answer {
	return models.Answer{
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"},
		Instance: instance,
	}
}

func candidate(s string) models.ICECandidate {
	return models.ICECandidate{Candidate: webrtc.ICECandidateInit{Candidate: s}}
}

func roomState(ids ...string) models.RoomState {
	var rs models.RoomState
	for _, id := range ids {
		rs.Participants = append(rs.Participants, models.Participant{UserID: id, DisplayName: "User " + id})
	}
	return rs
}
