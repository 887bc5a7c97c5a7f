// Package relay combines the event store, the presence tracker and an
// in-process broadcast channel into conversation subscriptions.
package relay

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/presence"
	"github.com/mossy-p/mesh-signaling/internal/store"
)

const (
	DefaultLeaveGrace      = 3 * time.Second
	DefaultClosedRetention = 24 * time.Hour
)

// ErrConversationClosed is returned for writes and subscriptions on a
// conversation that was closed by its owner.
var ErrConversationClosed = errors.New("conversation closed")

type Config struct {
	Store    *store.Store
	Presence *presence.Tracker
	Logger   *zap.Logger

	// LeaveGrace is how long a fully departed user may take to resubscribe
	// before a peer-leave is broadcast.
	LeaveGrace time.Duration
	// ClosedRetention is how long a closed conversation keeps rejecting
	// old sessions. It should cover the session lifetime.
	ClosedRetention time.Duration
}

type leaveKey struct {
	conversationID string
	userID         string
}

// Relay is the server-side hub of the signaling system.
type Relay struct {
	store    *store.Store
	presence *presence.Tracker
	log      *zap.Logger
	grace    time.Duration
	retain   time.Duration
	bus      *broadcaster

	// mu orders grace-period checks against resubscription and closes
	// against writes.
	mu            sync.Mutex
	pendingLeaves map[leaveKey]*time.Timer
	closed        map[string]time.Time
}

func New(cfg Config) *Relay {
	if cfg.Store == nil {
		cfg.Store = store.New(store.Config{})
	}
	if cfg.Presence == nil {
		cfg.Presence = presence.NewTracker()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.LeaveGrace <= 0 {
		cfg.LeaveGrace = DefaultLeaveGrace
	}
	if cfg.ClosedRetention <= 0 {
		cfg.ClosedRetention = DefaultClosedRetention
	}
	return &Relay{
		store:         cfg.Store,
		presence:      cfg.Presence,
		log:           cfg.Logger,
		grace:         cfg.LeaveGrace,
		retain:        cfg.ClosedRetention,
		bus:           newBroadcaster(),
		pendingLeaves: make(map[leaveKey]*time.Timer),
		closed:        make(map[string]time.Time),
	}
}

func (r *Relay) Store() *store.Store          { return r.store }
func (r *Relay) Presence() *presence.Tracker { return r.presence }

// Publish appends ev to the conversation log and wakes every live subscriber.
func (r *Relay) Publish(conversationID string, ev models.Event) (models.Event, error) {
	r.mu.Lock()
	if r.closedLocked(conversationID) {
		r.mu.Unlock()
		return models.Event{}, ErrConversationClosed
	}
	stored, err := r.store.Append(conversationID, ev)
	r.mu.Unlock()
	if err != nil {
		return models.Event{}, err
	}
	r.bus.notify(conversationID)
	return stored, nil
}

// Participants returns the room-state entries for a conversation as seen by self.
func (r *Relay) Participants(conversationID, self string) []models.Participant {
	members := r.presence.Snapshot(conversationID)
	out := make([]models.Participant, 0, len(members))
	for _, m := range members {
		out = append(out, models.Participant{
			UserID:      m.UserID,
			DisplayName: m.DisplayName,
			IsMe:        m.UserID == self,
		})
	}
	return out
}

// Subscribe opens a subscription for userID. When resume is non-empty the
// first Next call replays the events after that cursor; otherwise the
// subscription starts at the current end of the log.
func (r *Relay) Subscribe(conversationID, userID, displayName, resume string) (*Subscription, error) {
	if !store.ValidConversationID(conversationID) {
		return nil, store.ErrInvalidConversation
	}

	s := &Subscription{
		ConversationID: conversationID,
		UserID:         userID,
		relay:          r,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}

	// Register and take the position before joining presence, so an event
	// sent to the new participant once it is visible cannot precede the cursor.
	r.bus.add(s)
	if resume != "" {
		s.cursor = resume
		// Replay is pending.
		s.signal()
	} else {
		s.cursor = r.store.Position(conversationID)
	}

	r.mu.Lock()
	if r.closedLocked(conversationID) {
		r.mu.Unlock()
		r.bus.remove(s)
		return nil, ErrConversationClosed
	}
	key := leaveKey{conversationID, userID}
	if t, ok := r.pendingLeaves[key]; ok {
		t.Stop()
		delete(r.pendingLeaves, key)
		r.log.Debug("resubscribed within leave grace",
			zap.String("conversation", conversationID), zap.String("user", userID))
	}
	r.presence.Join(conversationID, userID, displayName)
	r.mu.Unlock()

	r.log.Info("subscribed",
		zap.String("conversation", conversationID),
		zap.String("user", userID),
		zap.Bool("resume", resume != ""))
	return s, nil
}

// Subscribers returns the number of live subscriptions of a conversation.
func (r *Relay) Subscribers(conversationID string) int {
	return r.bus.count(conversationID)
}

func (r *Relay) unsubscribe(s *Subscription) {
	r.bus.remove(s)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.presence.Leave(s.ConversationID, s.UserID) {
		return
	}
	r.scheduleLeaveLocked(s.ConversationID, s.UserID)
}

func (r *Relay) scheduleLeaveLocked(conversationID, userID string) {
	key := leaveKey{conversationID, userID}
	if t, ok := r.pendingLeaves[key]; ok {
		t.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(r.grace, func() {
		r.mu.Lock()
		if r.pendingLeaves[key] != t {
			r.mu.Unlock()
			return
		}
		delete(r.pendingLeaves, key)
		present := r.presence.Present(conversationID, userID)
		r.mu.Unlock()

		if present {
			return
		}
		ev, err := models.NewEvent(models.EventPeerLeave, userID, "", nil)
		if err != nil {
			return
		}
		if _, err := r.Publish(conversationID, ev); err != nil {
			r.log.Warn("failed to publish peer-leave",
				zap.String("conversation", conversationID), zap.String("user", userID), zap.Error(err))
			return
		}
		r.log.Info("peer left",
			zap.String("conversation", conversationID), zap.String("user", userID))
	})
	r.pendingLeaves[key] = t
}

// CloseConversation ends every subscription of a conversation and drops its
// events, cursors and presence. Pending leave checks are cancelled, and later
// writes and subscriptions are rejected with ErrConversationClosed.
func (r *Relay) CloseConversation(conversationID string) {
	r.mu.Lock()
	now := time.Now()
	for id, at := range r.closed {
		if now.Sub(at) >= r.retain {
			delete(r.closed, id)
		}
	}
	r.closed[conversationID] = now
	for key, t := range r.pendingLeaves {
		if key.conversationID == conversationID {
			t.Stop()
			delete(r.pendingLeaves, key)
		}
	}
	r.presence.Drop(conversationID)
	r.store.DropConversation(conversationID)
	r.mu.Unlock()

	subs := r.bus.detach(conversationID)
	for _, s := range subs {
		s.terminate()
	}

	r.log.Info("conversation closed",
		zap.String("conversation", conversationID), zap.Int("subscriptions", len(subs)))
}

func (r *Relay) closedLocked(conversationID string) bool {
	at, ok := r.closed[conversationID]
	if !ok {
		return false
	}
	if time.Since(at) >= r.retain {
		delete(r.closed, conversationID)
		return false
	}
	return true
}

// Stop cancels every pending leave check.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.pendingLeaves {
		t.Stop()
		delete(r.pendingLeaves, key)
	}
}
