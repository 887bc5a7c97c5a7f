// Package presence tracks which users currently hold an open subscription to a
// conversation. Presence is reference-counted per user so that several tabs of
// one user do not announce a departure until the last one closes.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Member is one present user of a conversation.
type Member struct {
	UserID        string
	DisplayName   string
	Subscriptions int
	JoinedAt      time.Time
}

type entry struct {
	displayName string
	count       int
	joinedAt    time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]*entry
	now   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		rooms: make(map[string]map[string]*entry),
		now:   time.Now,
	}
}

// Join registers one more subscription of userID. The latest non-empty
// display name wins.
func (t *Tracker) Join(conversationID, userID, displayName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[conversationID]
	if !ok {
		room = make(map[string]*entry)
		t.rooms[conversationID] = room
	}
	e, ok := room[userID]
	if !ok {
		e = &entry{joinedAt: t.now()}
		room[userID] = e
	}
	e.count++
	if displayName != "" {
		e.displayName = displayName
	}
}

// Leave removes one subscription of userID and reports whether the user has
// no subscriptions left in the conversation.
func (t *Tracker) Leave(conversationID, userID string) (fullyLeft bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[conversationID]
	if !ok {
		return false
	}
	e, ok := room[userID]
	if !ok {
		return false
	}
	e.count--
	if e.count > 0 {
		return false
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(t.rooms, conversationID)
	}
	return true
}

// Present reports whether userID holds at least one subscription.
func (t *Tracker) Present(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rooms[conversationID][userID]
	return ok
}

// Count returns the number of distinct present users.
func (t *Tracker) Count(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms[conversationID])
}

// Snapshot returns the present users ordered by join time, then user id.
func (t *Tracker) Snapshot(conversationID string) []Member {
	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.rooms[conversationID]
	out := make([]Member, 0, len(room))
	for id, e := range room {
		out = append(out, Member{
			UserID:        id,
			DisplayName:   e.displayName,
			Subscriptions: e.count,
			JoinedAt:      e.joinedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Drop forgets every member of a conversation.
func (t *Tracker) Drop(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, conversationID)
}
