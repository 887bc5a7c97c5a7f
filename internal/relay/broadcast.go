package relay

import "sync"

// broadcaster fans append notifications out to the live subscriptions of a
// conversation. Notifications are coalescing wake-ups; subscribers pull the
// actual events from the store with their own cursor.
type broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[string]map[*Subscription]struct{})}
}

func (b *broadcaster) add(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.subs[s.ConversationID]
	if !ok {
		room = make(map[*Subscription]struct{})
		b.subs[s.ConversationID] = room
	}
	room[s] = struct{}{}
}

func (b *broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room, ok := b.subs[s.ConversationID]
	if !ok {
		return
	}
	delete(room, s)
	if len(room) == 0 {
		delete(b.subs, s.ConversationID)
	}
}

func (b *broadcaster) notify(conversationID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs[conversationID] {
		select {
		case s.wake <- struct{}{}:
		default:
			// A wake-up is already pending; it will pick this event up too.
		}
	}
}

// detach removes and returns every subscription of a conversation.
func (b *broadcaster) detach(conversationID string) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.subs[conversationID]
	delete(b.subs, conversationID)
	out := make([]*Subscription, 0, len(room))
	for s := range room {
		out = append(out, s)
	}
	return out
}

func (b *broadcaster) count(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[conversationID])
}
