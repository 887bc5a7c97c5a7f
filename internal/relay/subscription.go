package relay

import (
	"sync"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

// Subscription is one open stream of a user on a conversation. It is driven
// by a single goroutine: wait on Wake or Done, then call Next.
type Subscription struct {
	ConversationID string
	UserID         string

	relay *Relay
	wake  chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	cursor string

	closeOnce     sync.Once
	terminateOnce sync.Once
}

// Wake fires whenever new events may be available.
func (s *Subscription) Wake() <-chan struct{} {
	return s.wake
}

// Done is closed when the conversation is closed by its owner.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// RoomState synthesizes the participant snapshot event sent first on every stream.
func (s *Subscription) RoomState() models.Event {
	ev, _ := models.NewEvent(models.EventRoomState, "", s.UserID, models.RoomState{
		Participants: s.relay.Participants(s.ConversationID, s.UserID),
	})
	ev.Timestamp = s.relay.store.Now()
	return ev
}

// Next returns the events visible to the subscriber since the previous call
// and the cursor that resumes after them.
func (s *Subscription) Next() ([]models.Event, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, cursor := s.relay.store.Read(s.ConversationID, s.UserID, s.cursor)
	s.cursor = cursor
	return events, cursor
}

// Cursor returns the current read position.
func (s *Subscription) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close releases the subscription and starts the leave grace period if it was
// the user's last one. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.relay.unsubscribe(s)
	})
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) terminate() {
	s.terminateOnce.Do(func() {
		close(s.done)
	})
}
