// Package store holds the per-conversation, time-bounded log of signaling
// events and the cursor table used for incremental reads.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

const (
	DefaultTTL           = 60 * time.Second
	DefaultSweepInterval = 10 * time.Second

	maxConversationIDLength = 128
)

// ErrInvalidConversation is returned for an empty or malformed conversation id.
var ErrInvalidConversation = errors.New("invalid conversation id")

// Config controls event lifetime. Now may be replaced in tests.
type Config struct {
	TTL time.Duration
	Now func() time.Time
}

type record struct {
	seq uint64
	ev  models.Event
}

type cursor struct {
	conversationID string
	next           uint64
	createdAt      time.Time
}

// Store is an in-memory, append-only event log per conversation.
//
// Sequence numbers are global to the store so a cursor keeps its meaning when
// a conversation's log is pruned and recreated.
type Store struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	nextSeq uint64
	logs    map[string][]record
	cursors map[string]cursor
}

func New(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		ttl:     cfg.TTL,
		now:     cfg.Now,
		logs:    make(map[string][]record),
		cursors: make(map[string]cursor),
	}
}

// TTL returns how long events and cursors stay readable.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// ValidConversationID reports whether id has an acceptable shape.
func ValidConversationID(id string) bool {
	if id == "" || len(id) > maxConversationIDLength {
		return false
	}
	return !strings.ContainsAny(id, " \t\r\n/")
}

// Append assigns an id and timestamp to ev and stores it at the end of the
// conversation's log.
func (s *Store) Append(conversationID string, ev models.Event) (models.Event, error) {
	if !ValidConversationID(conversationID) {
		return models.Event{}, ErrInvalidConversation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev.ID = uuid.NewString()
	ev.Timestamp = s.now().UTC()
	s.logs[conversationID] = append(s.logs[conversationID], record{seq: s.nextSeq, ev: ev})
	s.nextSeq++
	return ev, nil
}

// Read returns, in append order, the unexpired events visible to subscriberID
// that were appended after the position named by token. An absent, expired or
// foreign token reads from the start of the log. The returned cursor always
// points past the end of the log, even when nothing matched.
func (s *Store) Read(conversationID, subscriberID, token string) ([]models.Event, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	start := s.resolveLocked(conversationID, token, now)

	var out []models.Event
	for _, rec := range s.logs[conversationID] {
		if rec.seq < start || s.expired(rec.ev.Timestamp, now) {
			continue
		}
		if rec.ev.VisibleTo(subscriberID) {
			out = append(out, rec.ev)
		}
	}
	return out, s.newCursorLocked(conversationID, now)
}

// Position returns a cursor at the current end of the conversation's log, so
// a later Read yields only events appended after this call.
func (s *Store) Position(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newCursorLocked(conversationID, s.now())
}

// ValidCursor reports whether token is a live cursor for conversationID.
func (s *Store) ValidCursor(conversationID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[token]
	return ok && c.conversationID == conversationID && !s.expired(c.createdAt, s.now())
}

func (s *Store) resolveLocked(conversationID, token string, now time.Time) uint64 {
	if token == "" {
		return 0
	}
	c, ok := s.cursors[token]
	if !ok || c.conversationID != conversationID || s.expired(c.createdAt, now) {
		return 0
	}
	return c.next
}

func (s *Store) newCursorLocked(conversationID string, now time.Time) string {
	token := uuid.NewString()
	s.cursors[token] = cursor{conversationID: conversationID, next: s.nextSeq, createdAt: now}
	return token
}

func (s *Store) expired(at, now time.Time) bool {
	return now.Sub(at) >= s.ttl
}

// Len returns the number of events currently held for a conversation.
func (s *Store) Len(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs[conversationID])
}

// Sweep drops expired events and cursors and prunes empty logs. It returns
// the number of events removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, log := range s.logs {
		// Timestamps are non-decreasing within a log, so expired events form a prefix.
		i := 0
		for i < len(log) && s.expired(log[i].ev.Timestamp, now) {
			i++
		}
		removed += i
		if i == len(log) {
			delete(s.logs, id)
			continue
		}
		if i > 0 {
			s.logs[id] = append([]record(nil), log[i:]...)
		}
	}
	for token, c := range s.cursors {
		if s.expired(c.createdAt, now) {
			delete(s.cursors, token)
		}
	}
	return removed
}

// DropConversation removes every event and cursor of a conversation.
func (s *Store) DropConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.logs, conversationID)
	for token, c := range s.cursors {
		if c.conversationID == conversationID {
			delete(s.cursors, token)
		}
	}
}

// Run sweeps the store every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Debug("swept expired events", zap.Int("count", n))
			}
		}
	}
}
