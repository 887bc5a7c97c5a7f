package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore() (*Store, *testClock) {
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	return New(Config{TTL: time.Minute, Now: clk.Now}), clk
}

func appendN(t *testing.T, s *Store, conv string, n int, from, to string) []models.Event {
	t.Helper()
	var out []models.Event
	for i := 0; i < n; i++ {
		ev, err := s.Append(conv, models.Event{Type: models.EventTyping, FromUserID: from, ToUserID: to})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func ids(evs []models.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.ID
	}
	return out
}

func TestStore_AppendAssignsIDAndTimestamp(t *testing.T) {
	s, clk := newTestStore()
	ev, err := s.Append("room-x", models.Event{Type: models.EventPeerJoin, FromUserID: "a1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.ID == "" {
		t.Fatalf("expected event id")
	}
	if !ev.Timestamp.Equal(clk.now) {
		t.Fatalf("timestamp = %v, want %v", ev.Timestamp, clk.now)
	}
	if _, err := s.Append("", models.Event{}); !errors.Is(err, ErrInvalidConversation) {
		t.Fatalf("expected ErrInvalidConversation, got %v", err)
	}
	if _, err := s.Append("bad/id", models.Event{}); !errors.Is(err, ErrInvalidConversation) {
		t.Fatalf("expected ErrInvalidConversation for slash, got %v", err)
	}
}

func TestStore_CursorReadsHaveNoDuplicatesOrGaps(t *testing.T) {
	s, _ := newTestStore()
	first := appendN(t, s, "room-x", 3, "a1", "")

	got, cur := s.Read("room-x", "b2", "")
	if fmt.Sprint(ids(got)) != fmt.Sprint(ids(first)) {
		t.Fatalf("first read = %v, want %v", ids(got), ids(first))
	}

	second := appendN(t, s, "room-x", 2, "a1", "")
	got, cur = s.Read("room-x", "b2", cur)
	if fmt.Sprint(ids(got)) != fmt.Sprint(ids(second)) {
		t.Fatalf("second read = %v, want %v", ids(got), ids(second))
	}

	got, _ = s.Read("room-x", "b2", cur)
	if len(got) != 0 {
		t.Fatalf("expected no events after caught-up cursor, got %d", len(got))
	}
}

func TestStore_CursorAdvancesPastUnmatchedEvents(t *testing.T) {
	s, _ := newTestStore()
	appendN(t, s, "room-x", 4, "a1", "b2")

	got, cur := s.Read("room-x", "c3", "")
	if len(got) != 0 {
		t.Fatalf("c3 must not see targeted events, got %d", len(got))
	}

	want := appendN(t, s, "room-x", 1, "a1", "")
	got, _ = s.Read("room-x", "c3", cur)
	if fmt.Sprint(ids(got)) != fmt.Sprint(ids(want)) {
		t.Fatalf("read after unmatched noise = %v, want %v", ids(got), ids(want))
	}
}

func TestStore_InvalidCursorReadsFullBacklog(t *testing.T) {
	s, clk := newTestStore()
	all := appendN(t, s, "room-x", 2, "a1", "")

	_, foreign := s.Read("room-y", "b2", "")
	_, stale := s.Read("room-x", "b2", "")

	// Expire the cursor but not the events by re-appending them later.
	clk.Advance(30 * time.Second)
	fresh := appendN(t, s, "room-x", 1, "a1", "")
	clk.Advance(31 * time.Second)

	want := fresh // the first two events are now past the TTL as well
	cases := map[string]string{
		"absent":  "",
		"unknown": "not-a-cursor",
		"foreign": foreign,
		"expired": stale,
	}
	for name, token := range cases {
		got, _ := s.Read("room-x", "b2", token)
		if fmt.Sprint(ids(got)) != fmt.Sprint(ids(want)) {
			t.Fatalf("%s cursor: got %v, want %v (all=%v)", name, ids(got), ids(want), ids(all))
		}
	}
}

func TestStore_ForeignCursorBehavesLikeNoCursor(t *testing.T) {
	s, _ := newTestStore()
	want := appendN(t, s, "room-x", 2, "a1", "")
	appendN(t, s, "room-y", 5, "a1", "")
	_, foreign := s.Read("room-y", "b2", "")

	withForeign, _ := s.Read("room-x", "b2", foreign)
	without, _ := s.Read("room-x", "b2", "")
	if fmt.Sprint(ids(withForeign)) != fmt.Sprint(ids(without)) || len(without) != len(want) {
		t.Fatalf("foreign cursor read %v differs from plain read %v", ids(withForeign), ids(without))
	}
}

func TestStore_TargetedVisibility(t *testing.T) {
	s, _ := newTestStore()
	appendN(t, s, "room-x", 1, "a1", "b2")

	for user, want := range map[string]int{"a1": 1, "b2": 1, "c3": 0} {
		got, _ := s.Read("room-x", user, "")
		if len(got) != want {
			t.Fatalf("%s saw %d events, want %d", user, len(got), want)
		}
	}
}

func TestStore_PositionSkipsBacklog(t *testing.T) {
	s, _ := newTestStore()
	appendN(t, s, "room-x", 3, "a1", "")
	pos := s.Position("room-x")
	if !s.ValidCursor("room-x", pos) || s.ValidCursor("room-y", pos) {
		t.Fatalf("position cursor must be valid only for its conversation")
	}

	want := appendN(t, s, "room-x", 1, "a1", "")
	got, _ := s.Read("room-x", "b2", pos)
	if fmt.Sprint(ids(got)) != fmt.Sprint(ids(want)) {
		t.Fatalf("read from position = %v, want %v", ids(got), ids(want))
	}
}

func TestStore_SweepExpiresAndPrunes(t *testing.T) {
	s, clk := newTestStore()
	appendN(t, s, "room-x", 2, "a1", "")
	clk.Advance(45 * time.Second)
	appendN(t, s, "room-x", 1, "a1", "")
	appendN(t, s, "room-y", 1, "a1", "")
	_, cur := s.Read("room-y", "b2", "")

	clk.Advance(20 * time.Second)
	if n := s.Sweep(); n != 2 {
		t.Fatalf("Sweep removed %d events, want 2", n)
	}
	if s.Len("room-x") != 1 {
		t.Fatalf("room-x should keep its unexpired event, has %d", s.Len("room-x"))
	}

	clk.Advance(time.Minute)
	s.Sweep()
	if s.Len("room-x") != 0 || s.Len("room-y") != 0 {
		t.Fatalf("expected empty logs after TTL")
	}
	if s.ValidCursor("room-y", cur) {
		t.Fatalf("cursor should have expired")
	}
}

func TestStore_CursorSurvivesPrunedLog(t *testing.T) {
	s, clk := newTestStore()
	appendN(t, s, "room-x", 2, "a1", "")
	clk.Advance(59 * time.Second)
	_, cur := s.Read("room-x", "b2", "")
	clk.Advance(2 * time.Second)
	s.Sweep()

	want := appendN(t, s, "room-x", 1, "a1", "")
	got, _ := s.Read("room-x", "b2", cur)
	if fmt.Sprint(ids(got)) != fmt.Sprint(ids(want)) {
		t.Fatalf("read after prune = %v, want %v", ids(got), ids(want))
	}
}

func TestStore_DropConversation(t *testing.T) {
	s, _ := newTestStore()
	appendN(t, s, "room-x", 2, "a1", "")
	_, cur := s.Read("room-x", "b2", "")
	s.DropConversation("room-x")
	if s.Len("room-x") != 0 || s.ValidCursor("room-x", cur) {
		t.Fatalf("expected conversation state to be dropped")
	}
}
