package presence

import "testing"

func TestTracker_ReferenceCounting(t *testing.T) {
	for n := 1; n <= 4; n++ {
		tr := NewTracker()
		for i := 0; i < n; i++ {
			tr.Join("room-x", "a1", "Alice")
		}
		for i := 1; i < n; i++ {
			if tr.Leave("room-x", "a1") {
				t.Fatalf("n=%d: fullyLeft after %d leaves", n, i)
			}
			if !tr.Present("room-x", "a1") {
				t.Fatalf("n=%d: user should still be present after %d leaves", n, i)
			}
		}
		if !tr.Leave("room-x", "a1") {
			t.Fatalf("n=%d: expected fullyLeft on leave %d", n, n)
		}
		if tr.Present("room-x", "a1") || tr.Count("room-x") != 0 {
			t.Fatalf("n=%d: user should be gone", n)
		}
	}
}

func TestTracker_LeaveUnknownIsNotFullyLeft(t *testing.T) {
	tr := NewTracker()
	if tr.Leave("room-x", "ghost") {
		t.Fatalf("leave without join must not report fullyLeft")
	}
	tr.Join("room-x", "a1", "")
	if tr.Leave("room-x", "ghost") {
		t.Fatalf("leave of unknown user must not report fullyLeft")
	}
}

func TestTracker_SnapshotAndIsolation(t *testing.T) {
	tr := NewTracker()
	tr.Join("room-x", "a1", "Alice")
	tr.Join("room-x", "b2", "Bob")
	tr.Join("room-x", "b2", "")
	tr.Join("room-y", "c3", "Carol")

	snap := tr.Snapshot("room-x")
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d members, want 2", len(snap))
	}
	byID := map[string]Member{}
	for _, m := range snap {
		byID[m.UserID] = m
	}
	if byID["b2"].Subscriptions != 2 || byID["b2"].DisplayName != "Bob" {
		t.Fatalf("unexpected member b2: %+v", byID["b2"])
	}
	if _, ok := byID["c3"]; ok {
		t.Fatalf("room-y member leaked into room-x")
	}

	tr.Drop("room-x")
	if tr.Count("room-x") != 0 || tr.Count("room-y") != 1 {
		t.Fatalf("Drop must only affect its conversation")
	}
}
