package sigclient

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

func TestStream_ParsesFrames(t *testing.T) {
	input := ": connected comment\n\n" +
		"id: c1\ndata: {\"id\":\"e1\",\"type\":\"room-state\",\"fromUserId\":\"\"}\n\n" +
		": keepalive\nid: c2\n\n" +
		"data: {\"id\":\"e3\",\n" +
		"data: \"type\":\"typing\",\"fromUserId\":\"a1\"}\n\n" +
		"event: ignored\r\ndata: {\"id\":\"e4\",\"type\":\"peer-leave\",\"fromUserId\":\"b2\"}\r\n\r\n" +
		"data: {\"id\":\"e5\",\"type\":\"typing\"}"

	s := NewStream(io.NopCloser(strings.NewReader(input)))

	want := []Frame{
		{Event: models.Event{ID: "e1", Type: models.EventRoomState}, ID: "c1"},
		{ID: "c2", Keepalive: true},
		{Event: models.Event{ID: "e3", Type: models.EventTyping, FromUserID: "a1"}},
		{Event: models.Event{ID: "e4", Type: models.EventPeerLeave, FromUserID: "b2"}},
	}
	for i, w := range want {
		f, err := s.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.ID != w.ID || f.Keepalive != w.Keepalive || f.Event.ID != w.Event.ID ||
			f.Event.Type != w.Event.Type || f.Event.FromUserID != w.Event.FromUserID {
			t.Fatalf("frame %d = %+v, want %+v", i, f, w)
		}
	}
	// The unterminated last block is discarded.
	if _, err := s.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStream_RejectsMalformedData(t *testing.T) {
	s := NewStream(io.NopCloser(strings.NewReader("data: {not json\n\n")))
	if _, err := s.Next(); err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
