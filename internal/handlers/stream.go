package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/internal/middleware"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/relay"
)

// Stream serves the caller's subscription as Server-Sent Events.
//
// Frame order: room-state, any replay after the resume cursor, then a
// system "connected" frame. The last frame of every batch carries the
// cursor as its id so EventSource reconnects resume through Last-Event-ID.
func (a *API) Stream(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)

	resume := c.Query("cursor")
	if resume == "" {
		resume = c.GetHeader("Last-Event-ID")
	}

	sub, err := a.relay.Subscribe(sess.ConversationID, sess.UserID, sess.DisplayName, resume)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	defer sub.Close()

	log := a.log.With(zap.String("conversation", sess.ConversationID), zap.String("user", sess.UserID))
	log.Debug("stream opened")
	defer log.Debug("stream closed")

	sseHeaders(c.Writer)
	c.Status(http.StatusOK)

	w := c.Writer
	if err := openStream(w, sub); err != nil {
		return
	}
	w.Flush()

	keepalive := time.NewTicker(a.keepalive)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			closed := systemEvent(models.SystemClosed)
			_ = writeFrame(w, closed, "")
			w.Flush()
			return
		case <-keepalive.C:
			// Refresh the cursor so an idle stream never resumes from an expired one.
			events, cursor := sub.Next()
			if err := writeKeepalive(w, events, cursor); err != nil {
				return
			}
			w.Flush()
		case <-sub.Wake():
			events, cursor := sub.Next()
			if err := writeBatch(w, events, cursor); err != nil {
				log.Debug("stream write failed", zap.Error(err))
				return
			}
			if len(events) > 0 {
				w.Flush()
			}
		}
	}
}

// openStream writes the frames every stream starts with.
func openStream(w io.Writer, sub *relay.Subscription) error {
	if err := writeFrame(w, sub.RoomState(), ""); err != nil {
		return err
	}
	events, cursor := sub.Next()
	if err := writeBatch(w, events, ""); err != nil {
		return err
	}
	return writeFrame(w, systemEvent(models.SystemConnected), cursor)
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func systemEvent(status string) models.Event {
	ev, _ := models.NewEvent(models.EventSystem, "", "", status)
	ev.Timestamp = time.Now().UTC()
	return ev
}

// writeBatch writes events in order and attaches cursor to the last one.
func writeBatch(w io.Writer, events []models.Event, cursor string) error {
	for i, ev := range events {
		id := ""
		if i == len(events)-1 {
			id = cursor
		}
		if err := writeFrame(w, ev, id); err != nil {
			return err
		}
	}
	return nil
}

// writeKeepalive writes a comment frame whose id field updates the client's
// last event id without dispatching an event.
func writeKeepalive(w io.Writer, events []models.Event, cursor string) error {
	if len(events) > 0 {
		return writeBatch(w, events, cursor)
	}
	_, err := fmt.Fprintf(w, ": keepalive\nid: %s\n\n", cursor)
	return err
}

func writeFrame(w io.Writer, ev models.Event, id string) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if id != "" {
		_, err = fmt.Fprintf(w, "id: %s\ndata: %s\n\n", id, data)
	} else {
		_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	}
	return err
}
