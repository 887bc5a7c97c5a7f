package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/internal/middleware"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/session"
)

// MessageSink receives every chat message accepted by the relay before it is
// broadcast. Durable history lives behind this interface.
type MessageSink interface {
	Accept(ctx context.Context, conversationID string, from session.Session, msg models.NewMessage) error
}

// LoggingSink records accepted messages in the log only.
type LoggingSink struct {
	Logger *zap.Logger
}

func (s LoggingSink) Accept(_ context.Context, conversationID string, from session.Session, msg models.NewMessage) error {
	s.Logger.Debug("message accepted",
		zap.String("conversation", conversationID),
		zap.String("user", from.UserID),
		zap.String("message", msg.ID),
		zap.Int("length", len(msg.Text)))
	return nil
}

// PostMessage validates a chat message, hands it to the sink and broadcasts it.
func (a *API) PostMessage(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)

	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message is empty"})
		return
	}
	if utf8.RuneCountInString(text) > a.maxMessageLen {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Message is too long"})
		return
	}

	msg := models.NewMessage{
		ID:          req.ID,
		Text:        text,
		DisplayName: sess.DisplayName,
		SentAt:      time.Now().UTC(),
	}
	// Peers that already delivered the message over a data channel send its id.
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	if err := a.messages.Accept(c.Request.Context(), sess.ConversationID, sess, msg); err != nil {
		a.log.Error("message sink rejected message",
			zap.String("conversation", sess.ConversationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store message"})
		return
	}

	ev, err := models.NewEvent(models.EventNewMessage, sess.UserID, "", msg)
	if err == nil {
		ev, err = a.relay.Publish(sess.ConversationID, ev)
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "Failed to publish message"})
		return
	}

	c.JSON(http.StatusCreated, models.ChatResponse{EventID: ev.ID, MessageID: msg.ID})
}
