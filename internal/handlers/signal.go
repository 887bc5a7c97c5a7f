package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/internal/middleware"
	"github.com/mossy-p/mesh-signaling/internal/models"
)

// PostSignal accepts one signaling event from the caller and relays it.
func (a *API) PostSignal(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)

	var in models.Inbound
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ev, err := a.publishInbound(sess, in)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			a.log.Error("failed to publish event",
				zap.String("conversation", sess.ConversationID), zap.String("user", sess.UserID), zap.Error(err))
			c.JSON(status, gin.H{"error": "Failed to publish event"})
			return
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.InboundResponse{EventID: ev.ID})
}

// Presence returns the current participants of the caller's conversation.
func (a *API) Presence(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)
	c.JSON(http.StatusOK, models.PresenceResponse{
		ConversationID: sess.ConversationID,
		Participants:   a.relay.Participants(sess.ConversationID, sess.UserID),
	})
}
