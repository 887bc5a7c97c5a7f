package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/internal/middleware"
	"github.com/mossy-p/mesh-signaling/internal/models"
)

// CreateConversation creates a new conversation (admin only)
func (a *API) CreateConversation(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)

	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := a.directory.Create(c.Request.Context(), sess.UserID, req.MaxParticipants)
	if err != nil {
		a.log.Error("failed to create conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create conversation"})
		return
	}

	a.log.Info("conversation created",
		zap.String("conversation", conv.ID), zap.String("code", conv.Code), zap.String("user", sess.UserID))

	c.JSON(http.StatusCreated, models.CreateConversationResponse{
		ConversationID: conv.ID,
		Code:           conv.Code,
	})
}

// GetConversation gets conversation information by code or ID (public)
func (a *API) GetConversation(c *gin.Context) {
	conv, err := a.directory.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": "Conversation not found"})
		return
	}

	// Live participant count comes from the presence tracker
	conv.ParticipantCount = a.relay.Presence().Count(conv.ID)

	c.JSON(http.StatusOK, conv)
}

// DeleteConversation closes a conversation and ends every live subscription (creator only)
func (a *API) DeleteConversation(c *gin.Context) {
	sess, _ := middleware.SessionFrom(c)

	conv, err := a.directory.Close(c.Request.Context(), c.Param("id"), sess.UserID)
	if err != nil {
		status := statusFor(err)
		switch status {
		case http.StatusNotFound:
			c.JSON(status, gin.H{"error": "Conversation not found"})
		case http.StatusForbidden:
			c.JSON(status, gin.H{"error": "Only the conversation creator can delete it"})
		default:
			a.log.Error("failed to delete conversation", zap.Error(err))
			c.JSON(status, gin.H{"error": "Failed to delete conversation"})
		}
		return
	}

	a.relay.CloseConversation(conv.ID)

	a.log.Info("conversation deleted", zap.String("conversation", conv.ID), zap.String("user", sess.UserID))

	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted"})
}
