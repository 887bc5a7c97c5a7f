package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/internal/conversations"
	"github.com/mossy-p/mesh-signaling/internal/middleware"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/session"
)

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login issues an admin session when the password matches the configured one.
func (a *API) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if a.adminPassword == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "Admin login is disabled"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(a.adminPassword)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	userID := req.Username
	token, err := a.sessions.Issue(session.Session{
		UserID:      userID,
		DisplayName: req.Username,
		Role:        models.RoleAdmin,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to generate token",
		})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:  token,
		UserID: userID,
	})
}

// Join exchanges a join code for a participant session bound to the conversation.
func (a *API) Join(c *gin.Context) {
	var req models.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	conv, err := a.directory.Lookup(c.Request.Context(), req.Code)
	if errors.Is(err, conversations.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return
	}
	if err != nil {
		a.log.Error("failed to look up conversation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to join conversation"})
		return
	}

	// Check if conversation is full
	if a.relay.Presence().Count(conv.ID) >= conv.MaxParticipants {
		c.JSON(http.StatusConflict, gin.H{"error": "Conversation is full"})
		return
	}

	userID := uuid.New().String()
	token, err := a.sessions.Issue(session.Session{
		UserID:         userID,
		DisplayName:    req.DisplayName,
		ConversationID: conv.ID,
		Role:           models.RoleParticipant,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookie, token, int(a.sessionTTL.Seconds()), "/", "", c.Request.TLS != nil, true)

	a.log.Info("participant joined",
		zap.String("conversation", conv.ID), zap.String("user", userID), zap.String("code", conv.Code))

	c.JSON(http.StatusOK, models.JoinResponse{
		Token:          token,
		UserID:         userID,
		ConversationID: conv.ID,
	})
}
