package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/mesh-signaling/internal/session"
)

const (
	sessionKey = "session"

	// SessionCookie is the cookie consulted when no bearer token is present.
	SessionCookie = "session"
)

// Session creates middleware that resolves the caller's session from the
// Authorization header, the "token" query parameter (EventSource and
// WebSocket clients cannot set headers) or the session cookie.
func Session(resolver session.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := extractToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid authorization header format",
			})
			return
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Session token required",
			})
			return
		}

		sess, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid session",
			})
			return
		}

		// Store session in context for handlers
		c.Set(sessionKey, sess)
		c.Next()
	}
}

// RequireRole rejects sessions without the given role. Must run after Session.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := SessionFrom(c)
		if !ok || sess.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Insufficient role",
			})
			return
		}
		c.Next()
	}
}

// RequireConversation rejects sessions that are not bound to a conversation.
func RequireConversation() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := SessionFrom(c)
		if !ok || sess.ConversationID == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Session is not bound to a conversation",
			})
			return
		}
		c.Next()
	}
}

// SessionFrom returns the session stored by the Session middleware.
func SessionFrom(c *gin.Context) (session.Session, bool) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return session.Session{}, false
	}
	sess, ok := v.(session.Session)
	return sess, ok
}

func extractToken(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	if cookie, err := c.Cookie(SessionCookie); err == nil {
		return cookie, true
	}
	return "", true
}
