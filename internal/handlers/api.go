// Package handlers exposes the relay, conversation directory and sessions
// over HTTP, Server-Sent Events and WebSocket.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/internal/conversations"
	"github.com/mossy-p/mesh-signaling/internal/middleware"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/relay"
	"github.com/mossy-p/mesh-signaling/internal/session"
	"github.com/mossy-p/mesh-signaling/internal/store"
)

const (
	DefaultKeepalive        = 25 * time.Second
	DefaultMaxMessageLength = 4000
)

type Config struct {
	Relay         *relay.Relay
	Directory     *conversations.Directory
	Sessions      *session.JWT
	Messages      MessageSink
	Logger        *zap.Logger
	AdminPassword string
	SessionTTL    time.Duration

	// Keepalive is the interval between comment frames on idle streams.
	Keepalive        time.Duration
	MaxMessageLength int
}

// API holds the collaborators shared by every handler.
type API struct {
	relay         *relay.Relay
	directory     *conversations.Directory
	sessions      *session.JWT
	messages      MessageSink
	log           *zap.Logger
	adminPassword string
	sessionTTL    time.Duration
	keepalive     time.Duration
	maxMessageLen int
}

func New(cfg Config) *API {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Messages == nil {
		cfg.Messages = LoggingSink{Logger: cfg.Logger}
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = session.DefaultTTL
	}
	return &API{
		relay:         cfg.Relay,
		directory:     cfg.Directory,
		sessions:      cfg.Sessions,
		messages:      cfg.Messages,
		log:           cfg.Logger,
		adminPassword: cfg.AdminPassword,
		sessionTTL:    cfg.SessionTTL,
		keepalive:     cfg.Keepalive,
		maxMessageLen: cfg.MaxMessageLength,
	}
}

// Register mounts every route on router.
func (a *API) Register(router gin.IRouter) {
	auth := middleware.Session(a.sessions)
	participant := []gin.HandlerFunc{auth, middleware.RequireConversation()}

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/auth/login", a.Login)
		api.POST("/auth/join", a.Join)

		api.POST("/conversations", auth, middleware.RequireRole(models.RoleAdmin), a.CreateConversation)
		api.GET("/conversations/:id", a.GetConversation)
		api.DELETE("/conversations/:id", auth, middleware.RequireRole(models.RoleAdmin), a.DeleteConversation)

		api.POST("/signal", append(participant, a.PostSignal)...)
		api.GET("/signal/stream", append(participant, a.Stream)...)
		api.POST("/messages", append(participant, a.PostMessage)...)
		api.GET("/presence", append(participant, a.Presence)...)
	}

	ws := router.Group("/ws")
	{
		ws.GET("/signal", append(participant, a.HandleSignaling)...)
	}
}

// publishInbound runs the write path for one client event.
func (a *API) publishInbound(sess session.Session, in models.Inbound) (models.Event, error) {
	if err := in.Validate(sess.UserID); err != nil {
		return models.Event{}, err
	}
	ev := models.Event{
		Type:       in.Type,
		FromUserID: sess.UserID,
		ToUserID:   in.ToUserID,
		Data:       in.Data,
	}
	if in.Type == models.EventPeerJoin {
		p, err := ev.Decode()
		if err != nil {
			return models.Event{}, err
		}
		join := p.(models.PeerJoin)
		if join.DisplayName == "" {
			join.DisplayName = sess.DisplayName
			if ev, err = models.NewEvent(in.Type, sess.UserID, in.ToUserID, join); err != nil {
				return models.Event{}, err
			}
		}
	}
	return a.relay.Publish(sess.ConversationID, ev)
}

// statusFor maps write-path errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidEvent), errors.Is(err, store.ErrInvalidConversation):
		return http.StatusBadRequest
	case errors.Is(err, conversations.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversations.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrConversationClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}
