package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/config"
	"github.com/mossy-p/mesh-signaling/internal/conversations"
	"github.com/mossy-p/mesh-signaling/internal/handlers"
	"github.com/mossy-p/mesh-signaling/internal/logging"
	"github.com/mossy-p/mesh-signaling/internal/presence"
	"github.com/mossy-p/mesh-signaling/internal/redis"
	"github.com/mossy-p/mesh-signaling/internal/relay"
	"github.com/mossy-p/mesh-signaling/internal/session"
	"github.com/mossy-p/mesh-signaling/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log, err := logging.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		os.Exit(logging.Fail(log, "signaling server stopped", zap.Error(err)))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Redis
	redisClient, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	log.Info("Redis connection established", zap.String("host", cfg.Redis.Host))

	events := store.New(store.Config{TTL: cfg.Relay.EventTTL})
	go events.Run(ctx, cfg.Relay.SweepInterval, log.Named("store"))

	hub := relay.New(relay.Config{
		Store:      events,
		Presence:   presence.NewTracker(),
		Logger:     log.Named("relay"),
		LeaveGrace: cfg.Relay.LeaveGrace,
	})
	defer hub.Stop()

	api := handlers.New(handlers.Config{
		Relay:            hub,
		Directory:        conversations.NewDirectory(redisClient, cfg.Relay.ConversationTTL),
		Sessions:         session.NewJWT(cfg.JWTSecret, cfg.SessionTTL),
		Logger:           log.Named("http"),
		AdminPassword:    cfg.AdminPassword,
		SessionTTL:       cfg.SessionTTL,
		Keepalive:        cfg.Relay.KeepaliveInterval,
		MaxMessageLength: cfg.Relay.MaxMessageLength,
	})

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(log.Named("http")))

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))
	api.Register(router)

	// Streams are long-lived, so there is no write timeout. Request contexts
	// derive from ctx so cancelling it on shutdown ends every open stream.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server.RegisterOnShutdown(cancel)

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("Starting signaling server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server error: %w", err)
		}
	}()

	// Listen for shutdown signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return err
	case sig := <-quit:
		log.Info("Initiating graceful shutdown", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown error", zap.Error(err))
		server.Close()
	}

	log.Info("Graceful shutdown complete")
	return nil
}
