package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/config"
	"github.com/mossy-p/mesh-signaling/internal/logging"
	"github.com/mossy-p/mesh-signaling/internal/mesh"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/sigclient"
)

func main() {
	cfg := config.LoadPeer()

	log, err := logging.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if cfg.JoinCode == "" {
		os.Exit(logging.Fail(log, "JOIN_CODE is required"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(logging.Fail(log, "peer stopped", zap.Error(err)))
	}
	log.Info("peer stopped")
}

func run(ctx context.Context, cfg *config.PeerConfig, log *zap.Logger) error {
	client := sigclient.NewClient(cfg.SignalURL)
	join, err := client.Join(ctx, cfg.JoinCode, cfg.DisplayName)
	if err != nil {
		return err
	}
	log.Info("joined conversation",
		zap.String("conversation", join.ConversationID), zap.String("user", join.UserID))

	m, err := mesh.New(mesh.Config{
		SelfID:      join.UserID,
		DisplayName: cfg.DisplayName,
		Factory:     mesh.NewPionFactory(cfg.STUNURLs, log),
		Signaler:    client,
		Logger:      log.Named("mesh"),
		OnMessage: func(msg mesh.ChatMessage) {
			log.Info("chat",
				zap.String("from", msg.DisplayName), zap.String("via", msg.Via), zap.String("text", msg.Text))
		},
		OnReaction: func(from string, r models.Reaction) {
			log.Info("reaction", zap.String("from", from), zap.String("message", r.MessageID), zap.String("emoji", r.Emoji))
		},
	})
	if err != nil {
		return err
	}

	// The mesh outlives ctx long enough to hang up.
	meshCtx, cancelMesh := context.WithCancel(context.Background())
	meshDone := make(chan struct{})
	go func() {
		defer close(meshDone)
		m.Run(meshCtx)
	}()
	defer func() {
		cancelMesh()
		<-meshDone
	}()

	go readInput(ctx, m, os.Stdin, log)

	supervisor := sigclient.NewSupervisor(sigclient.SupervisorConfig{
		Subscriber:   client,
		Handler:      m,
		Logger:       log.Named("supervisor"),
		InitialDelay: cfg.ReconnectInitialDelay,
		MaxAttempts:  cfg.ReconnectMaxAttempts,
		OnState: func(s sigclient.State, err error) {
			log.Info("signaling state", zap.Stringer("state", s), zap.Error(err))
		},
	})
	runErr := supervisor.Run(ctx)

	hangupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Hangup(hangupCtx, "peer exiting"); err != nil {
		log.Warn("hangup failed", zap.Error(err))
	}
	return runErr
}

// readInput sends every line of r as a chat message. "/roster" prints the
// known participants instead.
func readInput(ctx context.Context, m *mesh.Mesh, r io.Reader, log *zap.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "/roster":
			entries, err := m.Roster(ctx)
			if err != nil {
				return
			}
			for _, e := range entries {
				log.Info("participant",
					zap.String("user", e.UserID),
					zap.String("name", e.DisplayName),
					zap.Bool("online", e.Online),
					zap.Stringer("connection", e.Connection),
					zap.Bool("chat", e.ChatOpen),
					zap.Time("lastSeen", e.LastSeen))
			}
		default:
			msg, err := m.SendChat(ctx, line)
			if err != nil {
				log.Warn("failed to send chat message", zap.Error(err))
				continue
			}
			log.Debug("chat sent", zap.String("id", msg.ID), zap.String("via", msg.Via))
		}
	}
}
