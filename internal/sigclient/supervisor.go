package sigclient

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

const (
	DefaultInitialDelay = time.Second
	DefaultMaxAttempts  = 5
	DefaultIdleTimeout  = 75 * time.Second
)

var (
	// ErrReconnectFailed is returned once the retry budget is exhausted.
	ErrReconnectFailed = errors.New("reconnect failed")
	// ErrConversationClosed is returned when the relay closed the conversation.
	ErrConversationClosed = errors.New("conversation closed")
	// ErrIdle is the stream error when no frame arrived within the idle timeout.
	ErrIdle = errors.New("stream idle")
)

// State is the connection state reported by a Supervisor.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Subscriber opens the relay event stream.
type Subscriber interface {
	Subscribe(ctx context.Context, cursor string) (*Stream, error)
}

// Handler consumes the stream. Subscribed runs after every successful
// subscribe and before the stream's first event.
type Handler interface {
	Subscribed(reconnect bool)
	Deliver(ev models.Event)
}

type SupervisorConfig struct {
	Subscriber Subscriber
	Handler    Handler
	Logger     *zap.Logger

	// InitialDelay is the wait before the first retry; it doubles per attempt.
	InitialDelay time.Duration
	MaxAttempts  int
	// IdleTimeout drops a stream that delivered no frame, keepalives
	// included, for this long.
	IdleTimeout time.Duration

	// OnState is called on every state change with the error that caused it, if any.
	OnState func(State, error)
}

// Supervisor keeps one event stream open and reconnects it with
// exponential backoff.
type Supervisor struct {
	sub          Subscriber
	handler      Handler
	log          *zap.Logger
	initialDelay time.Duration
	maxAttempts  int
	idleTimeout  time.Duration
	onState      func(State, error)
	wait         func(ctx context.Context, d time.Duration) error

	cursor   string
	attempts int
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Supervisor{
		sub:          cfg.Subscriber,
		handler:      cfg.Handler,
		log:          cfg.Logger,
		initialDelay: cfg.InitialDelay,
		maxAttempts:  cfg.MaxAttempts,
		idleTimeout:  cfg.IdleTimeout,
		onState:      cfg.OnState,
		wait:         sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run keeps the stream open until ctx is cancelled, the conversation is
// closed, the relay rejects the session or the retry budget is exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	subscribed := false
	for {
		if subscribed {
			s.setState(StateReconnecting, nil)
		} else {
			s.setState(StateConnecting, nil)
		}

		opened, err := s.connect(ctx, subscribed)
		subscribed = subscribed || opened
		if ctx.Err() != nil {
			s.setState(StateClosed, nil)
			return ctx.Err()
		}
		if errors.Is(err, ErrConversationClosed) || IsPermanent(err) {
			s.setState(StateFailed, err)
			return err
		}

		s.attempts++
		if s.attempts > s.maxAttempts {
			err = fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, s.maxAttempts, err)
			s.setState(StateFailed, err)
			return err
		}
		delay := s.initialDelay << (s.attempts - 1)
		s.log.Warn("signaling stream lost, reconnecting",
			zap.Error(err), zap.Int("attempt", s.attempts), zap.Duration("delay", delay))
		if err := s.wait(ctx, delay); err != nil {
			s.setState(StateClosed, nil)
			return err
		}
	}
}

// connect runs one stream until it fails. opened reports whether the
// subscribe itself succeeded.
func (s *Supervisor) connect(ctx context.Context, reconnect bool) (opened bool, err error) {
	stream, err := s.sub.Subscribe(ctx, s.cursor)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	var idle atomic.Bool
	watchdog := time.AfterFunc(s.idleTimeout, func() {
		idle.Store(true)
		stream.Close()
	})
	defer watchdog.Stop()

	s.handler.Subscribed(reconnect)

	for {
		f, err := stream.Next()
		if err != nil {
			if idle.Load() {
				err = ErrIdle
			}
			return true, err
		}
		watchdog.Reset(s.idleTimeout)
		if f.ID != "" {
			s.cursor = f.ID
		}
		if f.Keepalive {
			continue
		}
		if f.Event.Type != models.EventSystem {
			s.handler.Deliver(f.Event)
			continue
		}

		p, err := f.Event.Decode()
		if err != nil {
			continue
		}
		switch p.(models.System).Status {
		case models.SystemConnected:
			s.attempts = 0
			s.setState(StateConnected, nil)
			s.log.Info("signaling stream connected", zap.Bool("reconnect", reconnect))
		case models.SystemClosed:
			return true, ErrConversationClosed
		}
	}
}

func (s *Supervisor) setState(state State, err error) {
	if s.onState != nil {
		s.onState(state, err)
	}
}
