// Package session issues and resolves the opaque tokens that identify a
// participant of a conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTTL = 12 * time.Hour

var ErrInvalidToken = errors.New("invalid session token")

// Session is the authenticated identity of a caller.
type Session struct {
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	ConversationID string `json:"conversationId,omitempty"`
	Role           string `json:"role"`
}

// Resolver maps a token to a session.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Session, error)
}

// Claims represents the claims in a session JWT
type Claims struct {
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Role           string `json:"role"`
	jwt.RegisteredClaims
}

// JWT issues and validates HMAC-signed session tokens.
type JWT struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWT(secret string, ttl time.Duration) *JWT {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &JWT{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for s.
func (j *JWT) Issue(s Session) (string, error) {
	if s.UserID == "" || s.Role == "" {
		return "", fmt.Errorf("session requires user id and role")
	}
	now := j.now()
	claims := Claims{
		UserID:         s.UserID,
		DisplayName:    s.DisplayName,
		ConversationID: s.ConversationID,
		Role:           s.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session: %w", err)
	}
	return signed, nil
}

// Resolve validates token and returns the session it carries.
func (j *JWT) Resolve(_ context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithTimeFunc(j.now))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return Session{}, ErrInvalidToken
	}
	return Session{
		UserID:         claims.UserID,
		DisplayName:    claims.DisplayName,
		ConversationID: claims.ConversationID,
		Role:           claims.Role,
	}, nil
}
