// Package conversations keeps conversation metadata and join codes in Redis.
package conversations

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

const (
	CodeLength             = 6
	DefaultTTL             = 24 * time.Hour
	DefaultMaxParticipants = 8

	codeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

var (
	ErrNotFound  = errors.New("conversation not found")
	ErrForbidden = errors.New("only the conversation creator can do that")
)

// Directory stores conversations by id and indexes them by join code.
type Directory struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewDirectory(client *redis.Client, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Directory{client: client, ttl: ttl, now: time.Now}
}

func conversationKey(id string) string { return "conversation:" + id }
func codeKey(code string) string       { return "code:" + code }

// Create stores a new conversation owned by creatorID.
func (d *Directory) Create(ctx context.Context, creatorID string, maxParticipants int) (*models.Conversation, error) {
	if maxParticipants == 0 {
		maxParticipants = DefaultMaxParticipants
	}

	conv := &models.Conversation{
		ID:              uuid.New().String(),
		CreatorID:       creatorID,
		CreatedAt:       d.now().UTC(),
		MaxParticipants: maxParticipants,
	}
	// Retry on the unlikely event of a code collision.
	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}
		ok, err := d.client.SetNX(ctx, codeKey(code), conv.ID, d.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("store join code: %w", err)
		}
		if !ok {
			continue
		}
		conv.Code = code
		data, err := json.Marshal(conv)
		if err != nil {
			return nil, fmt.Errorf("encode conversation: %w", err)
		}
		if err := d.client.Set(ctx, conversationKey(conv.ID), data, d.ttl).Err(); err != nil {
			d.client.Del(ctx, codeKey(code))
			return nil, fmt.Errorf("store conversation: %w", err)
		}
		return conv, nil
	}
	return nil, errors.New("could not allocate a unique join code")
}

// Lookup resolves a conversation by id or join code.
func (d *Directory) Lookup(ctx context.Context, identifier string) (*models.Conversation, error) {
	id := identifier
	if len(identifier) == CodeLength {
		resolved, err := d.client.Get(ctx, codeKey(strings.ToUpper(identifier))).Result()
		switch {
		case err == nil:
			id = resolved
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("lookup join code: %w", err)
		}
	}

	data, err := d.client.Get(ctx, conversationKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}

	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

// Close deletes a conversation. Only its creator may close it.
func (d *Directory) Close(ctx context.Context, id, requesterID string) (*models.Conversation, error) {
	conv, err := d.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.CreatorID != requesterID {
		return nil, ErrForbidden
	}
	if err := d.client.Del(ctx, conversationKey(conv.ID), codeKey(conv.Code)).Err(); err != nil {
		return nil, fmt.Errorf("delete conversation: %w", err)
	}
	return conv, nil
}

// generateCode generates a random join code
func generateCode() (string, error) {
	code := make([]byte, CodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		if err != nil {
			return "", fmt.Errorf("generate join code: %w", err)
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code), nil
}
