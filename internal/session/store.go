package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// VoiceSession is the durable record of one relayed voice connection.
type VoiceSession struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	SessionToken   string            `json:"-"`
	Status         Status            `json:"status"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
}

// Store persists VoiceSessions keyed by their session token.
type Store interface {
	Create(ctx context.Context, userID string, metadata map[string]string) (VoiceSession, error)
	Get(ctx context.Context, sessionToken string) (VoiceSession, error)
	// SetConversationID records the upstream conversation id. The first
	// non-empty value wins; later calls are no-ops.
	SetConversationID(ctx context.Context, sessionToken, conversationID string) error
	// End marks the session ended. Ending an ended session is a no-op.
	End(ctx context.Context, sessionToken string) error
	Close() error
}

// NewStore returns a PostgreSQL store when databaseURL is set, otherwise an
// in-memory store.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

func cloneMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
