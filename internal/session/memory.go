package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in process memory. Ended sessions are retained
// so that End and Get stay well defined after close.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*VoiceSession
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*VoiceSession),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Create(_ context.Context, userID string, metadata map[string]string) (VoiceSession, error) {
	s := &VoiceSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		SessionToken: uuid.NewString(),
		Status:       StatusActive,
		Metadata:     cloneMetadata(metadata),
		StartedAt:    m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionToken] = s
	return clone(s), nil
}

func (m *MemoryStore) Get(_ context.Context, sessionToken string) (VoiceSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionToken]
	if !ok {
		return VoiceSession{}, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemoryStore) SetConversationID(_ context.Context, sessionToken, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionToken]
	if !ok {
		return ErrNotFound
	}
	if s.ConversationID == "" {
		s.ConversationID = conversationID
	}
	return nil
}

func (m *MemoryStore) End(_ context.Context, sessionToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionToken]
	if !ok {
		return ErrNotFound
	}
	if s.Status == StatusEnded {
		return nil
	}
	now := m.now()
	s.Status = StatusEnded
	s.EndedAt = &now
	return nil
}

// Active lists sessions that have not ended.
func (m *MemoryStore) Active() []VoiceSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VoiceSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			out = append(out, clone(s))
		}
	}
	return out
}

func (m *MemoryStore) Close() error { return nil }

func clone(s *VoiceSession) VoiceSession {
	cp := *s
	cp.Metadata = cloneMetadata(s.Metadata)
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return cp
}
