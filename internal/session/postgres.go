package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists voice sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_token TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			conversation_id TEXT,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_sessions_user_started ON voice_sessions (user_id, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, userID string, metadata map[string]string) (VoiceSession, error) {
	vs := VoiceSession{
		ID:           uuid.NewString(),
		UserID:       userID,
		SessionToken: uuid.NewString(),
		Status:       StatusActive,
		Metadata:     cloneMetadata(metadata),
		StartedAt:    time.Now().UTC(),
	}
	meta, err := json.Marshal(vs.Metadata)
	if err != nil {
		return VoiceSession{}, fmt.Errorf("encode session metadata: %w", err)
	}
	if vs.Metadata == nil {
		meta = []byte("{}")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (id, user_id, session_token, status, metadata, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		vs.ID,
		vs.UserID,
		vs.SessionToken,
		string(vs.Status),
		meta,
		vs.StartedAt,
	)
	if err != nil {
		return VoiceSession{}, fmt.Errorf("create voice session: %w", err)
	}
	return vs, nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionToken string) (VoiceSession, error) {
	var (
		vs             VoiceSession
		status         string
		conversationID *string
		meta           []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, session_token, status, conversation_id, metadata, started_at, ended_at
		 FROM voice_sessions WHERE session_token=$1`,
		sessionToken,
	).Scan(&vs.ID, &vs.UserID, &vs.SessionToken, &status, &conversationID, &meta, &vs.StartedAt, &vs.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return VoiceSession{}, ErrNotFound
	}
	if err != nil {
		return VoiceSession{}, fmt.Errorf("get voice session: %w", err)
	}
	vs.Status = Status(status)
	if conversationID != nil {
		vs.ConversationID = *conversationID
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &vs.Metadata); err != nil {
			return VoiceSession{}, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return vs, nil
}

func (s *PostgresStore) SetConversationID(ctx context.Context, sessionToken, conversationID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions SET conversation_id = COALESCE(conversation_id, $2)
		 WHERE session_token=$1`,
		sessionToken,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("set conversation id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) End(ctx context.Context, sessionToken string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions SET status=$2, ended_at=COALESCE(ended_at, now())
		 WHERE session_token=$1`,
		sessionToken,
		string(StatusEnded),
	)
	if err != nil {
		return fmt.Errorf("end voice session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
