package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ragchat/internal/domain/chat"
	applog "ragchat/internal/platform/log"
	"ragchat/internal/provider"
)

// SessionStore PostgreSQL 实现的会话存储，实现 chat.SessionStore。
// 消息和元数据存 JSONB，增量追加直接用 JSONB 拼接在库内完成。
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore 创建 PostgreSQL 会话存储
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// EnsureTable 确保 chat_sessions 表存在，启动时调用
func (s *SessionStore) EnsureTable(ctx context.Context) error {
	applog.Info("[Chat/PG] Ensuring chat_sessions table exists...")
	ddl := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id         VARCHAR(64) PRIMARY KEY,
		messages   JSONB NOT NULL DEFAULT '[]'::jsonb,
		metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated_at ON chat_sessions(updated_at DESC);
	`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		applog.Error("[Chat/PG] ❌ Failed to create table", "error", err)
	} else {
		applog.Info("[Chat/PG] ✅ Table ready")
	}
	return err
}

// Save 整写会话（upsert）
func (s *SessionStore) Save(ctx context.Context, session *chat.Session) error {
	msgData, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	metaData, err := marshalMetadata(session.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, messages, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET messages = EXCLUDED.messages,
		     metadata = EXCLUDED.metadata,
		     updated_at = EXCLUDED.updated_at`,
		session.ID, msgData, metaData, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		applog.Error("[Chat/PG] ❌ Save failed", "session_id", session.ID, "error", err)
		return fmt.Errorf("pg save session: %w", err)
	}

	applog.Debug("[Chat/PG] Session saved",
		"session_id", session.ID,
		"messages", session.MessageCount(),
	)
	return nil
}

// Load 读取会话，不存在时返回 chat.ErrSessionNotFound
func (s *SessionStore) Load(ctx context.Context, sessionID string) (*chat.Session, error) {
	var (
		msgData  []byte
		metaData []byte
		session  = &chat.Session{ID: sessionID}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, metadata, created_at, updated_at FROM chat_sessions WHERE id = $1`,
		sessionID,
	).Scan(&msgData, &metaData, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg load session: %w", err)
	}

	if err := json.Unmarshal(msgData, &session.Messages); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	if len(metaData) > 0 {
		if err := json.Unmarshal(metaData, &session.Metadata); err != nil {
			applog.Warn("[Chat/PG] Failed to parse metadata", "session_id", sessionID, "error", err)
		}
	}
	return session, nil
}

// Delete 删除会话
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("pg delete session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chat.ErrSessionNotFound
	}
	return nil
}

// List 按最近更新排序列出会话 ID
func (s *SessionStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chat_sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("pg list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pg scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg list sessions: %w", err)
	}
	return ids, nil
}

// AppendMessages 增量追加消息（实现 chat.MessageAppender）。
// JSONB 拼接在单条 UPDATE 里完成，天然原子，无需 CAS。
func (s *SessionStore) AppendMessages(ctx context.Context, sessionID string, msgs []provider.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions
		 SET messages = messages || $2::jsonb, updated_at = $3
		 WHERE id = $1`,
		sessionID, data, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("pg append messages: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chat.ErrSessionNotFound
	}
	return nil
}

func marshalMetadata(meta map[string]string) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}
