package redisdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ragchat/internal/domain/chat"
	applog "ragchat/internal/platform/log"
	"ragchat/internal/provider"
)

// 增量追加的 CAS 重试上限
const appendMaxRetry = 5

// ErrVersionConflict CAS 保存时版本不一致
var ErrVersionConflict = errors.New("session version conflict")

// SessionStore Redis Hash 实现的会话存储，实现 chat.SessionStore。
// 每个会话一个 Hash，带 TTL；AppendMessages 通过 WATCH/CAS 防止
// 并发追加互相覆盖。
type SessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// SessionStoreConfig Redis 会话存储配置
type SessionStoreConfig struct {
	Client *redis.Client
	Prefix string        // 默认 "chat:session:"
	TTL    time.Duration // 默认 24h
}

// NewSessionStore 创建 Redis 会话存储
func NewSessionStore(cfg SessionStoreConfig) *SessionStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "chat:session:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &SessionStore{
		client: cfg.Client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
	}
}

func (s *SessionStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Save 整写会话并刷新 TTL
func (s *SessionStore) Save(ctx context.Context, session *chat.Session) error {
	fields, err := sessionFields(session, s.loadVersion(ctx, session.ID)+1)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.key(session.ID), fields)
	pipe.Expire(ctx, s.key(session.ID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		applog.Error("[Chat/Redis] Save failed", "session_id", session.ID, "error", err)
		return fmt.Errorf("redis save session: %w", err)
	}

	applog.Debug("[Chat/Redis] Session saved",
		"session_id", session.ID,
		"messages", session.MessageCount(),
	)
	return nil
}

// Load 读取会话，不存在（或已过期）时返回 chat.ErrSessionNotFound
func (s *SessionStore) Load(ctx context.Context, sessionID string) (*chat.Session, error) {
	vals, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL: %w", err)
	}
	if len(vals) == 0 {
		return nil, chat.ErrSessionNotFound
	}
	return parseSessionFields(sessionID, vals)
}

// Delete 删除会话
func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	n, err := s.client.Del(ctx, s.key(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("redis DEL: %w", err)
	}
	if n == 0 {
		return chat.ErrSessionNotFound
	}
	return nil
}

// List 扫描会话键，返回去掉前缀的 ID 列表
func (s *SessionStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis SCAN: %w", err)
	}
	return ids, nil
}

// AppendMessages 增量追加消息（实现 chat.MessageAppender）。
// 读改写之间用版本号 CAS 保护，冲突时重读重试。
func (s *SessionStore) AppendMessages(ctx context.Context, sessionID string, msgs []provider.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	for attempt := 1; attempt <= appendMaxRetry; attempt++ {
		session, version, err := s.loadWithVersion(ctx, sessionID)
		if err != nil {
			return err
		}

		for _, m := range msgs {
			session.AddMessage(m)
		}

		saved, err := s.saveIfVersion(ctx, session, version)
		if err != nil {
			return err
		}
		if saved {
			return nil
		}

		applog.Warn("[Chat/Redis] Append version conflict, retrying",
			"session_id", sessionID,
			"attempt", attempt,
			"max_retry", appendMaxRetry,
		)
	}
	return fmt.Errorf("append after %d retries: %w", appendMaxRetry, ErrVersionConflict)
}

// Ping 连通性检查，启动时调用
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ── 内部实现 ──

func (s *SessionStore) loadVersion(ctx context.Context, sessionID string) int {
	v, err := s.client.HGet(ctx, s.key(sessionID), "version").Int()
	if err != nil {
		return 0
	}
	return v
}

func (s *SessionStore) loadWithVersion(ctx context.Context, sessionID string) (*chat.Session, int, error) {
	vals, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis HGETALL: %w", err)
	}
	if len(vals) == 0 {
		return nil, 0, chat.ErrSessionNotFound
	}
	session, err := parseSessionFields(sessionID, vals)
	if err != nil {
		return nil, 0, err
	}
	version, _ := strconv.Atoi(vals["version"])
	return session, version, nil
}

// saveIfVersion 仅在远端版本仍等于 expected 时写入（WATCH/CAS）
func (s *SessionStore) saveIfVersion(ctx context.Context, session *chat.Session, expected int) (bool, error) {
	key := s.key(session.ID)
	fields, err := sessionFields(session, expected+1)
	if err != nil {
		return false, err
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "version").Int()
		if err == redis.Nil {
			current = 0
		} else if err != nil {
			return err
		}
		if current != expected {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("redis cas save: %w", err)
	}
}

func sessionFields(session *chat.Session, version int) (map[string]interface{}, error) {
	msgData, err := json.Marshal(session.Messages)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	metaData, err := json.Marshal(session.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return map[string]interface{}{
		"messages":   string(msgData),
		"metadata":   string(metaData),
		"created_at": strconv.FormatInt(session.CreatedAt.UnixMilli(), 10),
		"updated_at": strconv.FormatInt(session.UpdatedAt.UnixMilli(), 10),
		"version":    strconv.Itoa(version),
	}, nil
}

func parseSessionFields(sessionID string, vals map[string]string) (*chat.Session, error) {
	session := &chat.Session{ID: sessionID}

	if raw := vals["messages"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &session.Messages); err != nil {
			return nil, fmt.Errorf("parse messages: %w", err)
		}
	}
	if raw := vals["metadata"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &session.Metadata); err != nil {
			applog.Warn("[Chat/Redis] Failed to parse metadata", "session_id", sessionID, "error", err)
		}
	}
	if raw := vals["created_at"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			session.CreatedAt = time.UnixMilli(ms)
		}
	}
	if raw := vals["updated_at"]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			session.UpdatedAt = time.UnixMilli(ms)
		}
	}
	return session, nil
}
