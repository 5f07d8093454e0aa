package chat

import (
	"time"

	"github.com/google/uuid"

	"ragchat/internal/provider"
)

// 会话元数据键
const (
	// MetadataMemoryKey 最近一次长期记忆提取结果
	MetadataMemoryKey = "memory"
)

// Session 一次多轮对话
type Session struct {
	ID        string             `json:"id"`
	Messages  []provider.Message `json:"messages"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

// NewSession 创建新会话
func NewSession() *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  make(map[string]string),
	}
}

// AddMessage 追加消息并刷新更新时间
func (s *Session) AddMessage(msg provider.Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

// MessageCount 消息总数
func (s *Session) MessageCount() int {
	return len(s.Messages)
}

// Memory 最近一次提取的长期记忆文本
func (s *Session) Memory() string {
	return s.Metadata[MetadataMemoryKey]
}

// SetMemory 更新长期记忆文本
func (s *Session) SetMemory(memory string) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]string)
	}
	s.Metadata[MetadataMemoryKey] = memory
}

// Clone 深拷贝会话，存储层用它隔离内部状态与调用方
func (s *Session) Clone() *Session {
	clone := &Session{
		ID:        s.ID,
		Messages:  append([]provider.Message(nil), s.Messages...),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Metadata != nil {
		clone.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}
