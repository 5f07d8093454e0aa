package chat

import (
	"fmt"
	"unicode/utf8"

	"ragchat/internal/provider"
)

// 压缩时保留的最近消息条数上限
const compressKeepRecentCap = 20

// HistoryManager 控制注入补全请求的历史规模，超限时压缩。
// token 数按总字符数/4 估算，不依赖分词器。
type HistoryManager struct {
	MaxMessages int // 消息条数上限，超过即触发压缩
	MaxTokens   int // 估算 token 上限，超过即触发压缩
}

// NewHistoryManager 创建历史管理器，非法参数回落默认值
func NewHistoryManager(maxMessages, maxTokens int) *HistoryManager {
	if maxMessages <= 0 {
		maxMessages = 50
	}
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	return &HistoryManager{MaxMessages: maxMessages, MaxTokens: maxTokens}
}

// EstimateTokens 估算消息列表的 token 数（总字符数/4）
func (h *HistoryManager) EstimateTokens(msgs []provider.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += utf8.RuneCountInString(m.Content)
	}
	return chars / 4
}

// ShouldCompress 是否需要压缩
func (h *HistoryManager) ShouldCompress(msgs []provider.Message) bool {
	return len(msgs) > h.MaxMessages || h.EstimateTokens(msgs) > h.MaxTokens
}

// Compress 压缩历史：保留首条消息，插入一条压缩标记的 system
// 消息，再接最近的若干条。未超限或可保留区覆盖全部历史时原样返回。
func (h *HistoryManager) Compress(msgs []provider.Message) []provider.Message {
	if !h.ShouldCompress(msgs) {
		return msgs
	}

	keepRecent := h.MaxMessages / 2
	if keepRecent > compressKeepRecentCap {
		keepRecent = compressKeepRecentCap
	}
	if len(msgs) <= keepRecent+1 {
		return msgs
	}

	summarized := len(msgs) - 1 - keepRecent
	out := make([]provider.Message, 0, keepRecent+2)
	out = append(out, msgs[0])
	out = append(out, provider.Message{
		Role:    "system",
		Content: fmt.Sprintf("[之前的对话已压缩 - 共 %d 条消息被摘要]", summarized),
	})
	out = append(out, msgs[len(msgs)-keepRecent:]...)
	return out
}
