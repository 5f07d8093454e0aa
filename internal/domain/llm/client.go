package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ragchat/internal/cache"
	applog "ragchat/internal/platform/log"
	"ragchat/internal/provider"
)

// Client 补全服务客户端：查询改写、答案生成、带历史对话、记忆提取。
// 供应商在调用时从注册表解析。
type Client struct {
	providerName   string
	model          string
	enableThinking bool
	rewriteCache   *cache.Cache[*RewriteResult]
}

// ClientConfig 配置
type ClientConfig struct {
	Provider       string        // 注册表中的供应商名，默认 openai
	Model          string        // e.g. qwen-plus
	EnableThinking bool          // 答案生成是否开启思考模式
	CacheTTL       time.Duration // 改写缓存 TTL，默认 5min
}

// NewClient 创建补全客户端
func NewClient(cfg ClientConfig) *Client {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Client{
		providerName:   cfg.Provider,
		model:          cfg.Model,
		enableThinking: cfg.EnableThinking,
		rewriteCache:   cache.New[*RewriteResult](cfg.CacheTTL),
	}
}

// RewriteQuery 把用户 query 改写为多个检索变体。
// 空白 query 返回 ErrEmptyQuery；结果按去除首尾空白后的 query 缓存。
func (c *Client) RewriteQuery(ctx context.Context, query string) (*RewriteResult, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, ErrEmptyQuery
	}

	key := cache.Key("llm.rewrite", trimmed)
	if cached, ok := c.rewriteCache.Get(key); ok {
		return cached.clone(), nil
	}

	prompt := strings.ReplaceAll(rewritePrompt, "{user_input}", trimmed)
	// 改写要求模型直接输出 JSON，统一关闭思考模式
	content, err := c.complete(ctx,
		[]provider.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		map[string]interface{}{"enable_thinking": false},
	)
	if err != nil {
		return nil, fmt.Errorf("rewrite query: %w", err)
	}

	entries, err := parseRewriteEntries(content)
	if err != nil {
		return nil, fmt.Errorf("parse rewrite response: %w", err)
	}

	result := &RewriteResult{Raw: trimmed, Entries: entries}
	c.rewriteCache.Set(key, result.clone())

	applog.Debug("[LLM] Query rewritten",
		"query", trimmed,
		"entries", len(entries),
	)
	return result, nil
}

// ContextPrompt 生成基于检索上下文回答的完整 prompt
func ContextPrompt(query, contextText string) string {
	prompt := strings.ReplaceAll(chatPrompt, "{context}", contextText)
	return strings.ReplaceAll(prompt, "{user_input}", query)
}

// SynthesizeAnswer 基于检索上下文生成答案，不缓存，远端错误原样返回
func (c *Client) SynthesizeAnswer(ctx context.Context, query, contextText string) (string, error) {
	prompt := ContextPrompt(query, contextText)

	content, err := c.complete(ctx,
		[]provider.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		c.answerExtra(),
	)
	if err != nil {
		return "", fmt.Errorf("synthesize answer: %w", err)
	}
	return content, nil
}

// AnswerWithHistory 在正式对话前注入记忆与历史，生成答案
func (c *Client) AnswerWithHistory(ctx context.Context, memory string, history []provider.Message, messages []provider.Message) (string, error) {
	resp, err := c.CompleteConversation(ctx, memory, history, messages, nil)
	if err != nil {
		return "", fmt.Errorf("answer with history: %w", err)
	}
	return resp.Content, nil
}

// CompleteConversation 注入记忆与历史后补全，可携带工具定义。
// 有工具时工具选择交给模型（auto）。
func (c *Client) CompleteConversation(ctx context.Context, memory string, history []provider.Message, messages []provider.Message, tools []provider.ToolDefinition) (*provider.CompletionResponse, error) {
	p, err := provider.GetProvider(c.providerName)
	if err != nil {
		return nil, err
	}

	req := &provider.CompletionRequest{
		Model:    c.model,
		Messages: c.buildHistoryMessages(memory, history, messages),
		Extra:    c.answerExtra(),
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	return p.Complete(ctx, req)
}

// StreamConversation CompleteConversation 的流式形式
func (c *Client) StreamConversation(ctx context.Context, memory string, history []provider.Message, messages []provider.Message, tools []provider.ToolDefinition) (<-chan provider.CompletionChunk, <-chan error) {
	p, err := provider.GetProvider(c.providerName)
	if err != nil {
		errCh := make(chan error, 1)
		errCh <- err
		close(errCh)
		chunkCh := make(chan provider.CompletionChunk)
		close(chunkCh)
		return chunkCh, errCh
	}

	req := &provider.CompletionRequest{
		Model:    c.model,
		Messages: c.buildHistoryMessages(memory, history, messages),
		Extra:    c.answerExtra(),
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	return p.StreamComplete(ctx, req)
}

// StreamAnswerWithHistory AnswerWithHistory 的流式形式
func (c *Client) StreamAnswerWithHistory(ctx context.Context, memory string, history []provider.Message, messages []provider.Message) (<-chan provider.CompletionChunk, <-chan error) {
	return c.StreamConversation(ctx, memory, history, messages, nil)
}

// MemoryCompletion 从原始对话文本中提取长期记忆要点
func (c *Client) MemoryCompletion(ctx context.Context, data string) (string, error) {
	prompt := strings.ReplaceAll(memoryPrompt, "{data}", data)

	content, err := c.complete(ctx,
		[]provider.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		c.answerExtra(),
	)
	if err != nil {
		return "", fmt.Errorf("memory completion: %w", err)
	}
	return content, nil
}

func (c *Client) buildHistoryMessages(memory string, history []provider.Message, messages []provider.Message) []provider.Message {
	msgs := make([]provider.Message, 0, len(messages)+3)
	msgs = append(msgs, provider.Message{Role: "system", Content: systemPrompt})
	msgs = append(msgs, provider.Message{Role: "user", Content: memoryPrefix + memory})
	msgs = append(msgs, provider.Message{Role: "user", Content: historyPrefix + renderMessages(history)})
	msgs = append(msgs, messages...)
	return msgs
}

func (c *Client) complete(ctx context.Context, messages []provider.Message, extra map[string]interface{}) (string, error) {
	p, err := provider.GetProvider(c.providerName)
	if err != nil {
		return "", err
	}

	resp, err := p.Complete(ctx, &provider.CompletionRequest{
		Model:    c.model,
		Messages: messages,
		Extra:    extra,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// answerExtra 思考模式开关。改写路径不走这里，始终关闭思考。
func (c *Client) answerExtra() map[string]interface{} {
	if !c.enableThinking {
		return nil
	}
	return map[string]interface{}{"enable_thinking": true}
}

func renderMessages(msgs []provider.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
