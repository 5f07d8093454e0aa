package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ragchat/internal/domain/llm"
	"ragchat/internal/domain/rag"
	applog "ragchat/internal/platform/log"
	"ragchat/internal/provider"
	"ragchat/internal/tool"
)

// 单轮问答允许的最大工具调用轮数
const toolRoundLimit = 10

// ErrEmptyQuestion 问题为空
var ErrEmptyQuestion = errors.New("question is empty")

// Service 多轮对话服务：检索增强问答 + 会话持久化。
// 注册了工具时走 agent 工具循环，由模型自行决定何时检索；
// 否则走固定流水线：改写 -> 检索 -> 生成。
type Service struct {
	llm       *llm.Client
	retriever *rag.Retriever
	store     SessionStore
	history   *HistoryManager
	tools     *tool.Registry
}

// ServiceConfig 对话服务配置
type ServiceConfig struct {
	LLM       *llm.Client
	Retriever *rag.Retriever
	Store     SessionStore    // 默认内存存储
	History   *HistoryManager // 默认 50 条 / 4000 token
	Tools     *tool.Registry  // 可选，非空且注册了工具时启用 agent 模式
}

// NewService 创建对话服务
func NewService(cfg ServiceConfig) *Service {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.History == nil {
		cfg.History = NewHistoryManager(0, 0)
	}
	return &Service{
		llm:       cfg.LLM,
		retriever: cfg.Retriever,
		store:     cfg.Store,
		history:   cfg.History,
		tools:     cfg.Tools,
	}
}

// ChatResult 单轮问答结果。ContextUsed 是流水线模式下注入
// 生成的知识库上下文，agent 模式下为空（检索在工具内部完成）。
type ChatResult struct {
	SessionID   string `json:"session_id"`
	Answer      string `json:"answer"`
	ContextUsed string `json:"context_used,omitempty"`
}

// Chat 执行一轮问答并持久化会话。
// sessionID 为空时新建会话；指定的会话不存在时按该 ID 新建。
func (s *Service) Chat(ctx context.Context, sessionID, question string) (*ChatResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	session, created, err := s.loadOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	compressed := s.compressIfNeeded(ctx, session)

	var answer, contextText string
	if s.agentMode() {
		answer, err = s.agentAnswer(ctx, session.Memory(), session.Messages, question)
	} else {
		answer, contextText, err = s.pipelineAnswer(ctx, session.Memory(), session.Messages, question)
	}
	if err != nil {
		return nil, err
	}

	if err := s.commit(ctx, session, created || compressed, question, answer); err != nil {
		return nil, err
	}

	applog.Info("[Chat] Turn completed",
		"session_id", session.ID,
		"messages", session.MessageCount(),
		"agent_mode", s.agentMode(),
	)
	return &ChatResult{SessionID: session.ID, Answer: answer, ContextUsed: contextText}, nil
}

// StreamChat 与 Chat 相同的流水线，通过 onDelta 流式输出答案增量。
// 流式通道出错时降级为一次性补全；agent 模式不逐 token，最终答案
// 一次性回调。
func (s *Service) StreamChat(ctx context.Context, sessionID, question string, onDelta func(delta string)) (*ChatResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if onDelta == nil {
		onDelta = func(string) {}
	}

	session, created, err := s.loadOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	compressed := s.compressIfNeeded(ctx, session)

	var answer, contextText string
	if s.agentMode() {
		answer, err = s.agentAnswer(ctx, session.Memory(), session.Messages, question)
		if err != nil {
			return nil, err
		}
		onDelta(answer)
	} else {
		answer, contextText, err = s.streamPipelineAnswer(ctx, session.Memory(), session.Messages, question, onDelta)
		if err != nil {
			return nil, err
		}
	}

	if err := s.commit(ctx, session, created || compressed, question, answer); err != nil {
		return nil, err
	}

	return &ChatResult{SessionID: session.ID, Answer: answer, ContextUsed: contextText}, nil
}

// GetSession 返回会话副本，供 API / CLI 展示
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.store.Load(ctx, sessionID)
}

// Sessions 列出全部会话 ID
func (s *Service) Sessions(ctx context.Context) ([]string, error) {
	return s.store.List(ctx)
}

// DeleteSession 删除会话
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	return s.store.Delete(ctx, sessionID)
}

// ── 内部流程 ──

func (s *Service) agentMode() bool {
	return s.tools != nil && len(s.tools.List()) > 0
}

func (s *Service) loadOrCreate(ctx context.Context, sessionID string) (*Session, bool, error) {
	if sessionID == "" {
		return NewSession(), true, nil
	}
	session, err := s.store.Load(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		session = NewSession()
		session.ID = sessionID
		return session, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load session: %w", err)
	}
	return session, false, nil
}

// compressIfNeeded 历史超限时压缩，并用压缩前的完整对话刷新长期
// 记忆。记忆提取失败只告警，保留旧记忆。
func (s *Service) compressIfNeeded(ctx context.Context, session *Session) bool {
	if !s.history.ShouldCompress(session.Messages) {
		return false
	}

	full := renderHistory(session.Messages)
	before := len(session.Messages)
	session.Messages = s.history.Compress(session.Messages)
	applog.Info("[Chat] History compressed",
		"session_id", session.ID,
		"before", before,
		"after", len(session.Messages),
	)

	if memory, err := s.llm.MemoryCompletion(ctx, full); err != nil {
		applog.Warn("[Chat] Memory refresh failed", "session_id", session.ID, "error", err)
	} else {
		session.SetMemory(memory)
	}
	return true
}

// expandQuery 把问题改写为检索变体，失败回落原始问题。
// 最终用于生成的 query 取最后一个变体，约定它最具体。
func (s *Service) expandQuery(ctx context.Context, question string) (variants []string, finalQuery string) {
	variants = []string{question}
	if rewrite, err := s.llm.RewriteQuery(ctx, question); err != nil {
		applog.Warn("[Chat] Query rewrite failed, using raw question", "error", err)
	} else {
		variants = rewrite.Variants()
	}
	return variants, variants[len(variants)-1]
}

// pipelineAnswer 固定流水线：改写 -> 检索 -> 基于上下文生成。
// 检索失败降级为无上下文作答。
func (s *Service) pipelineAnswer(ctx context.Context, memory string, history []provider.Message, question string) (string, string, error) {
	variants, finalQuery := s.expandQuery(ctx, question)

	contextText, err := s.retriever.Retrieve(ctx, variants)
	if err != nil {
		applog.Warn("[Chat] Retrieval failed, answering without context", "error", err)
		contextText = ""
	}

	messages := []provider.Message{{Role: "user", Content: llm.ContextPrompt(finalQuery, contextText)}}
	answer, err := s.llm.AnswerWithHistory(ctx, memory, history, messages)
	if err != nil {
		return "", "", err
	}
	return answer, contextText, nil
}

// streamPipelineAnswer pipelineAnswer 的流式形式。流中途出错时，
// 若尚未输出任何增量则降级为一次性补全并整体回调。
func (s *Service) streamPipelineAnswer(ctx context.Context, memory string, history []provider.Message, question string, onDelta func(string)) (string, string, error) {
	variants, finalQuery := s.expandQuery(ctx, question)

	contextText, err := s.retriever.Retrieve(ctx, variants)
	if err != nil {
		applog.Warn("[Chat] Retrieval failed, answering without context", "error", err)
		contextText = ""
	}

	messages := []provider.Message{{Role: "user", Content: llm.ContextPrompt(finalQuery, contextText)}}
	chunkCh, errCh := s.llm.StreamAnswerWithHistory(ctx, memory, history, messages)

	// 两个通道都关闭才算流结束；先关的置 nil，缓冲里的增量和
	// 错误都不能丢
	var sb strings.Builder
	var streamErr error
	for chunkCh != nil || errCh != nil {
		select {
		case chunk, ok := <-chunkCh:
			if !ok {
				chunkCh = nil
				continue
			}
			if chunk.Delta != "" {
				sb.WriteString(chunk.Delta)
				onDelta(chunk.Delta)
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && streamErr == nil {
				streamErr = err
			}
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}

	if streamErr != nil {
		applog.Warn("[Chat] Stream failed, falling back to non-streaming", "error", streamErr)
		answer, err := s.llm.AnswerWithHistory(ctx, memory, history, messages)
		if err != nil {
			return "", "", err
		}
		// 已经吐过增量时不再整体回调，避免内容重复
		if sb.Len() == 0 {
			onDelta(answer)
		}
		return answer, contextText, nil
	}
	return sb.String(), contextText, nil
}

// agentAnswer 工具循环：把注册的工具交给模型，模型不再请求工具时
// 即为最终答案。工具并行执行，结果按调用顺序回填。
func (s *Service) agentAnswer(ctx context.Context, memory string, history []provider.Message, question string) (string, error) {
	messages := []provider.Message{{Role: "user", Content: question}}
	defs := s.tools.Definitions()

	for round := 1; round <= toolRoundLimit; round++ {
		resp, err := s.llm.CompleteConversation(ctx, memory, history, messages, defs)
		if err != nil {
			return "", fmt.Errorf("agent completion: %w", err)
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		applog.Info("[Chat/Agent] Tool calls requested",
			"round", round,
			"count", len(resp.ToolCalls),
		)

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		toolMessages := make([]provider.Message, len(resp.ToolCalls))
		var wg sync.WaitGroup
		for i, tc := range resp.ToolCalls {
			wg.Add(1)
			go func() {
				defer wg.Done()

				result, toolErr := s.tools.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
				if toolErr != nil {
					result = fmt.Sprintf("工具执行失败: %s", toolErr.Error())
					applog.Error("[Chat/Agent] Tool execution failed",
						"tool", tc.Function.Name,
						"error", toolErr,
					)
				} else {
					preview := result
					if len(preview) > 200 {
						preview = preview[:200] + "..."
					}
					applog.Info("[Chat/Agent] Tool result",
						"tool", tc.Function.Name,
						"result_preview", preview,
					)
				}

				toolMessages[i] = provider.Message{
					Role:       "tool",
					Content:    result,
					ToolCallID: tc.ID,
					Name:       tc.Function.Name,
				}
			}()
		}
		wg.Wait()
		messages = append(messages, toolMessages...)
	}

	return "", fmt.Errorf("exceeded safety limit (%d) for tool call rounds", toolRoundLimit)
}

// commit 追加本轮 user/assistant 消息并持久化。新会话或历史被
// 改写时整写；否则优先走后端的增量追加，会话在后端已过期时退回整写。
func (s *Service) commit(ctx context.Context, session *Session, fullSave bool, question, answer string) error {
	userMsg := provider.Message{Role: "user", Content: question}
	assistantMsg := provider.Message{Role: "assistant", Content: answer}
	session.AddMessage(userMsg)
	session.AddMessage(assistantMsg)

	if !fullSave {
		if appender, ok := s.store.(MessageAppender); ok {
			err := appender.AppendMessages(ctx, session.ID, []provider.Message{userMsg, assistantMsg})
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrSessionNotFound) {
				return fmt.Errorf("append messages: %w", err)
			}
		}
	}
	if err := s.store.Save(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func renderHistory(msgs []provider.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
