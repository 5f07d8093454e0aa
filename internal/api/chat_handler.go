package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ragchat/internal/domain/chat"
	applog "ragchat/internal/platform/log"
)

// ChatHandler 对话 API 处理器
type ChatHandler struct {
	svc *chat.Service
}

// NewChatHandler 创建对话处理器
func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// RegisterRoutes 注册对话路由
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/chat", h.Chat)
	r.Post("/api/v1/chat/stream", h.ChatStream)
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Question  string `json:"question"`
}

// Chat 同步对话：session_id 为空时创建新会话
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	result, err := h.svc.Chat(r.Context(), req.SessionID, req.Question)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyQuestion) {
			writeError(w, http.StatusBadRequest, "question is required")
			return
		}
		applog.Error("[API/Chat] Chat failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "chat failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ChatStream 流式对话（SSE）：持续推送 message 增量，结束后发 done 事件
func (h *ChatHandler) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	start := time.Now()
	result, err := h.svc.StreamChat(r.Context(), req.SessionID, req.Question, func(delta string) {
		sseWriteEvent(w, flusher, "message", map[string]string{"delta": delta})
	})
	if err != nil {
		applog.Error("[API/Chat] Stream failed", "session_id", req.SessionID, "error", err)
		sseWriteEvent(w, flusher, "error", map[string]string{"error": err.Error()})
		return
	}

	sseWriteEvent(w, flusher, "done", map[string]interface{}{
		"session_id": result.SessionID,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
}

// --- SSE 辅助 ---

func sseWriteEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, string(jsonData))
	flusher.Flush()
}
