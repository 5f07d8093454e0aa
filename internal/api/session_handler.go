package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ragchat/internal/domain/chat"
	applog "ragchat/internal/platform/log"
)

// SessionHandler 会话管理 API 处理器
type SessionHandler struct {
	svc *chat.Service
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(svc *chat.Service) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// RegisterRoutes 注册会话路由
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Get("/{id}", h.GetSession)
		r.Delete("/{id}", h.DeleteSession)
	})
}

// ListSessions 列出全部会话 ID
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.Sessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": ids,
		"count":    len(ids),
	})
}

// GetSession 获取会话完整消息记录
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// DeleteSession 删除会话
func (h *SessionHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.DeleteSession(r.Context(), id); err != nil {
		if errors.Is(err, chat.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}

	// 删除动作记录操作主体
	if scope, err := ScopeFrom(r.Context()); err == nil {
		applog.Info("[API/Session] Session deleted", "session_id", id, "subject", scope.Subject)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
