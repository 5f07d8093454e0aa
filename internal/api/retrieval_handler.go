package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ragchat/internal/domain/rag"
	applog "ragchat/internal/platform/log"
)

// RetrievalHandler 知识库检索诊断 API
type RetrievalHandler struct {
	retriever *rag.Retriever
}

// NewRetrievalHandler 创建检索处理器
func NewRetrievalHandler(retriever *rag.Retriever) *RetrievalHandler {
	return &RetrievalHandler{retriever: retriever}
}

// RegisterRoutes 注册检索路由
func (h *RetrievalHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/retrieval/search", h.Search)
}

// Search 直接执行检索，返回选中分块明细与拼装好的上下文
func (h *RetrievalHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req rag.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Question) == "" && len(req.Variants) == 0 {
		writeError(w, http.StatusBadRequest, "question or variants is required")
		return
	}

	result, err := h.retriever.Search(r.Context(), &req)
	if err != nil {
		applog.Error("[API/Retrieval] Search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
