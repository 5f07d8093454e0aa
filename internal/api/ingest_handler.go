package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"ragchat/internal/ingest"
	applog "ragchat/internal/platform/log"
)

// IngestHandler 文档入库 API
type IngestHandler struct {
	ingestor  *ingest.Ingestor
	maxFileMB int
}

// NewIngestHandler 创建入库处理器
func NewIngestHandler(ingestor *ingest.Ingestor, maxFileMB int) *IngestHandler {
	if maxFileMB <= 0 {
		maxFileMB = 50
	}
	return &IngestHandler{ingestor: ingestor, maxFileMB: maxFileMB}
}

// RegisterRoutes 注册入库路由
func (h *IngestHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/datasets", h.EnsureDataset)
	r.Post("/api/v1/datasets/{id}/documents/upload", h.UploadDocument)
}

type ensureDatasetRequest struct {
	Name string `json:"name"`
}

// EnsureDataset 按名称解析知识库 ID，不存在时创建。
// name 为空时返回远端的第一个知识库。
func (h *IngestHandler) EnsureDataset(w http.ResponseWriter, r *http.Request) {
	var req ensureDatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.ingestor.EnsureDataset(r.Context(), strings.TrimSpace(req.Name))
	if err != nil {
		applog.Error("[API/Ingest] Ensure dataset failed", "name", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to ensure dataset")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"dataset_id": id, "name": req.Name})
}

// UploadDocument 文件上传入库（multipart/form-data）
func (h *IngestHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	datasetID := chi.URLParam(r, "id")

	limitBytes := int64(h.maxFileMB) << 20

	// 解析 multipart（限制 maxFileMB MB）
	if err := r.ParseMultipartForm(limitBytes); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if header.Size > 0 && header.Size > limitBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds limit (%dMB)", h.maxFileMB))
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), datasetID, header.Filename, file)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "unsupported file type"):
			writeError(w, http.StatusBadRequest, msg)
		case strings.Contains(msg, "no extractable text"), strings.Contains(msg, "no chunks produced"):
			writeError(w, http.StatusBadRequest, "no text content extracted from file")
		default:
			applog.Error("[API/Ingest] Upload failed", "filename", header.Filename, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to ingest document")
		}
		return
	}

	// 记录操作主体，方便审计谁传的文档
	if scope, err := ScopeFrom(r.Context()); err == nil {
		applog.Info("[API/Ingest] Document uploaded",
			"subject", scope.Subject,
			"filename", header.Filename,
			"chunks", result.Chunks,
		)
	}

	writeJSON(w, http.StatusCreated, result)
}
