package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ragchat/internal/db/ragflow"
)

// kbServer 模拟文档库管理端，记录推送的分块
type kbServer struct {
	mu        sync.Mutex
	uploads   int
	chunks    []string
	keywords  [][]string
	failChunk bool
}

func (s *kbServer) pushed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.chunks...)
}

func (s *kbServer) uploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

func newKBServer(t *testing.T) (*kbServer, *ragflow.Client) {
	t.Helper()
	state := &kbServer{}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/datasets", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": []map[string]interface{}{{"id": "ds-1", "name": "校园知识库"}},
		})
	})

	mux.HandleFunc("POST /api/v1/datasets", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": map[string]interface{}{"id": "ds-new", "name": body["name"]},
		})
	})

	mux.HandleFunc("POST /api/v1/datasets/ds-1/documents", func(w http.ResponseWriter, r *http.Request) {
		state.mu.Lock()
		state.uploads++
		state.mu.Unlock()

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("upload is not multipart: %v", err)
		}
		_, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0,
			"data": []map[string]interface{}{{"id": "doc-9", "name": header.Filename, "dataset_id": "ds-1"}},
		})
	})

	mux.HandleFunc("POST /api/v1/datasets/ds-1/documents/doc-9/chunks", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content  string   `json:"content"`
			Keywords []string `json:"important_keywords"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		state.mu.Lock()
		fail := state.failChunk && len(state.chunks) >= 1
		if !fail {
			state.chunks = append(state.chunks, body.Content)
			state.keywords = append(state.keywords, body.Keywords)
		}
		state.mu.Unlock()

		if fail {
			json.NewEncoder(w).Encode(map[string]interface{}{"code": 500, "message": "storage full"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"code": 0})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return state, ragflow.NewClient(ragflow.Config{BaseURL: srv.URL, APIKey: "test-key"})
}

// TestIngestMarkdownDocument 解析、分块、上传、逐块推送的完整链路
func TestIngestMarkdownDocument(t *testing.T) {
	state, client := newKBServer(t)
	ing := NewIngestor(IngestorConfig{Admin: client, ChunkSize: 20, Overlap: 5})

	doc := "# 校园网指南\n\n校园网资费为每月 20 元，不限流量。\n\n宿舍区网络报修请拨打 8888。\n"
	result, err := ing.Ingest(context.Background(), "ds-1", "校园网指南.md", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if result.DocumentID != "doc-9" || result.DatasetID != "ds-1" {
		t.Errorf("unexpected result ids: %+v", result)
	}
	if result.Title != "校园网指南" {
		t.Errorf("title not propagated: %q", result.Title)
	}
	if n := state.uploadCount(); n != 1 {
		t.Errorf("expected 1 upload, got %d", n)
	}

	pushed := state.pushed()
	if result.Chunks != len(pushed) {
		t.Fatalf("result reports %d chunks, server got %d", result.Chunks, len(pushed))
	}
	if len(pushed) < 2 {
		t.Fatalf("small chunk size should force multiple chunks, got %d", len(pushed))
	}
	if pushed[0] != "校园网指南" {
		t.Errorf("unexpected first chunk: %q", pushed[0])
	}
	for i, kw := range state.keywords {
		if len(kw) != 1 || kw[0] != "校园网指南" {
			t.Errorf("chunk %d: title keyword missing: %v", i, kw)
		}
	}
	t.Logf("✅ 文档入库为 %d 块", len(pushed))
}

// TestIngestUnsupportedType 不支持的扩展名直接拒绝，不碰远端
func TestIngestUnsupportedType(t *testing.T) {
	state, client := newKBServer(t)
	ing := NewIngestor(IngestorConfig{Admin: client})

	_, err := ing.Ingest(context.Background(), "ds-1", "setup.exe", strings.NewReader("MZ"))
	if err == nil || !strings.Contains(err.Error(), "unsupported file type") {
		t.Fatalf("expected unsupported type error, got %v", err)
	}
	if n := state.uploadCount(); n != 0 {
		t.Errorf("no upload should happen, got %d", n)
	}
}

// TestIngestEmptyDocument 解析不出正文的文档拒绝入库
func TestIngestEmptyDocument(t *testing.T) {
	_, client := newKBServer(t)
	ing := NewIngestor(IngestorConfig{Admin: client})

	_, err := ing.Ingest(context.Background(), "ds-1", "blank.txt", strings.NewReader("   \n \n"))
	if err == nil || !strings.Contains(err.Error(), "no extractable text") {
		t.Fatalf("expected empty-document error, got %v", err)
	}
}

// TestIngestChunkPushFailure 中途推送失败要带上下文报错
func TestIngestChunkPushFailure(t *testing.T) {
	state, client := newKBServer(t)
	state.failChunk = true
	ing := NewIngestor(IngestorConfig{Admin: client, ChunkSize: 20, Overlap: 5})

	doc := "# 校园网指南\n\n校园网资费为每月 20 元，不限流量。\n\n宿舍区网络报修请拨打 8888。\n"
	_, err := ing.Ingest(context.Background(), "ds-1", "校园网指南.md", strings.NewReader(doc))
	if err == nil || !strings.Contains(err.Error(), "push chunk 2/") {
		t.Fatalf("expected push chunk error, got %v", err)
	}
}

// TestEnsureDataset 已有库直接返回 ID，未知库自动创建
func TestEnsureDataset(t *testing.T) {
	_, client := newKBServer(t)
	ing := NewIngestor(IngestorConfig{Admin: client})

	id, err := ing.EnsureDataset(context.Background(), "校园知识库")
	if err != nil || id != "ds-1" {
		t.Errorf("expected ds-1, got %q (%v)", id, err)
	}

	id, err = ing.EnsureDataset(context.Background(), "新生指南")
	if err != nil || id != "ds-new" {
		t.Errorf("expected ds-new, got %q (%v)", id, err)
	}

	id, err = ing.EnsureDataset(context.Background(), "")
	if err != nil || id != "ds-1" {
		t.Errorf("empty name should fall back to the first dataset, got %q (%v)", id, err)
	}
}
