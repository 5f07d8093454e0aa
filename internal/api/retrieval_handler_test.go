package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ragchat/internal/domain/chat"
	"ragchat/internal/domain/rag"
)

func newRetrievalTestServer(t *testing.T) http.Handler {
	t.Helper()
	search := &staticSearch{chunks: []rag.Chunk{
		{ID: "c1", Content: "校医院工作日 8:00-17:30 接诊。", DocumentName: "校医院指南", SimilarityScore: 0.88},
		{ID: "c2", Content: "夜间急诊拨打校内电话 120。", DocumentName: "校医院指南", SimilarityScore: 0.75},
	}}

	cfg := DefaultServerConfig()
	cfg.JWTSecret = testSecret
	server := NewServer(cfg, chat.NewService(chat.ServiceConfig{}))
	server.SetRetrieval(rag.NewRetriever(search, &rag.Config{TopK: 5, EnableRerank: false}))
	return server.Handler()
}

func TestRetrievalSearchEndpoint(t *testing.T) {
	handler := newRetrievalTestServer(t)

	body := strings.NewReader(`{"question": "校医院几点上班"}`)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest(t, http.MethodPost, "/api/v1/retrieval/search", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rr.Code, rr.Body.String())
	}

	var result rag.SearchResult
	if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &result); err != nil {
		t.Fatalf("decode search result: %v", err)
	}
	if len(result.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(result.Chunks))
	}
	if !strings.Contains(result.Context, "<chunk>") {
		t.Errorf("context not assembled: %q", result.Context)
	}
	t.Logf("✅ 检索接口返回 %d 个分块", len(result.Chunks))
}

func TestRetrievalSearchVariants(t *testing.T) {
	handler := newRetrievalTestServer(t)

	body := strings.NewReader(`{"variants": ["校医院上班时间", "校医院急诊"], "top_k": 1}`)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest(t, http.MethodPost, "/api/v1/retrieval/search", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var result rag.SearchResult
	if err := json.Unmarshal(decodeEnvelope(t, rr).Data, &result); err != nil {
		t.Fatalf("decode search result: %v", err)
	}
	if len(result.Chunks) != 1 {
		t.Fatalf("top_k override ignored, got %d chunks", len(result.Chunks))
	}
}

func TestRetrievalSearchValidation(t *testing.T) {
	handler := newRetrievalTestServer(t)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest(t, http.MethodPost, "/api/v1/retrieval/search", strings.NewReader(`{}`)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty request, got %d", rr.Code)
	}
}

func TestRetrievalRouteDisabledWithoutRetriever(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.JWTSecret = testSecret
	handler := NewServer(cfg, chat.NewService(chat.ServiceConfig{})).Handler()

	body := strings.NewReader(`{"question": "任何问题"}`)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authedRequest(t, http.MethodPost, "/api/v1/retrieval/search", body))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when retrieval API disabled, got %d", rr.Code)
	}
}
