package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ragchat/internal/provider"
)

// TestEncodeBodyMergesExtra Extra 参数合并进顶层请求体
func TestEncodeBodyMergesExtra(t *testing.T) {
	p := New(Config{BaseURL: "http://example.invalid/v1"})

	body, err := p.encodeBody(&provider.CompletionRequest{
		Model:    "qwen-plus",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
		Extra:    map[string]interface{}{"enable_thinking": false},
	}, false)
	if err != nil {
		t.Fatalf("encodeBody: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if v, ok := m["enable_thinking"]; !ok || v != false {
		t.Fatalf("enable_thinking not merged: %v", m)
	}
	if m["model"] != "qwen-plus" {
		t.Fatalf("model lost after merge: %v", m)
	}
	if _, ok := m["extra"]; ok {
		t.Fatal("raw extra field must not leak into the wire body")
	}
}

// TestCompleteParsesToolCalls 非流式响应中的 tool_calls 正确映射
func TestCompleteParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"model": "test",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "knowledge_search", "arguments": "{\"query\":\"校园网\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL})
	resp, err := p.Complete(context.Background(), &provider.CompletionRequest{
		Model:    "test",
		Messages: []provider.Message{{Role: "user", Content: "查校园网"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "knowledge_search" {
		t.Fatalf("unexpected tool call %+v", tc)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("usage not mapped: %+v", resp.Usage)
	}
}

// TestStreamCompleteTextDeltas 流式文本 delta 依次到达
func TestStreamCompleteTextDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"你\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"好\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL})
	chunkCh, errCh := p.StreamComplete(context.Background(), &provider.CompletionRequest{
		Model:    "test",
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})

	var sb strings.Builder
	for chunk := range chunkCh {
		sb.WriteString(chunk.Delta)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if sb.String() != "你好" {
		t.Fatalf("assembled delta = %q", sb.String())
	}
}

// TestStreamCompleteAccumulatesToolCalls 跨 chunk 的工具调用参数被聚合
func TestStreamCompleteAccumulatesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_9\",\"type\":\"function\",\"function\":{\"name\":\"grade_query\",\"arguments\":\"{\\\"term\\\":\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"2024\\\"}\"}}]}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL})
	chunkCh, errCh := p.StreamComplete(context.Background(), &provider.CompletionRequest{
		Model:    "test",
		Messages: []provider.Message{{Role: "user", Content: "查成绩"}},
	})

	var final *provider.CompletionChunk
	for chunk := range chunkCh {
		c := chunk
		final = &c
	}
	if err := <-errCh; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if final == nil || len(final.ToolCalls) != 1 {
		t.Fatalf("expected one accumulated tool call, got %+v", final)
	}
	tc := final.ToolCalls[0]
	if tc.ID != "call_9" || tc.Function.Name != "grade_query" {
		t.Fatalf("unexpected tool call %+v", tc)
	}
	if tc.Function.Arguments != `{"term":"2024"}` {
		t.Fatalf("arguments not accumulated: %q", tc.Function.Arguments)
	}
	if final.FinishReason != "tool_calls" {
		t.Fatalf("finish reason = %q", final.FinishReason)
	}
}
