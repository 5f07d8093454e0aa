package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"ragchat/internal/provider"
)

// scriptedProvider 按脚本应答并记录最近一次请求，用于测试补全客户端
type scriptedProvider struct {
	name    string
	mu      sync.Mutex
	calls   int
	lastReq *provider.CompletionRequest
	respond func(req *provider.CompletionRequest) (*provider.CompletionResponse, error)
	stream  []provider.CompletionChunk
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(_ context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	p.mu.Lock()
	p.calls++
	p.lastReq = req
	p.mu.Unlock()
	return p.respond(req)
}

func (p *scriptedProvider) StreamComplete(_ context.Context, req *provider.CompletionRequest) (<-chan provider.CompletionChunk, <-chan error) {
	p.mu.Lock()
	p.calls++
	p.lastReq = req
	p.mu.Unlock()

	chunkCh := make(chan provider.CompletionChunk, len(p.stream))
	errCh := make(chan error, 1)
	for _, c := range p.stream {
		chunkCh <- c
	}
	close(chunkCh)
	close(errCh)
	return chunkCh, errCh
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) last() *provider.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

// newTestClient 注册独立命名的 mock 供应商并创建客户端。
// 注册表是进程级的，名称必须在各测试间唯一。
func newTestClient(t *testing.T, name string, cfg ClientConfig, respond func(*provider.CompletionRequest) (*provider.CompletionResponse, error)) (*Client, *scriptedProvider) {
	t.Helper()
	p := &scriptedProvider{name: name, respond: respond}
	provider.RegisterProvider(p)
	cfg.Provider = name
	if cfg.Model == "" {
		cfg.Model = "qwen-plus"
	}
	return NewClient(cfg), p
}

func respondWith(content string) func(*provider.CompletionRequest) (*provider.CompletionResponse, error) {
	return func(req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return &provider.CompletionResponse{Content: content, Model: req.Model, FinishReason: "stop"}, nil
	}
}

// TestRewriteQueryEmptyInput 空白 query 直接报 ErrEmptyQuery，不触发远端调用
func TestRewriteQueryEmptyInput(t *testing.T) {
	c, p := newTestClient(t, "mock-rewrite-empty", ClientConfig{},
		respondWith(`{"query1": "x", "category": "y"}`))

	for _, query := range []string{"", "   ", " \n\t "} {
		if _, err := c.RewriteQuery(context.Background(), query); !errors.Is(err, ErrEmptyQuery) {
			t.Errorf("query %q: expected ErrEmptyQuery, got %v", query, err)
		}
	}
	if p.callCount() != 0 {
		t.Errorf("provider should not be called for empty input, got %d calls", p.callCount())
	}
}

// TestRewriteQueryVariants 正常改写：变体保序、分类在末尾、请求关闭思考模式
func TestRewriteQueryVariants(t *testing.T) {
	c, p := newTestClient(t, "mock-rewrite-variants", ClientConfig{},
		respondWith(`{"query1": "校园卡充值方式", "query2": "一卡通在哪里充钱", "query3": "校园卡线上充值入口", "category": "校园卡服务"}`))

	result, err := c.RewriteQuery(context.Background(), "校园卡怎么充值")
	if err != nil {
		t.Fatalf("RewriteQuery failed: %v", err)
	}

	variants := result.Variants()
	want := []string{"校园卡充值方式", "一卡通在哪里充钱", "校园卡线上充值入口"}
	if len(variants) != len(want) {
		t.Fatalf("expected %d variants, got %d: %v", len(want), len(variants), variants)
	}
	for i := range want {
		if variants[i] != want[i] {
			t.Errorf("variant %d: expected %q, got %q", i, want[i], variants[i])
		}
	}
	if result.Category() != "校园卡服务" {
		t.Errorf("unexpected category: %q", result.Category())
	}

	req := p.last()
	if req == nil {
		t.Fatal("provider did not capture a request")
	}
	if v, ok := req.Extra["enable_thinking"].(bool); !ok || v {
		t.Errorf("rewrite request must carry enable_thinking=false, got %v", req.Extra)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
		t.Fatalf("unexpected message layout: %+v", req.Messages)
	}
	if req.Messages[0].Content != systemPrompt {
		t.Errorf("unexpected system prompt: %q", req.Messages[0].Content)
	}
	userMsg := req.Messages[1].Content
	if !strings.Contains(userMsg, "校园卡怎么充值") {
		t.Error("user message should embed the original query")
	}
	if strings.Contains(userMsg, "{user_input}") {
		t.Error("prompt placeholder was not substituted")
	}
	t.Logf("✅ 改写得到 %d 个变体，分类 %q", len(variants), result.Category())
}

// TestRewriteQueryCacheHit 同一 query（忽略首尾空白）命中缓存，且缓存值与调用方隔离
func TestRewriteQueryCacheHit(t *testing.T) {
	c, p := newTestClient(t, "mock-rewrite-cache", ClientConfig{},
		respondWith(`{"query1": "体育馆开放时间", "category": "场馆服务"}`))

	first, err := c.RewriteQuery(context.Background(), "体育馆几点开门")
	if err != nil {
		t.Fatalf("first RewriteQuery failed: %v", err)
	}
	// 篡改第一次的返回值，不应污染缓存
	first.Entries[0].Value = "被篡改"

	second, err := c.RewriteQuery(context.Background(), "  体育馆几点开门\n")
	if err != nil {
		t.Fatalf("second RewriteQuery failed: %v", err)
	}
	if second.Entries[0].Value != "体育馆开放时间" {
		t.Errorf("cached result was polluted: %q", second.Entries[0].Value)
	}
	if p.callCount() != 1 {
		t.Errorf("expected 1 provider call, got %d", p.callCount())
	}
}

// TestRewriteQueryProviderError 远端失败时包装返回，且失败不写缓存
func TestRewriteQueryProviderError(t *testing.T) {
	errBoom := errors.New("upstream unavailable")
	c, p := newTestClient(t, "mock-rewrite-err", ClientConfig{},
		func(*provider.CompletionRequest) (*provider.CompletionResponse, error) {
			return nil, errBoom
		})

	if _, err := c.RewriteQuery(context.Background(), "食堂菜单"); !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped upstream error, got %v", err)
	}
	if _, err := c.RewriteQuery(context.Background(), "食堂菜单"); err == nil {
		t.Fatal("expected error on retry")
	}
	if p.callCount() != 2 {
		t.Errorf("failures must not be cached, expected 2 calls, got %d", p.callCount())
	}
}

// TestRewriteQueryMalformedResponse 模型输出不是 JSON 对象时报解析错误
func TestRewriteQueryMalformedResponse(t *testing.T) {
	c, _ := newTestClient(t, "mock-rewrite-badjson", ClientConfig{},
		respondWith("抱歉，我不太明白你的问题。"))

	_, err := c.RewriteQuery(context.Background(), "选课系统崩了")
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "parse rewrite response") {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestRewriteQueryUnknownProvider 未注册的供应商名返回明确错误
func TestRewriteQueryUnknownProvider(t *testing.T) {
	c := NewClient(ClientConfig{Provider: "no-such-provider", Model: "qwen-plus"})

	_, err := c.RewriteQuery(context.Background(), "宿舍报修流程")
	if err == nil || !strings.Contains(err.Error(), "no-such-provider") {
		t.Fatalf("expected provider lookup error, got %v", err)
	}
}

// TestSynthesizeAnswerFillsPrompt 上下文和问题都要替换进 prompt
func TestSynthesizeAnswerFillsPrompt(t *testing.T) {
	c, p := newTestClient(t, "mock-synth", ClientConfig{},
		respondWith("图书馆每天 8:00 开馆。"))

	contextText := "<chunk>\n图书馆开放时间为每天 8:00-22:00。\n</chunk>\n"
	answer, err := c.SynthesizeAnswer(context.Background(), "图书馆几点开门", contextText)
	if err != nil {
		t.Fatalf("SynthesizeAnswer failed: %v", err)
	}
	if answer != "图书馆每天 8:00 开馆。" {
		t.Errorf("unexpected answer: %q", answer)
	}

	req := p.last()
	userMsg := req.Messages[len(req.Messages)-1].Content
	if !strings.Contains(userMsg, contextText) {
		t.Error("prompt should embed the retrieval context")
	}
	if !strings.Contains(userMsg, "图书馆几点开门") {
		t.Error("prompt should embed the user question")
	}
	if strings.Contains(userMsg, "{context}") || strings.Contains(userMsg, "{user_input}") {
		t.Error("prompt placeholders were not substituted")
	}
	if req.Extra != nil {
		t.Errorf("thinking disabled by default, expected no extra params, got %v", req.Extra)
	}
}

// TestSynthesizeAnswerEnableThinking 开启思考模式时答案请求带 enable_thinking=true
func TestSynthesizeAnswerEnableThinking(t *testing.T) {
	c, p := newTestClient(t, "mock-synth-thinking", ClientConfig{EnableThinking: true},
		respondWith("ok"))

	if _, err := c.SynthesizeAnswer(context.Background(), "问题", "上下文"); err != nil {
		t.Fatalf("SynthesizeAnswer failed: %v", err)
	}
	if v, ok := p.last().Extra["enable_thinking"].(bool); !ok || !v {
		t.Errorf("expected enable_thinking=true, got %v", p.last().Extra)
	}
}

// TestAnswerWithHistoryLayout 消息顺序：system、记忆、历史、当前消息
func TestAnswerWithHistoryLayout(t *testing.T) {
	c, p := newTestClient(t, "mock-history", ClientConfig{},
		respondWith("好的，我记得。"))

	history := []provider.Message{
		{Role: "user", Content: "你好"},
		{Role: "assistant", Content: "你好！有什么可以帮你？"},
	}
	live := []provider.Message{{Role: "user", Content: "我下午有什么课"}}

	if _, err := c.AnswerWithHistory(context.Background(), "用户是计算机学院大二学生", history, live); err != nil {
		t.Fatalf("AnswerWithHistory failed: %v", err)
	}

	msgs := p.last().Messages
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != systemPrompt {
		t.Errorf("unexpected system message: %+v", msgs[0])
	}
	if !strings.HasPrefix(msgs[1].Content, memoryPrefix) || !strings.Contains(msgs[1].Content, "计算机学院") {
		t.Errorf("unexpected memory message: %q", msgs[1].Content)
	}
	if !strings.HasPrefix(msgs[2].Content, historyPrefix) {
		t.Errorf("unexpected history message: %q", msgs[2].Content)
	}
	if !strings.Contains(msgs[2].Content, "user: 你好\nassistant: 你好！有什么可以帮你？\n") {
		t.Errorf("history not rendered as role-prefixed lines: %q", msgs[2].Content)
	}
	if msgs[3].Content != "我下午有什么课" {
		t.Errorf("unexpected live message: %+v", msgs[3])
	}
}

// TestStreamAnswerWithHistory 流式输出按序收到全部增量
func TestStreamAnswerWithHistory(t *testing.T) {
	p := &scriptedProvider{
		name: "mock-history-stream",
		stream: []provider.CompletionChunk{
			{Delta: "下午"},
			{Delta: "有高数课"},
			{FinishReason: "stop"},
		},
	}
	provider.RegisterProvider(p)
	c := NewClient(ClientConfig{Provider: "mock-history-stream", Model: "qwen-plus"})

	chunkCh, errCh := c.StreamAnswerWithHistory(context.Background(), "", nil,
		[]provider.Message{{Role: "user", Content: "下午有什么课"}})

	var sb strings.Builder
	for chunk := range chunkCh {
		sb.WriteString(chunk.Delta)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("stream returned error: %v", err)
	}
	if sb.String() != "下午有高数课" {
		t.Errorf("unexpected streamed answer: %q", sb.String())
	}
	if p.last().Messages[0].Role != "system" {
		t.Error("streamed request should also lead with the system message")
	}
}

// TestStreamAnswerWithHistoryUnknownProvider 未注册供应商时错误从 errCh 返回
func TestStreamAnswerWithHistoryUnknownProvider(t *testing.T) {
	c := NewClient(ClientConfig{Provider: "no-such-stream-provider"})

	chunkCh, errCh := c.StreamAnswerWithHistory(context.Background(), "", nil, nil)
	for range chunkCh {
		t.Error("expected no chunks from unknown provider")
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected provider lookup error")
	}
}

// TestMemoryCompletion 对话内容替换进记忆提取 prompt
func TestMemoryCompletion(t *testing.T) {
	c, p := newTestClient(t, "mock-memory", ClientConfig{},
		respondWith("- 用户关注过校园网资费"))

	out, err := c.MemoryCompletion(context.Background(), "user: 校园网多少钱\nassistant: 每月 20 元。\n")
	if err != nil {
		t.Fatalf("MemoryCompletion failed: %v", err)
	}
	if out != "- 用户关注过校园网资费" {
		t.Errorf("unexpected output: %q", out)
	}

	userMsg := p.last().Messages[len(p.last().Messages)-1].Content
	if !strings.Contains(userMsg, "校园网多少钱") {
		t.Error("prompt should embed the conversation text")
	}
	if strings.Contains(userMsg, "{data}") {
		t.Error("prompt placeholder was not substituted")
	}
}
