package rag

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// fakeSearchClient 返回预置结果并统计调用次数
type fakeSearchClient struct {
	mu         sync.Mutex
	batchCalls int
	results    map[string]*RetrievalResult
}

func (f *fakeSearchClient) Retrieve(_ context.Context, question string, _ *RetrieveOptions) *RetrievalResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if res, ok := f.results[question]; ok {
		return res
	}
	return &RetrievalResult{Question: question}
}

func (f *fakeSearchClient) BatchRetrieve(ctx context.Context, questions []string, opts *RetrieveOptions) []*RetrievalResult {
	f.mu.Lock()
	f.batchCalls++
	f.mu.Unlock()

	out := make([]*RetrievalResult, 0, len(questions))
	for _, q := range questions {
		out = append(out, f.Retrieve(ctx, q, opts))
	}
	return out
}

func (f *fakeSearchClient) batchCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchCalls
}

func chunksOf(contents ...string) []Chunk {
	chunks := make([]Chunk, 0, len(contents))
	for i, c := range contents {
		chunks = append(chunks, Chunk{ID: fmt.Sprintf("c%d", i), Content: c})
	}
	return chunks
}

// TestRetrieveAssemblesContext 基本流程：召回 -> 拼装 <chunk> 包裹的上下文
func TestRetrieveAssemblesContext(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"校园网": {Question: "校园网", Chunks: chunksOf("连接校园网的步骤", "VPN 使用说明")},
	}}
	r := NewRetriever(client, &Config{TopK: 5, SimilarityThreshold: 0.5})

	got, err := r.Retrieve(context.Background(), []string{"校园网"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "<chunk>\n连接校园网的步骤\n</chunk>\n<chunk>\nVPN 使用说明\n</chunk>\n"
	if got != want {
		t.Fatalf("context mismatch:\ngot  %q\nwant %q", got, want)
	}
}

// TestRetrieveCacheHit 第二次调用命中缓存，变体顺序不同也命中同一键
func TestRetrieveCacheHit(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"a": {Question: "a", Chunks: chunksOf("内容一")},
		"b": {Question: "b", Chunks: chunksOf("内容二")},
	}}
	r := NewRetriever(client, &Config{TopK: 5})

	first, err := r.Retrieve(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("first retrieve: %v", err)
	}
	if client.batchCallCount() != 1 {
		t.Fatalf("expected 1 batch call, got %d", client.batchCallCount())
	}

	second, err := r.Retrieve(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("second retrieve: %v", err)
	}
	if client.batchCallCount() != 1 {
		t.Fatalf("expected cache hit with zero extra calls, got %d", client.batchCallCount())
	}
	if first != second {
		t.Fatalf("cached context differs")
	}

	// 顺序无关：["b","a"] 与 ["a","b"] 是同一逻辑请求
	if _, err := r.Retrieve(context.Background(), []string{"b", "a"}); err != nil {
		t.Fatalf("swapped retrieve: %v", err)
	}
	if client.batchCallCount() != 1 {
		t.Fatalf("expected order-independent cache hit, got %d batch calls", client.batchCallCount())
	}
	t.Logf("✅ cache served 2 of 3 retrievals")
}

// TestRetrieveDedupAcrossVariants 相同内容跨变体只保留一次
func TestRetrieveDedupAcrossVariants(t *testing.T) {
	shared := "学费缴纳截止日期为九月一日"
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"学费":   {Question: "学费", Chunks: chunksOf(shared, "缴费方式说明")},
		"怎么缴费": {Question: "怎么缴费", Chunks: chunksOf(shared, "校园卡充值指南")},
	}}
	r := NewRetriever(client, &Config{TopK: 10})

	got, err := r.Retrieve(context.Background(), []string{"学费", "怎么缴费"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if n := strings.Count(got, shared); n != 1 {
		t.Fatalf("shared chunk appears %d times, want 1", n)
	}
}

// TestRetrieveFastPathSkipsRerank 候选不超过 TopK 时不触发重排，保持召回顺序
func TestRetrieveFastPathSkipsRerank(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"q": {Question: "q", Chunks: chunksOf("第一条", "第二条", "第三条")},
	}}
	r := NewRetriever(client, &Config{TopK: 3, EnableRerank: true})
	// 未设置 reranker，若走重排路径会被跳过；候选数 == TopK 应直接拼装

	got, err := r.Retrieve(context.Background(), []string{"q"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !strings.HasPrefix(got, "<chunk>\n第一条") {
		t.Fatalf("retrieval order not preserved: %q", got)
	}
	if strings.Count(got, "<chunk>") != 3 {
		t.Fatalf("expected 3 chunks, got %q", got)
	}
}

// TestRetrieveTruncatesWithoutReranker 候选超过 TopK 且无重排器时取前 TopK
func TestRetrieveTruncatesWithoutReranker(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"q": {Question: "q", Chunks: chunksOf("一", "二", "三", "四", "五")},
	}}
	r := NewRetriever(client, &Config{TopK: 2})

	got, err := r.Retrieve(context.Background(), []string{"q"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	want := "<chunk>\n一\n</chunk>\n<chunk>\n二\n</chunk>\n"
	if got != want {
		t.Fatalf("expected first TopK in retrieval order:\ngot  %q\nwant %q", got, want)
	}
}

// TestRetrieveRerankOrdersByRelevance 重排失败走词面降级，相关 chunk 排前
func TestRetrieveRerankOrdersByRelevance(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"q": {Question: "q", Chunks: chunksOf(
			"cafeteria menu for monday",
			"campus network guide steps",
			"library opening hours",
			"dormitory policy summary",
		)},
	}}
	r := NewRetriever(client, &Config{TopK: 2, EnableRerank: true, RerankQuery: RerankQueryLast})
	// base url 为空：远端必然失败，Score 走 Jaccard 降级
	r.SetReranker(NewReranker(RerankerConfig{}))

	got, err := r.Retrieve(context.Background(), []string{"anything", "campus network guide"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !strings.HasPrefix(got, "<chunk>\ncampus network guide steps") {
		t.Fatalf("expected the relevant chunk first, got %q", got)
	}
	if strings.Count(got, "<chunk>") != 2 {
		t.Fatalf("expected TopK=2 chunks, got %q", got)
	}
	t.Logf("✅ reranked context: %q", got)
}

// TestRetrieveRerankTieKeepsRetrievalOrder 全部同分时稳定排序保持召回顺序
func TestRetrieveRerankTieKeepsRetrievalOrder(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"q": {Question: "q", Chunks: chunksOf("甲", "乙", "丙", "丁")},
	}}
	r := NewRetriever(client, &Config{TopK: 2, EnableRerank: true})
	r.SetReranker(NewReranker(RerankerConfig{}))

	// 重排 query 与所有 chunk 无词面重合，降级打分全为 0
	got, err := r.Retrieve(context.Background(), []string{"q", "zzz unrelated query"})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	want := "<chunk>\n甲\n</chunk>\n<chunk>\n乙\n</chunk>\n"
	if got != want {
		t.Fatalf("tie should keep retrieval order:\ngot  %q\nwant %q", got, want)
	}
}

// TestRetrieveBlankVariants 全空变体返回空上下文，不访问远端
func TestRetrieveBlankVariants(t *testing.T) {
	client := &fakeSearchClient{}
	r := NewRetriever(client, nil)

	got, err := r.Retrieve(context.Background(), []string{"", "   "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty context, got %q", got)
	}
	if client.batchCallCount() != 0 {
		t.Fatalf("expected zero client calls, got %d", client.batchCallCount())
	}
}

// TestRetrieveNilClient 未配置客户端是编程错误
func TestRetrieveNilClient(t *testing.T) {
	r := NewRetriever(nil, nil)
	if _, err := r.Retrieve(context.Background(), []string{"q"}); err == nil {
		t.Fatal("expected error for nil search client")
	}
}

// TestRetrievePartialFailureDegrades 某个变体失败只减少候选，不中断整体
func TestRetrievePartialFailureDegrades(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"好的": {Question: "好的", Chunks: chunksOf("可用内容")},
		"坏的": {Question: "坏的", Error: "connection refused"},
	}}
	r := NewRetriever(client, &Config{TopK: 5})

	got, err := r.Retrieve(context.Background(), []string{"好的", "坏的"})
	if err != nil {
		t.Fatalf("partial failure must not fail the call: %v", err)
	}
	if !strings.Contains(got, "可用内容") {
		t.Fatalf("surviving chunk missing: %q", got)
	}
}

// TestClearCacheForcesRefetch 清缓存后重新访问远端
func TestClearCacheForcesRefetch(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"q": {Question: "q", Chunks: chunksOf("内容")},
	}}
	r := NewRetriever(client, nil)

	ctx := context.Background()
	if _, err := r.Retrieve(ctx, []string{"q"}); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	r.ClearCache(ctx)
	if _, err := r.Retrieve(ctx, []string{"q"}); err != nil {
		t.Fatalf("retrieve after clear: %v", err)
	}
	if client.batchCallCount() != 2 {
		t.Fatalf("expected refetch after ClearCache, got %d calls", client.batchCallCount())
	}
}

// TestDisabledCacheAlwaysFetches 关闭缓存后每次都访问远端
func TestDisabledCacheAlwaysFetches(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"q": {Question: "q", Chunks: chunksOf("内容")},
	}}
	r := NewRetriever(client, nil)
	r.EnableCache(false)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Retrieve(ctx, []string{"q"}); err != nil {
			t.Fatalf("retrieve %d: %v", i, err)
		}
	}
	if client.batchCallCount() != 3 {
		t.Fatalf("expected 3 batch calls with cache disabled, got %d", client.batchCallCount())
	}
}

// TestRetrieveAsync 异步接口返回与同步一致的结果
func TestRetrieveAsync(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"q": {Question: "q", Chunks: chunksOf("异步内容")},
	}}
	r := NewRetriever(client, nil)

	res := <-r.RetrieveAsync(context.Background(), []string{"q"})
	if res.Err != nil {
		t.Fatalf("async retrieve: %v", res.Err)
	}
	if !strings.Contains(res.Context, "异步内容") {
		t.Fatalf("unexpected async context %q", res.Context)
	}
}

// TestSearchReturnsChunks Search 返回分块明细和上下文
func TestSearchReturnsChunks(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"饭卡": {Question: "饭卡", Chunks: chunksOf("饭卡充值指南", "饭卡挂失流程")},
	}}
	r := NewRetriever(client, &Config{TopK: 5})

	res, err := r.Search(context.Background(), &SearchRequest{Question: "饭卡"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(res.Chunks))
	}
	if !strings.Contains(res.Context, "饭卡充值指南") {
		t.Fatalf("context missing chunk content: %q", res.Context)
	}
}

// TestSearchTopKOverride 请求级 TopK 覆盖配置，无重排时按召回顺序截断
func TestSearchTopKOverride(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"q": {Question: "q", Chunks: chunksOf("第一条", "第二条", "第三条")},
	}}
	r := NewRetriever(client, &Config{TopK: 5})

	res, err := r.Search(context.Background(), &SearchRequest{Question: "q", TopK: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Chunks) != 1 || res.Chunks[0].Content != "第一条" {
		t.Fatalf("TopK override not applied: %+v", res.Chunks)
	}
}

// TestSearchVariantsDedup 多变体检索走同一套去重逻辑
func TestSearchVariantsDedup(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"v1": {Question: "v1", Chunks: chunksOf("重复内容", "独有一")},
		"v2": {Question: "v2", Chunks: chunksOf("重复内容", "独有二")},
	}}
	r := NewRetriever(client, &Config{TopK: 10})

	res, err := r.Search(context.Background(), &SearchRequest{Variants: []string{"v1", "v2"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res.Chunks) != 3 {
		t.Fatalf("expected 3 deduped chunks, got %d", len(res.Chunks))
	}
}

// TestSearchEmptyRequest 没有 question 也没有 variants 是调用方错误
func TestSearchEmptyRequest(t *testing.T) {
	r := NewRetriever(&fakeSearchClient{}, nil)
	if _, err := r.Search(context.Background(), &SearchRequest{}); err == nil {
		t.Fatal("expected error for empty search request")
	}
}

// TestSearchBypassesCache Search 不读不写上下文缓存
func TestSearchBypassesCache(t *testing.T) {
	client := &fakeSearchClient{results: map[string]*RetrievalResult{
		"q": {Question: "q", Chunks: chunksOf("内容")},
	}}
	r := NewRetriever(client, nil)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.Search(ctx, &SearchRequest{Question: "q"}); err != nil {
			t.Fatalf("search %d: %v", i, err)
		}
	}
	if client.batchCallCount() != 2 {
		t.Fatalf("expected 2 batch calls, got %d", client.batchCallCount())
	}
}
