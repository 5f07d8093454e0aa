package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"ragchat/internal/cache"
	applog "ragchat/internal/platform/log"
)

// 每个 query 多召回的倍数，给重排留出候选池
const candidateMultiplier = 2

// Retriever 知识库检索编排：批量召回 -> 跨 query 去重 -> 重排 -> 截断 -> 拼装上下文。
// 去重状态仅存在于单次调用内，缓存读取可跨 goroutine 共享。
type Retriever struct {
	client       SearchClient
	config       *Config
	reranker     *Reranker         // 可选
	cache        ContextCacheStore // 可选
	cacheEnabled bool
}

// NewRetriever 创建检索编排器，默认带进程内上下文缓存。
func NewRetriever(client SearchClient, config *Config) *Retriever {
	if config == nil {
		config = DefaultConfig()
	}
	config.Normalize()
	return &Retriever{
		client:       client,
		config:       config,
		cache:        NewMemoryContextCache(5 * time.Minute),
		cacheEnabled: true,
	}
}

// SetReranker 设置 Reranker（启用重排序）
func (r *Retriever) SetReranker(rr *Reranker) {
	r.reranker = rr
}

// SetCache 替换上下文缓存实现（如 Redis）
func (r *Retriever) SetCache(c ContextCacheStore) {
	r.cache = c
}

// EnableCache 开关上下文缓存
func (r *Retriever) EnableCache(enabled bool) {
	r.cacheEnabled = enabled
}

// ClearCache 清空上下文缓存与重排缓存
func (r *Retriever) ClearCache(ctx context.Context) {
	if r.cache != nil {
		r.cache.Clear(ctx)
	}
	if r.reranker != nil {
		r.reranker.ClearCache()
	}
}

// Retrieve 对一组改写后的 query 变体执行知识库检索，返回拼装好的上下文。
// 远端失败只会减少候选，空上下文是合法结果；error 仅用于配置性错误。
func (r *Retriever) Retrieve(ctx context.Context, variants []string) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("search client not configured")
	}

	queries := make([]string, 0, len(variants))
	for _, v := range variants {
		if strings.TrimSpace(v) != "" {
			queries = append(queries, v)
		}
	}
	if len(queries) == 0 {
		return "", nil
	}

	key := r.cacheKey(queries)
	if r.cacheEnabled && r.cache != nil {
		if cached, ok := r.cache.Get(ctx, key); ok {
			applog.Debug("[RAG/Retriever] Context cache hit", "queries", len(queries))
			return cached, nil
		}
	}

	start := time.Now()
	selected, candidates, failed := r.collect(ctx, queries, r.config.TopK, r.config.SimilarityThreshold)
	contextText := buildContext(selected)

	applog.Info("[RAG/Retriever] Retrieval done",
		"queries", len(queries),
		"failed_queries", failed,
		"candidates", candidates,
		"selected", len(selected),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if r.cacheEnabled && r.cache != nil {
		r.cache.Set(ctx, key, contextText)
	}
	return contextText, nil
}

// Search 带参数覆盖的检索，返回选中分块明细与上下文。
// 覆盖参数会使缓存键失配，这里直接绕过上下文缓存。
func (r *Retriever) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	if r.client == nil {
		return nil, fmt.Errorf("search client not configured")
	}
	if req == nil {
		return nil, fmt.Errorf("search request is nil")
	}

	variants := req.Variants
	if len(variants) == 0 {
		variants = []string{req.Question}
	}
	queries := make([]string, 0, len(variants))
	for _, v := range variants {
		if strings.TrimSpace(v) != "" {
			queries = append(queries, v)
		}
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("question or variants required")
	}

	topK := req.TopK
	if topK <= 0 {
		topK = r.config.TopK
	}
	threshold := req.SimilarityThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = r.config.SimilarityThreshold
	}

	start := time.Now()
	selected, candidates, failed := r.collect(ctx, queries, topK, threshold)

	applog.Info("[RAG/Retriever] Search done",
		"queries", len(queries),
		"failed_queries", failed,
		"candidates", candidates,
		"selected", len(selected),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return &SearchResult{
		Context:   buildContext(selected),
		Chunks:    selected,
		ElapsedMs: time.Since(start).Milliseconds(),
	}, nil
}

// collect 批量召回 -> 跨 query 去重 -> 重排截断，返回选中分块、
// 候选总数和失败的 query 数。
func (r *Retriever) collect(ctx context.Context, queries []string, topK int, threshold float64) ([]Chunk, int, int) {
	// 去重状态只在本次调用内有效
	seen := make(map[string]bool)
	candidates := make([]Chunk, 0, topK*candidateMultiplier)

	opts := &RetrieveOptions{
		SimilarityThreshold: threshold,
		VectorWeight:        r.config.VectorWeight,
		TopK:                topK * candidateMultiplier,
	}

	results := r.client.BatchRetrieve(ctx, queries, opts)
	failed := 0
	for _, res := range results {
		if res.Failed() {
			failed++
			applog.Warn("[RAG/Retriever] Variant retrieval failed",
				"question", res.Question,
				"error", res.Error,
			)
			continue
		}
		for _, chunk := range res.Chunks {
			if seen[chunk.Content] {
				continue
			}
			seen[chunk.Content] = true
			candidates = append(candidates, chunk)
		}
	}

	selected := candidates
	if len(candidates) > topK {
		selected = r.rerankCandidates(ctx, queries, candidates, topK)
	}
	return selected, len(candidates), failed
}

// RetrieveAsync Retrieve 的异步形式
func (r *Retriever) RetrieveAsync(ctx context.Context, variants []string) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	go func() {
		defer close(ch)
		text, err := r.Retrieve(ctx, variants)
		ch <- AsyncResult{Context: text, Err: err}
	}()
	return ch
}

// rerankCandidates 重排候选并截断到 topK。重排不可用或打分长度异常时
// 保持召回顺序取前 topK。
func (r *Retriever) rerankCandidates(ctx context.Context, queries []string, candidates []Chunk, topK int) []Chunk {
	if r.reranker == nil || !r.config.EnableRerank {
		return candidates[:topK]
	}

	rerankQuery := r.selectRerankQuery(queries)
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Content
	}

	scores := r.reranker.Score(ctx, rerankQuery, texts)
	if len(scores) != len(candidates) {
		applog.Warn("[RAG/Retriever] Score vector length mismatch, keeping retrieval order",
			"scores", len(scores),
			"candidates", len(candidates),
		)
		return candidates[:topK]
	}

	// 稳定排序：同分保持召回顺序
	idx := make([]int, len(candidates))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return scores[idx[i]] > scores[idx[j]]
	})

	out := make([]Chunk, 0, topK)
	for _, i := range idx[:topK] {
		out = append(out, candidates[i])
	}
	return out
}

// selectRerankQuery 按配置从变体中选重排 query，默认取最后一个
// （约定：最后一个改写变体最具体）。
func (r *Retriever) selectRerankQuery(queries []string) string {
	if r.config.RerankQuery == RerankQueryFirst {
		return queries[0]
	}
	return queries[len(queries)-1]
}

// cacheKey 对变体排序后取摘要，顺序不同的同一组 query 命中同一键
func (r *Retriever) cacheKey(queries []string) string {
	sorted := append([]string(nil), queries...)
	sort.Strings(sorted)
	return cache.Key("kb.retrieve", sorted, r.config.SimilarityThreshold, r.config.TopK)
}

func buildContext(chunks []Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString("<chunk>\n")
		sb.WriteString(c.Content)
		sb.WriteString("\n</chunk>\n")
	}
	return sb.String()
}

// ── 进程内上下文缓存 ──────────────────────────────────────────

// MemoryContextCache 进程内 TTL 上下文缓存，ContextCacheStore 的默认实现
type MemoryContextCache struct {
	entries *cache.Cache[string]
}

// NewMemoryContextCache 创建进程内上下文缓存
func NewMemoryContextCache(ttl time.Duration) *MemoryContextCache {
	return &MemoryContextCache{entries: cache.New[string](ttl)}
}

func (m *MemoryContextCache) Get(_ context.Context, key string) (string, bool) {
	return m.entries.Get(key)
}

func (m *MemoryContextCache) Set(_ context.Context, key, contextText string) {
	m.entries.Set(key, contextText)
}

func (m *MemoryContextCache) Clear(_ context.Context) {
	m.entries.Clear()
}
