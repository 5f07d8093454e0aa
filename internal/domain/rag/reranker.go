package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ragchat/internal/cache"
	applog "ragchat/internal/platform/log"
)

// ── 重排模型的 yes/no 判断模板 ─────────────────────────────────

const (
	templatePrefix    = "<|im_start|>system\nJudge whether the Document meets the requirements based on the Query and the Instruct provided. Note that the answer can only be \"yes\" or \"no\".<|im_end|>\n<|im_start|>user\n"
	templateSuffix    = "<|im_end|>\n<|im_start|>assistant\n<think>\n\n</think>\n\n"
	rerankInstruction = "Given a web search query, retrieve relevant passages that answer the query"
)

func wrapQuery(query string) string {
	return fmt.Sprintf("%s<Instruct>: %s\n<Query>: %s\n", templatePrefix, rerankInstruction, query)
}

func wrapDocument(doc string) string {
	return fmt.Sprintf("<Document>: %s%s", doc, templateSuffix)
}

// stripTemplate 去除模板标记，降级打分只看正文
func stripTemplate(s string) string {
	r := strings.NewReplacer(
		templatePrefix, " ",
		templateSuffix, " ",
		"<Instruct>: "+rerankInstruction, " ",
		"<Query>: ", " ",
		"<Document>: ", " ",
	)
	return r.Replace(s)
}

// ── Reranker ──────────────────────────────────────────────────

// 候选数不超过该值时直接本地打分，不发远端请求
const maxLocalCandidates = 3

// Reranker 调用 rerank 专用接口对候选文本打分。
// Score 在任何路径上都返回与候选等长的分数向量，远端失败走本地降级，
// 不向调用方抛错。
type Reranker struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	cache   *cache.Cache[[]float64]
}

// RerankerConfig 配置
type RerankerConfig struct {
	BaseURL  string // e.g. https://api.siliconflow.cn/v1
	APIKey   string
	Model    string
	Timeout  time.Duration // 默认 10s
	CacheTTL time.Duration // 默认 10min
}

// NewReranker 创建 Reranker
func NewReranker(cfg RerankerConfig) *Reranker {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}

	return &Reranker{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		cache:   cache.New[[]float64](cfg.CacheTTL),
	}
}

// Score 对候选文本按与 query 的相关性打分，返回值与 candidates 等长。
func (r *Reranker) Score(ctx context.Context, query string, candidates []string) []float64 {
	if len(candidates) == 0 {
		return []float64{}
	}
	if strings.TrimSpace(query) == "" {
		return make([]float64, len(candidates))
	}

	key := cache.Key("rerank.score", query, candidates)
	if cached, ok := r.cache.Get(key); ok {
		return append([]float64(nil), cached...)
	}

	var scores []float64
	if len(candidates) <= maxLocalCandidates {
		scores = r.scoreLocal(query, candidates)
	} else {
		start := time.Now()
		remote, err := r.tryRemote(ctx, query, candidates)
		if err != nil {
			applog.Warn("[RAG/Reranker] Remote rerank failed, falling back to lexical scoring",
				"error", err,
				"candidates", len(candidates),
			)
			scores = r.scoreFallback(query, candidates)
		} else {
			scores = remote
			applog.Debug("[RAG/Reranker] Remote rerank done",
				"candidates", len(candidates),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
		}
	}

	r.cache.Set(key, append([]float64(nil), scores...))
	return scores
}

// ClearCache 清空打分缓存
func (r *Reranker) ClearCache() {
	r.cache.Clear()
}

// ── 远端请求 ──────────────────────────────────────────────────

type rerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	TopN            int      `json:"top_n"`
	ReturnDocuments bool     `json:"return_documents"`
}

type rerankResponse struct {
	Results []rerankResultItem `json:"results"`
}

type rerankResultItem struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// tryRemote 调用 /rerank 接口。query 和 documents 均包裹判断模板后发送，
// 响应按 index 回填，越界 index 忽略。
func (r *Reranker) tryRemote(ctx context.Context, query string, candidates []string) ([]float64, error) {
	if r.baseURL == "" {
		return nil, fmt.Errorf("rerank base url not configured")
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = wrapDocument(c)
	}

	reqBody := rerankRequest{
		Model:           r.model,
		Query:           wrapQuery(query),
		Documents:       docs,
		TopN:            len(docs),
		ReturnDocuments: false,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rerank API error (%d): %s", resp.StatusCode, string(respBody))
	}

	var rerankResp rerankResponse
	if err := json.Unmarshal(respBody, &rerankResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	scores := make([]float64, len(candidates))
	for _, item := range rerankResp.Results {
		if item.Index >= 0 && item.Index < len(scores) {
			scores[item.Index] = item.RelevanceScore
		}
	}
	return scores, nil
}

// ── 本地打分 ──────────────────────────────────────────────────

// scoreLocal 少量候选的词面重合打分：query 词元出现在候选中的比例
func (r *Reranker) scoreLocal(query string, candidates []string) []float64 {
	queryTokens := tokenize(query)
	scores := make([]float64, len(candidates))
	if len(queryTokens) == 0 {
		return scores
	}

	for i, c := range candidates {
		candidateSet := tokenSet(tokenize(c))
		hit := 0
		for _, t := range queryTokens {
			if candidateSet[t] {
				hit++
			}
		}
		scores[i] = float64(hit) / float64(len(queryTokens))
	}
	return scores
}

// scoreFallback 远端失败时的 Jaccard 降级打分，先剥离模板标记
func (r *Reranker) scoreFallback(query string, candidates []string) []float64 {
	querySet := tokenSet(tokenize(stripTemplate(query)))
	scores := make([]float64, len(candidates))

	for i, c := range candidates {
		candidateSet := tokenSet(tokenize(stripTemplate(c)))
		scores[i] = jaccard(querySet, candidateSet)
	}
	return scores
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
