package ragflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ragchat/internal/domain/rag"
	applog "ragchat/internal/platform/log"
)

// 远端检索接口的协议默认值
const (
	defaultPage                = 1
	defaultPageSize            = 30
	defaultSimilarityThreshold = 0.2
	defaultVectorWeight        = 0.3
	defaultWireTopK            = 1024
	maxPageSize                = 1024

	defaultBatchWorkers = 4
	maxBatchWorkers     = 8
)

// Config RAGFlow 客户端配置
type Config struct {
	BaseURL      string
	APIKey       string
	DatasetIDs   []string      // 请求未指定数据集时的默认数据集
	Timeout      time.Duration // 单次请求超时，默认 30s
	BatchWorkers int           // 批量检索并发数，默认 4，上限 8
}

// Client RAGFlow 文档库 HTTP 客户端。
// 检索失败不返回 error，以 RetrievalResult.Error 承载，调用方用 Failed() 判断。
type Client struct {
	baseURL    string
	apiKey     string
	datasetIDs []string
	workers    int
	httpClient *http.Client
}

// NewClient 创建 RAGFlow 客户端
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	workers := cfg.BatchWorkers
	if workers <= 0 {
		workers = defaultBatchWorkers
	}
	if workers > maxBatchWorkers {
		workers = maxBatchWorkers
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		datasetIDs: append([]string(nil), cfg.DatasetIDs...),
		workers:    workers,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ── 检索接口的请求/响应结构 ──

type retrievalRequest struct {
	Question            string   `json:"question"`
	DatasetIDs          []string `json:"dataset_ids,omitempty"`
	DocumentIDs         []string `json:"document_ids,omitempty"`
	Page                int      `json:"page"`
	PageSize            int      `json:"page_size"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
	VectorWeight        float64  `json:"vector_similarity_weight"`
	TopK                int      `json:"top_k"`
	RerankID            string   `json:"rerank_id,omitempty"`
	Keyword             bool     `json:"keyword"`
	Highlight           bool     `json:"highlight"`
}

type retrievalResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    *retrievalData `json:"data"`
}

type retrievalData struct {
	Total   int         `json:"total"`
	Chunks  []apiChunk  `json:"chunks"`
	DocAggs []apiDocAgg `json:"doc_aggs"`
}

type apiChunk struct {
	ID                string   `json:"id"`
	Content           string   `json:"content"`
	DocumentID        string   `json:"document_id"`
	DocumentKeyword   string   `json:"document_keyword"`
	Similarity        float64  `json:"similarity"`
	VectorSimilarity  float64  `json:"vector_similarity"`
	TermSimilarity    float64  `json:"term_similarity"`
	Highlight         string   `json:"highlight"`
	ImportantKeywords []string `json:"important_keywords"`
}

type apiDocAgg struct {
	DocName string `json:"doc_name"`
	Count   int    `json:"count"`
}

// Retrieve 检索单个问题。参数越界时收敛到合法范围再上送，
// 网络/HTTP/解析失败都转为错误形结果返回。
func (c *Client) Retrieve(ctx context.Context, question string, opts *rag.RetrieveOptions) *rag.RetrievalResult {
	result := &rag.RetrievalResult{Question: question}

	if strings.TrimSpace(question) == "" {
		result.Error = "question is empty"
		return result
	}

	data, err := c.doRetrieval(ctx, c.buildRequest(question, opts))
	if err != nil {
		applog.Warn("[RAGFlow] Retrieval failed", "question", question, "error", err)
		result.Error = err.Error()
		return result
	}

	result.Total = data.Total
	result.Chunks = normalizeChunks(data.Chunks)
	for _, agg := range data.DocAggs {
		result.DocAggs = append(result.DocAggs, rag.DocAgg{DocName: agg.DocName, Count: agg.Count})
	}
	return result
}

// buildRequest 组装请求体。返回条数由 page_size 控制，
// top_k 是远端向量召回的候选池大小，保持协议默认值。
func (c *Client) buildRequest(question string, opts *rag.RetrieveOptions) *retrievalRequest {
	req := &retrievalRequest{
		Question:            question,
		DatasetIDs:          c.datasetIDs,
		Page:                defaultPage,
		PageSize:            defaultPageSize,
		SimilarityThreshold: defaultSimilarityThreshold,
		VectorWeight:        defaultVectorWeight,
		TopK:                defaultWireTopK,
	}
	if opts == nil {
		return req
	}

	if len(opts.DatasetIDs) > 0 {
		req.DatasetIDs = opts.DatasetIDs
	}
	req.DocumentIDs = opts.DocumentIDs
	if opts.SimilarityThreshold != 0 {
		req.SimilarityThreshold = clamp01(opts.SimilarityThreshold)
	}
	if opts.VectorWeight != 0 {
		req.VectorWeight = clamp01(opts.VectorWeight)
	}
	if opts.TopK != 0 {
		pageSize := opts.TopK
		if pageSize < 1 {
			pageSize = 1
		}
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}
		req.PageSize = pageSize
	}
	req.RerankID = opts.RerankID
	req.Keyword = opts.Keyword
	req.Highlight = opts.Highlight
	return req
}

func (c *Client) doRetrieval(ctx context.Context, reqBody *retrievalRequest) (*retrievalData, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal retrieval request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/retrieval", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build retrieval request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call retrieval API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read retrieval response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval API returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed retrievalResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}
	if parsed.Code != 0 {
		msg := parsed.Message
		if msg == "" {
			msg = "Unknown error"
		}
		return nil, fmt.Errorf("retrieval API error (code %d): %s", parsed.Code, msg)
	}
	if parsed.Data == nil {
		return nil, fmt.Errorf("retrieval API returned no data")
	}
	return parsed.Data, nil
}

// normalizeChunks 把远端分块转为领域结构，丢弃空白内容的分块
func normalizeChunks(chunks []apiChunk) []rag.Chunk {
	out := make([]rag.Chunk, 0, len(chunks))
	for _, ch := range chunks {
		if strings.TrimSpace(ch.Content) == "" {
			continue
		}
		out = append(out, rag.Chunk{
			ID:                 ch.ID,
			Content:            ch.Content,
			DocumentID:         ch.DocumentID,
			DocumentName:       ch.DocumentKeyword,
			SimilarityScore:    ch.Similarity,
			VectorSimilarity:   ch.VectorSimilarity,
			TermSimilarity:     ch.TermSimilarity,
			HighlightedContent: ch.Highlight,
			ImportantKeywords:  ch.ImportantKeywords,
		})
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
