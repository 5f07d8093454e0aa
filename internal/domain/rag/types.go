package rag

// Chunk 归一化后的召回分块
type Chunk struct {
	ID                 string   `json:"id"`
	Content            string   `json:"content"`
	DocumentID         string   `json:"document_id"`
	DocumentName       string   `json:"document_name"`
	SimilarityScore    float64  `json:"similarity_score"`
	VectorSimilarity   float64  `json:"vector_similarity"`
	TermSimilarity     float64  `json:"term_similarity"`
	HighlightedContent string   `json:"highlighted_content,omitempty"`
	ImportantKeywords  []string `json:"important_keywords,omitempty"`
}

// DocAgg 按文档聚合的召回统计
type DocAgg struct {
	DocName string `json:"doc_name"`
	Count   int    `json:"count"`
}

// RetrievalResult 单个问题的召回结果。远端失败不抛错，
// 以 Error 字段承载，调用方用 Failed() 判断。
type RetrievalResult struct {
	Question string   `json:"question"`
	Total    int      `json:"total_chunks"`
	Chunks   []Chunk  `json:"chunks"`
	DocAggs  []DocAgg `json:"document_stats,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Failed 召回是否失败。nil 结果同样视为失败，调用方可以直接跳过。
func (r *RetrievalResult) Failed() bool {
	return r == nil || r.Error != ""
}

// RetrieveOptions 召回参数。零值字段使用客户端默认值。
type RetrieveOptions struct {
	DatasetIDs          []string `json:"dataset_ids,omitempty"`
	DocumentIDs         []string `json:"document_ids,omitempty"`
	SimilarityThreshold float64  `json:"similarity_threshold,omitempty"`
	VectorWeight        float64  `json:"vector_similarity_weight,omitempty"`
	TopK                int      `json:"top_k,omitempty"`
	RerankID            string   `json:"rerank_id,omitempty"`
	Keyword             bool     `json:"keyword,omitempty"`
	Highlight           bool     `json:"highlight,omitempty"`
}

// AsyncResult 异步检索的结果
type AsyncResult struct {
	Context string
	Err     error
}

// SearchRequest 检索 API 请求。Variants 为空时退化为单一 Question；
// TopK / SimilarityThreshold 为零值时沿用 Retriever 配置。
type SearchRequest struct {
	Question            string   `json:"question,omitempty"`
	Variants            []string `json:"variants,omitempty"`
	TopK                int      `json:"top_k,omitempty"`
	SimilarityThreshold float64  `json:"similarity_threshold,omitempty"`
}

// SearchResult 检索 API 响应：选中的分块明细与拼装好的上下文。
type SearchResult struct {
	Context   string  `json:"context"`
	Chunks    []Chunk `json:"chunks"`
	ElapsedMs int64   `json:"elapsed_ms"`
}

// 重排 query 选取方式
const (
	RerankQueryLast  = "last"
	RerankQueryFirst = "first"
)
