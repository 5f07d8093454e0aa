package rag

// Config 知识库检索配置
type Config struct {
	// 最终保留的 chunk 数量
	TopK int `json:"top_k"`
	// 召回相似度阈值（0-1）
	SimilarityThreshold float64 `json:"similarity_threshold"`
	// 向量相似度权重（0-1）
	VectorWeight float64 `json:"vector_weight"`
	// 是否启用重排
	EnableRerank bool `json:"enable_rerank"`
	// 重排 query 的选取方式：last / first
	RerankQuery string `json:"rerank_query"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		TopK:                5,
		SimilarityThreshold: 0.5,
		VectorWeight:        0.3,
		EnableRerank:        true,
		RerankQuery:         RerankQueryLast,
	}
}

// Normalize 收敛非法取值
func (c *Config) Normalize() {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.SimilarityThreshold < 0 {
		c.SimilarityThreshold = 0
	}
	if c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = 1
	}
	if c.VectorWeight < 0 {
		c.VectorWeight = 0
	}
	if c.VectorWeight > 1 {
		c.VectorWeight = 1
	}
	switch c.RerankQuery {
	case RerankQueryLast, RerankQueryFirst:
	default:
		c.RerankQuery = RerankQueryLast
	}
}
