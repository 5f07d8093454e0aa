package rag

import "context"

// SearchClient defines document-store retrieval operations required by Retriever.
type SearchClient interface {
	Retrieve(ctx context.Context, question string, opts *RetrieveOptions) *RetrievalResult
	BatchRetrieve(ctx context.Context, questions []string, opts *RetrieveOptions) []*RetrievalResult
}

// ContextCacheStore defines cache operations for assembled retrieval contexts.
type ContextCacheStore interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key string, contextText string)
	Clear(ctx context.Context)
}
