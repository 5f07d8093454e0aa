package ragflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"ragchat/internal/domain/rag"
	applog "ragchat/internal/platform/log"
)

// BatchRetrieve 批量检索，返回结果与 questions 一一对应。
// 重复问题只检索一次，结果在每个出现位置复用。
// 单个问题失败只影响对应位置，不中断整批。
func (c *Client) BatchRetrieve(ctx context.Context, questions []string, opts *rag.RetrieveOptions) []*rag.RetrievalResult {
	if len(questions) == 0 {
		return []*rag.RetrievalResult{}
	}

	start := time.Now()

	// 去重，保持首次出现顺序
	seen := make(map[string]bool, len(questions))
	unique := make([]string, 0, len(questions))
	for _, q := range questions {
		if !seen[q] {
			seen[q] = true
			unique = append(unique, q)
		}
	}

	byQuestion := make(map[string]*rag.RetrievalResult, len(unique))
	if len(unique) == 1 {
		// 只有一个问题时省去协程池开销
		byQuestion[unique[0]] = c.Retrieve(ctx, unique[0], opts)
	} else {
		c.retrieveConcurrently(ctx, unique, opts, byQuestion)
	}

	// 按原始顺序重组，重复问题共享同一结果
	results := make([]*rag.RetrievalResult, len(questions))
	for i, q := range questions {
		results[i] = byQuestion[q]
	}

	applog.Debug("[RAGFlow] Batch retrieval done",
		"questions", len(questions),
		"unique", len(unique),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return results
}

// retrieveConcurrently 用协程池并发检索，结果写入 byQuestion。
// 单次请求的超时由 httpClient.Timeout 兜底，慢请求不会卡住整批。
func (c *Client) retrieveConcurrently(ctx context.Context, questions []string, opts *rag.RetrieveOptions, byQuestion map[string]*rag.RetrievalResult) {
	workers := c.workers
	if workers > len(questions) {
		workers = len(questions)
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		applog.Warn("[RAGFlow] Worker pool creation failed, falling back to sequential", "error", err)
		for _, q := range questions {
			byQuestion[q] = c.Retrieve(ctx, q, opts)
		}
		return
	}
	defer pool.Release()

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, q := range questions {
		wg.Add(1)
		question := q
		submitErr := pool.Submit(func() {
			defer wg.Done()
			res := c.Retrieve(ctx, question, opts)
			mu.Lock()
			byQuestion[question] = res
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			byQuestion[question] = &rag.RetrievalResult{
				Question: question,
				Error:    fmt.Sprintf("submit retrieval task: %v", submitErr),
			}
			mu.Unlock()
		}
	}
	wg.Wait()

	// 任务 panic 被协程池回收时对应位置没有结果，补上错误形结果
	for _, q := range questions {
		if byQuestion[q] == nil {
			byQuestion[q] = &rag.RetrievalResult{Question: q, Error: "retrieval task aborted"}
		}
	}
}
