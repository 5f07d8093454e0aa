package llm

import "errors"

// ErrEmptyQuery 改写请求的 query 为空白
var ErrEmptyQuery = errors.New("rewrite query is empty")
