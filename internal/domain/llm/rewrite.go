package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RewriteEntry 改写结果中的一个键值对
type RewriteEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RewriteResult 查询改写结果。Entries 保持模型输出的键序，
// 约定最后一项是分类标签而非检索变体。
type RewriteResult struct {
	Raw     string         `json:"raw"`
	Entries []RewriteEntry `json:"entries"`
}

// Variants 返回可用于检索的变体：去掉最后一项的全部值。
// 没有可用变体时回退为原始 query。
func (r *RewriteResult) Variants() []string {
	if len(r.Entries) > 1 {
		variants := make([]string, 0, len(r.Entries)-1)
		for _, e := range r.Entries[:len(r.Entries)-1] {
			variants = append(variants, e.Value)
		}
		return variants
	}
	return []string{r.Raw}
}

// Values 返回全部值（含分类标签）
func (r *RewriteResult) Values() []string {
	values := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		values = append(values, e.Value)
	}
	return values
}

// Category 返回分类标签（最后一项），没有时为空串
func (r *RewriteResult) Category() string {
	if len(r.Entries) == 0 {
		return ""
	}
	return r.Entries[len(r.Entries)-1].Value
}

func (r *RewriteResult) clone() *RewriteResult {
	return &RewriteResult{
		Raw:     r.Raw,
		Entries: append([]RewriteEntry(nil), r.Entries...),
	}
}

// parseRewriteEntries 逐 token 解析 JSON 对象以保留键序。
// map 会打乱顺序，而"最后一项是标签"的约定依赖顺序。
func parseRewriteEntries(content string) ([]RewriteEntry, error) {
	dec := json.NewDecoder(strings.NewReader(extractJSONObject(content)))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read opening token: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	var entries []RewriteEntry
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key token %v", keyTok)
		}

		var value string
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("variant %q is not a string: %w", key, err)
		}
		entries = append(entries, RewriteEntry{Name: key, Value: value})
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read closing token: %w", err)
	}
	return entries, nil
}

// extractJSONObject 截取第一个 '{' 到最后一个 '}' 之间的内容，
// 容忍模型输出里的 markdown 代码栅栏等包裹
func extractJSONObject(content string) string {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
