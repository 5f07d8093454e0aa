package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ragchat/internal/domain/llm"
	"ragchat/internal/domain/rag"
	applog "ragchat/internal/platform/log"
)

// KBSearchTool 知识库检索问答工具：查询改写、批量检索、答案生成一条龙。
// 检索或生成失败时返回道歉文案，不中断上层的工具调用循环。
type KBSearchTool struct {
	llm       *llm.Client
	retriever *rag.Retriever
}

// NewKBSearchTool 创建知识库检索工具
func NewKBSearchTool(llmClient *llm.Client, retriever *rag.Retriever) *KBSearchTool {
	return &KBSearchTool{llm: llmClient, retriever: retriever}
}

func (t *KBSearchTool) Name() string {
	return "knowledge_search"
}

func (t *KBSearchTool) Description() string {
	return `查询校园相关知识，包括：
1、政策、通知、计分规则等教务知识
2、学校的历史、文化、特色、传统
3、师资力量、科研成果、学术交流
4、校园生活、学生管理、就业指导
5、校园环境、设施、服务
6、校园文化、活动、社团
7、校园新闻、公告、通知`
}

func (t *KBSearchTool) Parameters() interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "用户的检索问题",
			},
		},
		"required": []string{"query"},
	}
}

type kbSearchArguments struct {
	Query string `json:"query"`
}

// Execute 检索知识库并生成答案
func (t *KBSearchTool) Execute(ctx context.Context, arguments string) (string, error) {
	var args kbSearchArguments
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	answer, err := t.search(ctx, query)
	if err != nil {
		applog.Warn("[Tool/KB] Search failed", "query", query, "error", err)
		return fmt.Sprintf("抱歉，知识库搜索过程中出现错误：%v", err), nil
	}
	return answer, nil
}

func (t *KBSearchTool) search(ctx context.Context, query string) (string, error) {
	// 改写失败降级为原始 query，检索照常进行
	variants := []string{query}
	if rewrite, err := t.llm.RewriteQuery(ctx, query); err != nil {
		applog.Warn("[Tool/KB] Query rewrite failed, using raw query", "query", query, "error", err)
	} else {
		variants = rewrite.Variants()
	}

	contextText, err := t.retriever.Retrieve(ctx, variants)
	if err != nil {
		return "", fmt.Errorf("retrieve context: %w", err)
	}

	// 用最后一个变体生成答案，约定它是改写中最具体的一条
	finalQuery := variants[len(variants)-1]
	return t.llm.SynthesizeAnswer(ctx, finalQuery, contextText)
}
