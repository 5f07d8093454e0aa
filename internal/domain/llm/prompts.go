package llm

// 各补全场景的 prompt 模板。占位符用 strings.ReplaceAll 填充。

const systemPrompt = "You are a helpful assistant."

// rewritePrompt 查询改写：输出 JSON 对象，前面的键是检索变体，
// 最后一个键是意图分类标签（不参与检索）。
const rewritePrompt = `你是校园智能问答助手的查询改写模块。请把用户输入改写成多个适合知识库检索的查询变体。

要求：
1. 只输出一个 JSON 对象，不要输出任何其他内容；
2. 键 query1、query2、query3 是从不同角度改写的检索查询，覆盖同一语义，由宽泛到具体；
3. 最后一个键 category 是用户意图的一句话分类标签，不用于检索。

示例输出：
{"query1": "校园网资费标准", "query2": "校园网如何缴费", "query3": "学生宿舍校园网包月价格", "category": "网络服务咨询"}

用户输入：{user_input}`

// chatPrompt 基于检索上下文回答
const chatPrompt = `你是校园智能问答助手，请根据知识库内容回答用户问题。

知识库内容：
{context}

要求：
1. 优先依据知识库内容作答，条理清晰；
2. 知识库内容不足以回答时如实说明，不要编造；
3. 用中文回答。

用户问题：{user_input}`

// memoryPrompt 从对话中提取长期记忆
const memoryPrompt = `请从下面的对话内容中提取值得长期记住的用户信息（身份、偏好、关注过的问题与结论），输出简洁的要点列表；没有可提取的信息时输出"无"。

对话内容：
{data}`

// 历史注入消息的前缀，与补全服务的约定格式保持一致
const (
	memoryPrefix  = "以下内容是记忆信息"
	historyPrefix = "以下内容是用户和AI的对话历史"
)
