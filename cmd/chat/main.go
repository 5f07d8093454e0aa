package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ragchat/internal/app/bootstrap"
	"ragchat/internal/db/ragflow"
	"ragchat/internal/domain/chat"
	"ragchat/internal/domain/llm"
	"ragchat/internal/domain/rag"
	"ragchat/internal/platform/config"
	applog "ragchat/internal/platform/log"
	"ragchat/internal/tool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ 配置加载失败: %v\n", err)
		os.Exit(1)
	}

	// 日志走 stderr，聊天输出走 stdout
	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stderr,
	})

	bootstrap.RegisterLLMProviders(cfg.LLM.Provider, cfg.LLM.APIKey, cfg.LLM.BaseURL)

	llmClient := llm.NewClient(llm.ClientConfig{
		Provider:       cfg.LLM.Provider,
		Model:          cfg.LLM.Model,
		EnableThinking: cfg.LLM.EnableThinking,
		CacheTTL:       time.Duration(cfg.Cache.LLMTTLSeconds) * time.Second,
	})

	rfClient := ragflow.NewClient(ragflow.Config{
		BaseURL:      cfg.RAGFlow.BaseURL,
		APIKey:       cfg.RAGFlow.APIKey,
		DatasetIDs:   cfg.RAGFlow.DatasetIDs,
		Timeout:      time.Duration(cfg.RAGFlow.TimeoutSeconds) * time.Second,
		BatchWorkers: cfg.RAGFlow.BatchWorkers,
	})

	retriever := rag.NewRetriever(rfClient, &cfg.Retrieval)
	if cfg.Rerank.BaseURL != "" && cfg.Retrieval.EnableRerank {
		retriever.SetReranker(rag.NewReranker(rag.RerankerConfig{
			BaseURL:  cfg.Rerank.BaseURL,
			APIKey:   cfg.Rerank.APIKey,
			Model:    cfg.Rerank.Model,
			Timeout:  time.Duration(cfg.Rerank.TimeoutSeconds) * time.Second,
			CacheTTL: time.Duration(cfg.Cache.RerankTTLSeconds) * time.Second,
		}))
	}

	// 会话固定落盘，重启后可恢复
	store, err := chat.NewFileStore(cfg.Storage.FileDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ 会话目录初始化失败: %v\n", err)
		os.Exit(1)
	}

	var tools *tool.Registry
	if cfg.Agent.Enabled {
		tools = tool.NewRegistry()
		tools.Register(tool.NewKBSearchTool(llmClient, retriever))
		tools.Register(tool.NewGradeTool())
	}

	svc := chat.NewService(chat.ServiceConfig{
		LLM:       llmClient,
		Retriever: retriever,
		Store:     store,
		History:   chat.NewHistoryManager(cfg.History.MaxMessages, cfg.History.MaxTokens),
		Tools:     tools,
	})

	run(&repl{svc: svc, store: store})
}

// repl 命令行多轮对话，支持会话管理
type repl struct {
	svc       *chat.Service
	store     *chat.FileStore
	sessionID string
}

func run(r *repl) {
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\n\n👋 再见！感谢使用校园 AI 助手！")
		os.Exit(0)
	}()

	printBanner()
	r.ensureSession()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("\n[%s] 👤 您: ", r.sessionDisplay())
		if !scanner.Scan() {
			fmt.Println("\n👋 再见！感谢使用校园 AI 助手！")
			return
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			fmt.Println("❓ 请输入您的问题...")
			continue
		}

		// 命令兼容裸词和斜杠两种写法
		lower := strings.ToLower(strings.TrimPrefix(input, "/"))
		switch {
		case lower == "quit" || lower == "exit" || lower == "退出":
			fmt.Println("\n👋 再见！感谢使用校园 AI 助手！")
			return
		case lower == "new" || lower == "新建":
			r.newSession()
		case lower == "sessions" || lower == "list":
			r.listSessions()
		case strings.HasPrefix(lower, "switch "):
			r.switchSession(strings.TrimSpace(lower[len("switch "):]))
		case strings.HasPrefix(lower, "delete "):
			r.deleteSession(strings.TrimSpace(lower[len("delete "):]))
		case lower == "clear" || lower == "清空":
			r.clearSession()
		case lower == "help" || lower == "帮助":
			printHelp()
		default:
			r.chat(input)
		}
	}
}

func (r *repl) chat(question string) {
	r.ensureSession()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	fmt.Printf("\n[%s] 🤖 AI: ", r.sessionDisplay())
	result, err := r.svc.StreamChat(ctx, r.sessionID, question, func(delta string) {
		fmt.Print(delta)
	})
	if err != nil {
		fmt.Printf("\n❌ 出现错误: %v\n请稍后重试或联系管理员\n", err)
		return
	}
	fmt.Println()
	r.sessionID = result.SessionID
}

// ensureSession 确保有活跃会话
func (r *repl) ensureSession() {
	if r.sessionID != "" {
		return
	}
	session := chat.NewSession()
	if err := r.store.Save(context.Background(), session); err != nil {
		fmt.Printf("❌ 创建会话失败: %v\n", err)
		return
	}
	r.sessionID = session.ID
	fmt.Printf("✅ 已创建新会话: %s\n", r.sessionDisplay())
}

func (r *repl) newSession() {
	r.sessionID = ""
	r.ensureSession()
}

func (r *repl) listSessions() {
	ids, err := r.svc.Sessions(context.Background())
	if err != nil {
		fmt.Printf("❌ 读取会话列表失败: %v\n", err)
		return
	}
	if len(ids) == 0 {
		fmt.Println("📝 暂无保存的会话")
		return
	}

	fmt.Println("\n📝 所有会话：")
	for i, id := range ids {
		marker := ""
		if id == r.sessionID {
			marker = " 当前"
		}
		fmt.Printf("  %d. %s%s\n", i+1, shortID(id), marker)
	}
	fmt.Printf("总计: %d 个会话\n", len(ids))
}

func (r *repl) switchSession(prefix string) {
	if prefix == "" {
		fmt.Println("用法: switch <session_id>")
		return
	}
	id, ok := r.findSession(prefix)
	if !ok {
		fmt.Printf("❌ 找不到会话: %s\n", prefix)
		return
	}
	r.sessionID = id
	fmt.Printf("✅ 已切换到会话: %s\n", r.sessionDisplay())
}

func (r *repl) deleteSession(prefix string) {
	if prefix == "" {
		fmt.Println("用法: delete <session_id>")
		return
	}
	id, ok := r.findSession(prefix)
	if !ok {
		fmt.Printf("❌ 找不到会话: %s\n", prefix)
		return
	}
	if id == r.sessionID {
		fmt.Println("❌ 无法删除当前活跃会话，请先切换到其他会话")
		return
	}
	if err := r.svc.DeleteSession(context.Background(), id); err != nil {
		fmt.Printf("❌ 删除会话失败: %v\n", err)
		return
	}
	fmt.Printf("✅ 已删除会话: %s\n", shortID(id))
}

func (r *repl) clearSession() {
	if r.sessionID == "" {
		fmt.Println("❌ 没有活跃的会话需要清空")
		return
	}
	if err := r.svc.DeleteSession(context.Background(), r.sessionID); err != nil {
		fmt.Printf("❌ 清空会话失败: %v\n", err)
		return
	}
	r.sessionID = ""
	r.ensureSession()
	fmt.Printf("✅ 已清空当前会话，创建新会话: %s\n", r.sessionDisplay())
}

// findSession 支持短 ID 前缀匹配
func (r *repl) findSession(prefix string) (string, bool) {
	ids, err := r.svc.Sessions(context.Background())
	if err != nil {
		fmt.Printf("❌ 读取会话列表失败: %v\n", err)
		return "", false
	}
	for _, id := range ids {
		if id == prefix || strings.HasPrefix(id, prefix) {
			return id, true
		}
	}
	return "", false
}

func (r *repl) sessionDisplay() string {
	if r.sessionID == "" {
		return "无会话"
	}
	return shortID(r.sessionID)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func printBanner() {
	fmt.Println("🤖 校园 AI 助手 (支持会话管理)")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println("欢迎使用校园智能助手！我可以帮您查询：")
	fmt.Println("• 📚 学校政策、通知、规定")
	fmt.Println("• 🏛️ 校园环境、设施、服务")
	fmt.Println("• 📊 学生成绩查询")
	fmt.Println("• 🌐 通用知识查询")
	fmt.Println(strings.Repeat("-", 50))
	fmt.Println("💡 提示：")
	fmt.Println("  - 输入 'quit' 或 'exit' 退出")
	fmt.Println("  - 输入 'new' 创建新会话")
	fmt.Println("  - 输入 'sessions' 查看所有会话")
	fmt.Println("  - 输入 'switch <session_id>' 切换会话")
	fmt.Println("  - 输入 'delete <session_id>' 删除会话")
	fmt.Println("  - 输入 'clear' 清空当前会话")
	fmt.Println("  - 输入 'help' 查看帮助")
	fmt.Println(strings.Repeat("=", 50))
}

func printHelp() {
	fmt.Println("\n📖 校园 AI 助手使用帮助")
	fmt.Println(strings.Repeat("=", 40))
	fmt.Println("🔍 查询示例：")
	fmt.Println("  • '转专业政策是什么？'")
	fmt.Println("  • '我的数学成绩如何？'")
	fmt.Println("  • '校园网如何连接？'")
	fmt.Println("  • '图书馆开放时间是什么？'")
	fmt.Println()
	fmt.Println("⚙️ 基础命令：")
	fmt.Println("  • quit/exit/退出 - 退出程序")
	fmt.Println("  • help/帮助 - 显示此帮助信息")
	fmt.Println()
	fmt.Println("📝 会话管理命令：")
	fmt.Println("  • new/新建 - 创建新会话")
	fmt.Println("  • sessions - 查看所有会话")
	fmt.Println("  • switch <session_id> - 切换到指定会话")
	fmt.Println("  • delete <session_id> - 删除指定会话")
	fmt.Println("  • clear/清空 - 清空当前会话")
	fmt.Println()
	fmt.Println("💡 会话功能：")
	fmt.Println("  • 自动保存对话历史到文件")
	fmt.Println("  • 支持多个独立会话")
	fmt.Println("  • 智能历史压缩，防止上下文过长")
	fmt.Println("  • 会话ID支持前缀匹配")
	fmt.Println(strings.Repeat("=", 40))
}
