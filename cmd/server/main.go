package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"ragchat/internal/api"
	"ragchat/internal/app/bootstrap"
	"ragchat/internal/db/postgres"
	"ragchat/internal/db/ragflow"
	redisdb "ragchat/internal/db/redis"
	"ragchat/internal/domain/chat"
	"ragchat/internal/domain/llm"
	"ragchat/internal/domain/rag"
	"ragchat/internal/ingest"
	"ragchat/internal/platform/config"
	applog "ragchat/internal/platform/log"
	"ragchat/internal/tool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
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
	applog.Infof("✅ RAGFlow client ready (datasets: %d, workers: %d)",
		len(cfg.RAGFlow.DatasetIDs), cfg.RAGFlow.BatchWorkers)

	retriever := rag.NewRetriever(rfClient, &cfg.Retrieval)

	if cfg.Rerank.BaseURL != "" && cfg.Retrieval.EnableRerank {
		reranker := rag.NewReranker(rag.RerankerConfig{
			BaseURL:  cfg.Rerank.BaseURL,
			APIKey:   cfg.Rerank.APIKey,
			Model:    cfg.Rerank.Model,
			Timeout:  time.Duration(cfg.Rerank.TimeoutSeconds) * time.Second,
			CacheTTL: time.Duration(cfg.Cache.RerankTTLSeconds) * time.Second,
		})
		retriever.SetReranker(reranker)
		applog.Infof("✅ Reranker initialized (model: %s)", cfg.Rerank.Model)
	}

	var redisClient *goredis.Client
	if cfg.Redis.URL != "" {
		redisClient = initRedis(cfg.Redis.URL)
		contextTTL := time.Duration(cfg.Cache.ContextTTLSeconds) * time.Second
		retriever.SetCache(redisdb.NewContextCache(redisClient, contextTTL))
		applog.Infof("✅ Redis context cache enabled (TTL: %ds)", cfg.Cache.ContextTTLSeconds)
	}

	store := initSessionStore(cfg, redisClient)

	var tools *tool.Registry
	if cfg.Agent.Enabled {
		tools = tool.NewRegistry()
		tools.Register(tool.NewKBSearchTool(llmClient, retriever))
		tools.Register(tool.NewGradeTool())
		applog.Infof("🤖 Agent mode enabled (tools: %s)", strings.Join(tools.List(), ", "))
	}

	chatSvc := chat.NewService(chat.ServiceConfig{
		LLM:       llmClient,
		Retriever: retriever,
		Store:     store,
		History:   chat.NewHistoryManager(cfg.History.MaxMessages, cfg.History.MaxTokens),
		Tools:     tools,
	})

	ingestor := ingest.NewIngestor(ingest.IngestorConfig{Admin: rfClient})

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer

	server := api.NewServer(serverConfig, chatSvc)
	server.SetRetrieval(retriever)
	server.SetIngest(ingestor, cfg.Server.MaxUploadMB)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}

func initRedis(url string) *goredis.Client {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		applog.Fatalf("❌ Invalid REDIS_URL: %v", err)
	}
	client := goredis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		applog.Fatalf("❌ Redis connection failed: %v", err)
	}
	applog.Info("✅ Connected to Redis")
	return client
}

// initSessionStore 按配置选择会话存储后端
func initSessionStore(cfg *config.AppConfig, redisClient *goredis.Client) chat.SessionStore {
	switch cfg.Storage.SessionBackend {
	case "file":
		store, err := chat.NewFileStore(cfg.Storage.FileDir)
		if err != nil {
			applog.Fatalf("❌ Failed to init file session store: %v", err)
		}
		applog.Infof("✅ File session store ready (dir: %s)", cfg.Storage.FileDir)
		return store

	case "redis":
		if redisClient == nil {
			redisClient = initRedis(cfg.Redis.URL)
		}
		store := redisdb.NewSessionStore(redisdb.SessionStoreConfig{Client: redisClient})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			applog.Fatalf("❌ Redis session store ping failed: %v", err)
		}
		applog.Info("✅ Redis session store ready")
		return store

	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			applog.Fatalf("❌ Failed to open database: %v", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

		if err := db.Ping(); err != nil {
			applog.Fatalf("❌ Failed to ping database: %v", err)
		}
		applog.Info("✅ Connected to PostgreSQL")

		store := postgres.NewSessionStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.EnsureTable(ctx); err != nil {
			applog.Fatalf("❌ Failed to ensure chat_sessions table: %v", err)
		}
		return store

	default:
		applog.Info("✅ In-memory session store ready")
		return chat.NewMemoryStore()
	}
}
