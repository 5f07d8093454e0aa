package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"ragchat/internal/domain/rag"
)

// AppConfig 全局配置。启动时统一加载，核心组件仍通过构造参数显式传入。
type AppConfig struct {
	LogLevel  string         `json:"log_level"`
	LogFormat string         `json:"log_format"`
	Server    ServerConfig   `json:"server"`
	Auth      AuthConfig     `json:"auth"`
	LLM       LLMConfig      `json:"llm"`
	Rerank    RerankConfig   `json:"rerank"`
	RAGFlow   RAGFlowConfig  `json:"ragflow"`
	Retrieval rag.Config     `json:"retrieval"`
	Cache     CacheConfig    `json:"cache"`
	Redis     RedisConfig    `json:"redis"`
	Database  DatabaseConfig `json:"database"`
	Storage   StorageConfig  `json:"storage"`
	History   HistoryConfig  `json:"history"`
	Agent     AgentConfig    `json:"agent"`
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
	MaxUploadMB         int    `json:"max_upload_mb"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
}

// LLMConfig 对话补全服务（OpenAI 兼容接口）。
type LLMConfig struct {
	Provider       string `json:"provider"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	EnableThinking bool   `json:"enable_thinking"`
}

// RerankConfig 重排服务。BaseURL 为空时重排全部走本地降级打分。
type RerankConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RAGFlowConfig 文档库检索服务。
type RAGFlowConfig struct {
	BaseURL        string   `json:"base_url"`
	APIKey         string   `json:"api_key"`
	DatasetIDs     []string `json:"dataset_ids"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	BatchWorkers   int      `json:"batch_workers"`
}

// CacheConfig 各级缓存 TTL（秒）。
type CacheConfig struct {
	LLMTTLSeconds     int `json:"llm_ttl_seconds"`
	RerankTTLSeconds  int `json:"rerank_ttl_seconds"`
	ContextTTLSeconds int `json:"context_ttl_seconds"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// StorageConfig 会话存储后端：memory / file / redis / postgres。
type StorageConfig struct {
	SessionBackend string `json:"session_backend"`
	FileDir        string `json:"file_dir"`
}

type HistoryConfig struct {
	MaxMessages int `json:"max_messages"`
	MaxTokens   int `json:"max_tokens"`
}

// AgentConfig 工具调用模式。开启后对话走 agent 循环，
// 检索由 knowledge_search 工具在循环内完成。
type AgentConfig struct {
	Enabled bool `json:"enabled"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	retrievalCfg := rag.DefaultConfig()
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 600,
			MaxUploadMB:         50,
		},
		LLM: LLMConfig{
			Provider: "openai",
			BaseURL:  "https://api.openai.com/v1",
			Model:    "qwen-plus",
		},
		Rerank: RerankConfig{
			TimeoutSeconds: 10,
		},
		RAGFlow: RAGFlowConfig{
			TimeoutSeconds: 30,
			BatchWorkers:   4,
		},
		Retrieval: *retrievalCfg,
		Cache: CacheConfig{
			LLMTTLSeconds:     300,
			RerankTTLSeconds:  600,
			ContextTTLSeconds: 300,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		Storage: StorageConfig{
			SessionBackend: "memory",
			FileDir:        "./conversations",
		},
		History: HistoryConfig{
			MaxMessages: 50,
			MaxTokens:   4000,
		},
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		// .env 非必需，忽略错误
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)
	applyInt("SERVER_MAX_UPLOAD_MB", &c.Server.MaxUploadMB)

	applyString("JWT_SECRET", &c.Auth.JWTSecret)
	applyString("JWT_ISSUER", &c.Auth.JWTIssuer)

	applyString("LLM_PROVIDER", &c.LLM.Provider)
	applyString("LLM_BASE_URL", &c.LLM.BaseURL)
	applyString("LLM_API_KEY", &c.LLM.APIKey)
	applyString("LLM_MODEL", &c.LLM.Model)
	applyBool("LLM_ENABLE_THINKING", &c.LLM.EnableThinking)

	applyString("RERANK_BASE_URL", &c.Rerank.BaseURL)
	applyString("RERANK_API_KEY", &c.Rerank.APIKey)
	applyString("RERANK_MODEL", &c.Rerank.Model)
	applyInt("RERANK_TIMEOUT", &c.Rerank.TimeoutSeconds)

	applyString("RAGFLOW_BASE_URL", &c.RAGFlow.BaseURL)
	applyString("RAGFLOW_API_KEY", &c.RAGFlow.APIKey)
	applyStringList("RAGFLOW_DATASET_IDS", &c.RAGFlow.DatasetIDs)
	applyInt("RAGFLOW_TIMEOUT", &c.RAGFlow.TimeoutSeconds)
	applyInt("RAGFLOW_BATCH_WORKERS", &c.RAGFlow.BatchWorkers)

	applyInt("RETRIEVAL_TOP_K", &c.Retrieval.TopK)
	applyFloat64("RETRIEVAL_SIMILARITY_THRESHOLD", &c.Retrieval.SimilarityThreshold)
	applyFloat64("RETRIEVAL_VECTOR_WEIGHT", &c.Retrieval.VectorWeight)
	applyBool("RETRIEVAL_ENABLE_RERANK", &c.Retrieval.EnableRerank)
	applyString("RETRIEVAL_RERANK_QUERY", &c.Retrieval.RerankQuery)

	applyInt("CACHE_LLM_TTL", &c.Cache.LLMTTLSeconds)
	applyInt("CACHE_RERANK_TTL", &c.Cache.RerankTTLSeconds)
	applyInt("CACHE_CONTEXT_TTL", &c.Cache.ContextTTLSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("SESSION_BACKEND", &c.Storage.SessionBackend)
	applyString("SESSION_FILE_DIR", &c.Storage.FileDir)

	applyInt("HISTORY_MAX_MESSAGES", &c.History.MaxMessages)
	applyInt("HISTORY_MAX_TOKENS", &c.History.MaxTokens)

	applyBool("AGENT_ENABLED", &c.Agent.Enabled)
}

func (c *AppConfig) normalize() {
	c.LLM.BaseURL = strings.TrimRight(c.LLM.BaseURL, "/")
	c.Rerank.BaseURL = strings.TrimRight(c.Rerank.BaseURL, "/")
	c.RAGFlow.BaseURL = strings.TrimRight(c.RAGFlow.BaseURL, "/")

	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.Rerank.TimeoutSeconds <= 0 {
		c.Rerank.TimeoutSeconds = 10
	}
	if c.RAGFlow.TimeoutSeconds <= 0 {
		c.RAGFlow.TimeoutSeconds = 30
	}
	if c.RAGFlow.BatchWorkers <= 0 {
		c.RAGFlow.BatchWorkers = 4
	}
	c.Retrieval.Normalize()
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.RAGFlow.BaseURL) == "" {
		return fmt.Errorf("RAGFLOW_BASE_URL is required")
	}
	switch c.Storage.SessionBackend {
	case "memory", "file":
	case "redis":
		if strings.TrimSpace(c.Redis.URL) == "" {
			return fmt.Errorf("REDIS_URL is required for the redis session backend")
		}
	case "postgres":
		if strings.TrimSpace(c.Database.URL) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres session backend")
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.Storage.SessionBackend)
	}
	return nil
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// applyStringList 解析逗号分隔的环境变量，空白项剔除。
func applyStringList(key string, target *[]string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*target = out
	}
}
