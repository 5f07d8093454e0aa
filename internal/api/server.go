package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ragchat/internal/domain/chat"
	"ragchat/internal/domain/rag"
	"ragchat/internal/ingest"
	applog "ragchat/internal/platform/log"
)

// ServerConfig 服务配置
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	JWTSecret    string // JWT 签名密钥（必填）
	JWTIssuer    string // JWT 签发者（可选）
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // SSE 需要较长写超时
	}
}

// Server HTTP 服务器
type Server struct {
	config    *ServerConfig
	chat      *chat.Service
	retriever *rag.Retriever
	ingestor  *ingest.Ingestor
	maxFileMB int
	httpSrv   *http.Server
}

// NewServer 创建服务器
func NewServer(config *ServerConfig, chatSvc *chat.Service) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{
		config: config,
		chat:   chatSvc,
	}
}

// SetRetrieval 暴露检索诊断 API（可选）
func (s *Server) SetRetrieval(retriever *rag.Retriever) {
	s.retriever = retriever
}

// SetIngest 暴露文档入库 API（可选）
func (s *Server) SetIngest(ingestor *ingest.Ingestor, maxFileMB int) {
	s.ingestor = ingestor
	s.maxFileMB = maxFileMB
}

// Start 启动服务器
func (s *Server) Start() error {
	r, err := s.buildRouter()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	applog.Infof("🚀 Chat API server starting on %s", addr)
	return s.httpSrv.ListenAndServe()
}

// Stop 优雅停机
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Handler 返回 HTTP Handler（用于测试）
func (s *Server) Handler() http.Handler {
	r, err := s.buildRouter()
	if err != nil {
		panic(err)
	}
	return r
}

func (s *Server) buildRouter() (http.Handler, error) {
	if strings.TrimSpace(s.config.JWTSecret) == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	jwtCfg := &JWTConfig{
		Secret: s.config.JWTSecret,
		Issuer: s.config.JWTIssuer,
	}
	authMW := authMiddleware(jwtCfg)

	r.Group(func(r chi.Router) {
		r.Use(authMW)

		NewChatHandler(s.chat).RegisterRoutes(r)
		NewSessionHandler(s.chat).RegisterRoutes(r)

		if s.retriever != nil {
			NewRetrievalHandler(s.retriever).RegisterRoutes(r)
			applog.Info("🔍 Retrieval API enabled")
		}
		if s.ingestor != nil {
			NewIngestHandler(s.ingestor, s.maxFileMB).RegisterRoutes(r)
			applog.Info("📚 Ingest API enabled")
		}
	})
	return r, nil
}

// corsMiddleware CORS 中间件
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
