package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ragweave/internal/domain/indexing"
	"ragweave/internal/domain/rag"
	applog "ragweave/internal/platform/log"
	"ragweave/internal/platform/metrics"
)

// ServerConfig 服务配置
type ServerConfig struct {
	Host          string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	JWTSecret     string // 为空时以匿名作用域运行
	JWTIssuer     string // 可选签发者校验
	MaxBodyMB     int
	EnableMetrics bool
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:          "0.0.0.0",
		Port:          8080,
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  2 * time.Minute,
		MaxBodyMB:     50,
		EnableMetrics: true,
	}
}

// Services 服务依赖；Generator 可为 nil
type Services struct {
	Documents    *rag.DocumentStore
	Controller   *indexing.Controller
	Orchestrator *rag.Orchestrator
	Generator    rag.Generator
}

// Server HTTP 服务器
type Server struct {
	config  *ServerConfig
	svc     Services
	httpSrv *http.Server
}

// NewServer 创建服务器
func NewServer(config *ServerConfig, svc Services) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{
		config: config,
		svc:    svc,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	applog.Infof("🚀 RAG API server starting on %s", addr)
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
	return s.buildRouter()
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.config.EnableMetrics {
		r.Handle("/metrics", metrics.Handler())
	}

	authMW := anonymousMiddleware
	if s.config.JWTSecret != "" {
		authMW = authMiddleware(&JWTConfig{
			Secret: s.config.JWTSecret,
			Issuer: s.config.JWTIssuer,
		})
	} else {
		applog.Warn("⚠️  No JWT_SECRET set, API runs with anonymous scope")
	}

	r.Group(func(r chi.Router) {
		r.Use(authMW)
		NewRAGHandler(s.svc, s.config.MaxBodyMB).RegisterRoutes(r)
		NewJobHandler(s.svc.Controller, s.svc.Documents).RegisterRoutes(r)
	})
	return r
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
