package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"ragweave/internal/api"
	"ragweave/internal/app/bootstrap"
	"ragweave/internal/platform/config"
	applog "ragweave/internal/platform/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "ragweave",
	})
	defer applog.Sync()
	cfg.RAG.LogSummary()

	infra := bootstrap.Infra{}
	if cfg.Database.URL != "" {
		infra.DB = openDatabase(cfg)
		defer infra.DB.Close()
	}
	if cfg.Redis.URL != "" {
		infra.Redis = openRedis(cfg)
		defer infra.Redis.Close()
	}

	bootstrap.RegisterLLMProviders(cfg.OpenAI)

	buildCtx, buildCancel := context.WithTimeout(context.Background(), time.Minute)
	app, err := bootstrap.Build(buildCtx, cfg, infra)
	buildCancel()
	if err != nil {
		applog.Fatalf("❌ Failed to initialize RAG engine: %v", err)
	}
	defer app.Close()

	app.Controller.Start()
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := app.Controller.Recover(recoverCtx); err != nil {
		applog.Warnf("⚠️  Job recovery failed: %v", err)
	}
	recoverCancel()

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	serverConfig.JWTSecret = cfg.Auth.JWTSecret
	serverConfig.JWTIssuer = cfg.Auth.JWTIssuer
	serverConfig.MaxBodyMB = cfg.Server.MaxRequestBodyMB
	serverConfig.EnableMetrics = cfg.Server.EnableMetricsEndpoint
	server := api.NewServer(serverConfig, api.Services{
		Documents:    app.Documents,
		Controller:   app.Controller,
		Orchestrator: app.Orchestrator,
		Generator:    app.Generator,
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
		if err := app.Controller.Stop(ctx); err != nil {
			applog.Errorf("❌ Indexing controller shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}

func openDatabase(cfg *config.AppConfig) *sql.DB {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		applog.Fatalf("❌ Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second)

	if err := db.Ping(); err != nil {
		applog.Fatalf("❌ Failed to ping database: %v", err)
	}
	applog.Info("✅ Connected to PostgreSQL")
	return db
}

func openRedis(cfg *config.AppConfig) *goredis.Client {
	opt, err := goredis.ParseURL(cfg.Redis.URL)
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
