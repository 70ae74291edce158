// Package main is the entry point for the Devharbor backend. A single
// binary runs the task orchestrator, the per-project session stores, the
// stuck-task sweeper, and the HTTP/WebSocket gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/agentclient"
	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/db"
	"github.com/devharbor/devharbor/internal/events"
	"github.com/devharbor/devharbor/internal/gateway"
	"github.com/devharbor/devharbor/internal/metastore"
	"github.com/devharbor/devharbor/internal/nodes"
	"github.com/devharbor/devharbor/internal/observability"
	"github.com/devharbor/devharbor/internal/orchestrator"
	"github.com/devharbor/devharbor/internal/orchestrator/statestore"
	"github.com/devharbor/devharbor/internal/provider"
	"github.com/devharbor/devharbor/internal/session"
	"github.com/devharbor/devharbor/internal/sweeper"
	"github.com/devharbor/devharbor/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Devharbor...")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal("Failed to create data dir", zap.String("path", cfg.DataDir), zap.Error(err))
	}

	// Event bus: NATS when configured, in-memory otherwise.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus

	// Central metadata store: Postgres when configured, embedded SQLite
	// under the data dir otherwise.
	var pool *db.Pool
	if cfg.Database.Host != "" {
		log.Info("Connecting to PostgreSQL",
			zap.String("host", cfg.Database.Host),
			zap.String("db", cfg.Database.DBName))
		pool, err = db.NewPostgresPool(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	} else {
		dbPath := filepath.Join(cfg.DataDir, "devharbor.db")
		log.Info("Using embedded SQLite metadata store", zap.String("path", dbPath))
		pool, err = db.NewSQLitePool(dbPath)
	}
	if err != nil {
		log.Fatal("Failed to open metadata store", zap.Error(err))
	}
	defer pool.Close()

	store, err := metastore.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize metadata store", zap.Error(err))
	}
	obs, err := observability.NewStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize observability store", zap.Error(err))
	}

	// Durable runner state for crash recovery.
	states, err := statestore.Open(filepath.Join(cfg.DataDir, "runners.db"))
	if err != nil {
		log.Fatal("Failed to open runner state store", zap.Error(err))
	}
	defer states.Close()

	nodeManager := nodes.NewManager(store, eventBus, log)

	sessionManager, err := session.NewManager(cfg.DataDir, store, eventBus, cfg.Session, log)
	if err != nil {
		log.Fatal("Failed to initialize session manager", zap.Error(err))
	}

	orch := orchestrator.NewManager(&orchestrator.Deps{
		Store:         store,
		States:        states,
		Provider:      provider.NewClient(cfg.Provider),
		Agent:         agentclient.NewClient(cfg.Agent),
		Nodes:         nodeManager,
		Observability: obs,
		Sessions:      sessionManager,
		Bus:           eventBus,
		Config:        cfg.Runner,
		Logger:        log,
	})
	if err := orch.Restore(); err != nil {
		log.Fatal("Failed to restore task runners", zap.Error(err))
	}

	taskSweeper := sweeper.New(store, nodeManager, eventBus, cfg.Sweeper, log)
	taskSweeper.Start()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gateway.CORSMiddleware())
	router.Use(gateway.TraceMiddleware())
	gateway.RegisterRoutes(router, gateway.NewHandlers(store, obs, orch, sessionManager, cfg.Agent, log))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Devharbor...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop producers before the stores they write to.
	taskSweeper.Stop()
	sessionManager.Stop()
	orch.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Devharbor stopped")
}
