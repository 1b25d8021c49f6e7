// Package main is the entry point for the CAM core: one binary serving the
// WebSocket gateway and the completion-hook callback endpoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/camdev/cam/internal/agent/registry"
	"github.com/camdev/cam/internal/common/config"
	"github.com/camdev/cam/internal/common/httpmw"
	"github.com/camdev/cam/internal/common/logger"
	"github.com/camdev/cam/internal/common/tracing"
	"github.com/camdev/cam/internal/events"
	"github.com/camdev/cam/internal/gateway/httpapi"
	gatewayws "github.com/camdev/cam/internal/gateway/websocket"
	"github.com/camdev/cam/internal/pipeline"
	"github.com/camdev/cam/internal/pipeline/hook"
	"github.com/camdev/cam/internal/repos"
	"github.com/camdev/cam/internal/secrets"
	"github.com/camdev/cam/internal/session"
	"github.com/camdev/cam/internal/sessionpool"
	taskstore "github.com/camdev/cam/internal/task/repository/sqlite"
	"github.com/camdev/cam/internal/terminal/pty"
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

	log.Info("Starting CAM core...")

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// Durable store, shared by the task mirror and the session pool.
	dsn := cfg.Database.DSN
	if cfg.Database.Driver == "sqlite3" {
		dsn = cfg.Database.Path + "?_foreign_keys=on"
	}
	db, err := sqlx.Open(cfg.Database.Driver, dsn)
	if err != nil {
		log.Fatal("Failed to open database",
			zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal("Database not reachable", zap.Error(err))
	}

	taskRepo, err := taskstore.NewWithDB(db)
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}
	poolStore, err := sessionpool.NewStore(db)
	if err != nil {
		log.Fatal("Failed to initialize session pool store", zap.Error(err))
	}
	log.Info("Durable store initialized", zap.String("driver", cfg.Database.Driver))

	// Agent registry: built-ins plus the optional YAML definitions file.
	agentRegistry := registry.NewRegistry(log)
	if cfg.Agents.DefinitionsFile != "" {
		if err := agentRegistry.LoadFromFile(cfg.Agents.DefinitionsFile); err != nil {
			log.Warn("Custom agent definitions not loaded",
				zap.String("file", cfg.Agents.DefinitionsFile), zap.Error(err))
		}
	}
	log.Info("Agent registry initialized", zap.Int("agents", len(agentRegistry.List())))

	ptyManager := pty.NewManager(log, cfg.Terminal.MaxSessionsPerUser, cfg.Terminal.IdleTimeout())

	sessionManager := session.NewManager(
		log,
		ptyManager,
		taskRepo,
		agentRegistry,
		secrets.NewEnvResolver(),
		repos.NewResolver(nil, cfg.Repos.BaseDir),
		eventBus,
		session.Options{
			AgentIdleTimeout: cfg.Terminal.AgentIdleTimeout(),
			CancelTimeout:    cfg.Pipeline.CancelTimeout(),
			FinishedTTL:      cfg.Pipeline.FinishedSessionTTL(),
		},
	)

	engine := pipeline.NewEngine(
		log,
		sessionManager,
		taskRepo,
		agentRegistry,
		poolStore,
		hook.NewInjector(log),
		eventBus,
		pipeline.Options{
			Port:               cfg.Server.Port,
			MaxSessionsPerUser: cfg.Terminal.MaxSessionsPerUser,
			CancelTimeout:      cfg.Pipeline.CancelTimeout(),
			FinishedTTL:        cfg.Pipeline.FinishedPipelineTTL(),
		},
	)

	// Break the session/pipeline cycle and give the pool its lease view.
	sessionManager.SetPipelineNotifier(engine)
	poolStore.SetLeaseView(engine)

	if cfg.Logging.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "cam"))
	router.Use(httpmw.OtelTracing("cam"))

	router.GET("/ws", gatewayws.NewDispatcher(sessionManager, engine, eventBus, log).HandleWS)
	httpapi.NewStepDoneHandler(engine, log).Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "cam"})
	})

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// No write timeout: /ws holds long-lived streaming connections.
	}

	go func() {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("step_done", hook.StepDonePath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down CAM core...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("CAM core stopped")
}
