package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clearledger/backend/internal/application/services"
	"github.com/clearledger/backend/internal/bootstrap"
	"github.com/clearledger/backend/internal/config"
	"github.com/clearledger/backend/internal/domain/ports"
	"github.com/clearledger/backend/internal/infrastructure/httpinvoke"
	"github.com/clearledger/backend/internal/infrastructure/memory"
	redisinfra "github.com/clearledger/backend/internal/infrastructure/redis"
	"github.com/clearledger/backend/internal/interfaces/rest"
	"github.com/clearledger/backend/pkg/expression"
)

func main() {
	cfg := config.Load()

	// Persistence and signals: Redis when configured, in-memory otherwise
	var (
		store   ports.InstanceStore
		signals ports.SignalPublisher
	)
	if cfg.RedisAddr != "" {
		client, err := redisinfra.NewClient(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		store = redisinfra.NewInstanceStore(client)
		signals = redisinfra.NewSignalBus(context.Background(), client)
		log.Printf("✅ Redis connection established (%s)", cfg.RedisAddr)
	} else {
		store = memory.NewInstanceStore()
		signals = memory.NewSignalBus()
		log.Println("⚠️  REDIS_ADDR not set, using in-memory store (instances do not survive restarts)")
	}

	// Load the workflow catalog before anything can start an instance
	evaluator := expression.NewEngine()
	registry := services.NewDefinitionRegistry(evaluator)
	if err := bootstrap.InitializeWorkflows(registry); err != nil {
		log.Fatalf("Failed to initialize workflow catalog: %v", err)
	}

	templates, err := bootstrap.NotificationTemplateIDs()
	if err != nil {
		log.Fatalf("Failed to load notification templates: %v", err)
	}
	notifier := services.NewNotificationService(signals, templates)

	invoker := httpinvoke.NewInvoker(cfg.ServiceURLs)
	engine := services.NewWorkflowEngine(registry, store, invoker, evaluator, notifier, signals, cfg.InstanceTTL)
	log.Println("🔧 Workflow engine initialized")

	monitor := services.NewTimeoutMonitor(engine, cfg.MonitorInterval)
	go monitor.Start()
	log.Printf("⏰ Timeout monitor started (sweep every %s)", cfg.MonitorInterval)

	// Setup routes
	router := gin.Default()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := router.Group("/api")
	rest.NewWorkflowHandler(engine).RegisterRoutes(api)
	rest.NewDefinitionHandler(registry).RegisterRoutes(api)

	log.Printf("🚀 Workflow service running at http://localhost:%s\n", cfg.Port)
	log.Printf("📂 API base:       http://localhost:%s/api\n", cfg.Port)
	log.Printf("💚 Health check:   http://localhost:%s/health\n", cfg.Port)

	// Create HTTP Server
	srv := &http.Server{
		Addr:    "0.0.0.0:" + cfg.Port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server with a timeout of 5 seconds.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Stop background workers
	monitor.Stop()
	log.Println("🛑 Timeout monitor stopped")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	log.Println("Server exiting")
}
