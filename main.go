package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/agentloop/api"
	"github.com/xiaot623/agentloop/config"
	"github.com/xiaot623/agentloop/internal/agent"
	"github.com/xiaot623/agentloop/internal/assembler"
	"github.com/xiaot623/agentloop/internal/emitter"
	"github.com/xiaot623/agentloop/internal/gateway"
	"github.com/xiaot623/agentloop/internal/hub"
	"github.com/xiaot623/agentloop/internal/llm"
	"github.com/xiaot623/agentloop/internal/memory"
	"github.com/xiaot623/agentloop/internal/service"
	"github.com/xiaot623/agentloop/internal/tools"
	"github.com/xiaot623/agentloop/policy"
	"github.com/xiaot623/agentloop/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting agentloop...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Model: %s (%s)", cfg.LLMModel, cfg.LLMBaseURL)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize the viewer hub and the event emitter that feeds it
	connectionHub := hub.NewHub()
	go connectionHub.Run()
	em := emitter.New(db, connectionHub)

	// Initialize LLM client
	llmClient := llm.NewLLMClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)

	// Wire the run loop
	gw := gateway.New(db, tools.DefaultRegistry, policyEngine, em, cfg.ConfirmRiskThreshold, cfg.ConfirmTimeout, cfg.ToolTimeout)
	mem := memory.NewManager(db, em)
	asm := assembler.New(assembler.NewLLMSummarizer(llmClient, cfg.LLMModel), cfg.ContextTokenBudget, cfg.CompressionThreshold, cfg.RecentTurns)
	loop := agent.NewLoop(db, llmClient, asm, gw, mem, em, tools.DefaultRegistry, agent.Config{
		Model:         cfg.LLMModel,
		MaxIterations: cfg.MaxIterations,
		MaxTokens:     cfg.MaxTokens,
		MaxReboots:    cfg.MaxReboots,
	})

	// Initialize service
	svc := service.New(db, loop, mem, tools.DefaultRegistry, em, cfg)

	// Start confirmation timeout monitor
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go svc.RunConfirmationTimeoutMonitor(monitorCtx)

	// Initialize handlers
	wsServer := hub.NewServer(connectionHub, cfg)
	h := api.NewHandler(svc, connectionHub, wsServer, cfg)

	// Create Echo server
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Register routes
	h.RegisterRoutes(e)

	// Start server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down agentloop...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("Agentloop stopped")
}
