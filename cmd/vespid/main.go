// Vespid workflow engine server: runs the durable run queues, the
// workflow stepper, and the gateway HTTP surface for executors and run
// event streams.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/vespid/vespid/pkg/agent"
	"github.com/vespid/vespid/pkg/cleanup"
	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/connector"
	"github.com/vespid/vespid/pkg/database"
	"github.com/vespid/vespid/pkg/events"
	"github.com/vespid/vespid/pkg/gateway"
	"github.com/vespid/vespid/pkg/llm"
	"github.com/vespid/vespid/pkg/masking"
	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/queue"
	"github.com/vespid/vespid/pkg/skills"
	"github.com/vespid/vespid/pkg/store"
	"github.com/vespid/vespid/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the worker identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()

	slog.Info("Starting Vespid",
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (migrations run on connect)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Masking service and event publisher. Every persisted event and
	// stream frame passes through the masker; the stepper registers
	// dispatch secrets with it before they leave the process.
	maskingService := masking.New(cfg.Masking)
	publisher := events.NewPublisher(dbClient.DB(), events.WithMasker(maskingService))

	// 4. Stores and job queues
	runs := store.NewRunStore(dbClient, publisher)
	workflows := store.NewWorkflowStore(dbClient)
	eventStore := store.NewEventStore(dbClient)
	executorStore := store.NewExecutorStore(dbClient)

	runQueue := queue.New(dbClient, cfg.Queue.RunQueueName)
	contQueue := queue.New(dbClient, cfg.Queue.ContinuationQueueName)
	slog.Info("Stores and queues initialized",
		"run_queue", runQueue.Name(), "continuation_queue", contQueue.Name())

	// 5. LLM client. A missing provider or credential is not fatal: agent
	// nodes fail with LLM_AUTH_NOT_CONFIGURED until one is configured.
	llmClient, err := llm.New(cfg.LLM)
	if err != nil {
		slog.Warn("LLM provider not configured, agent nodes will fail until one is set",
			"error", err)
	} else {
		defer func() {
			if err := llmClient.Close(); err != nil {
				slog.Error("Error closing LLM client", "error", err)
			}
		}()
		slog.Info("LLM client initialized",
			"provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	}

	// 6. Gateway: executor registry, dispatch router, and the in-process
	// client the workflow layer dispatches through.
	registry := gateway.NewRegistry()
	router := gateway.NewRouter(registry, executorStore, contQueue, publisher, cfg.Gateway)
	gatewayClient := gateway.NewLocalClient(router)

	// 7. Node executors: built-ins plus the agent loop.
	connectors := connector.BuiltinRegistry()
	secrets := workflow.EnvSecretResolver{}
	connectorEnv := connector.DefaultEnv()

	execRegistry := workflow.NewRegistry()
	workflow.RegisterBuiltins(execRegistry, workflow.BuiltinDeps{
		Connectors: connectors,
		Secrets:    secrets,
		Env:        connectorEnv,
	})
	execRegistry.Register(models.NodeTypeAgentRun, agent.NewLoop(agent.Deps{
		LLM:        llmClient,
		Provider:   cfg.LLM.Provider,
		Model:      cfg.LLM.Model,
		Connectors: connectors,
		Secrets:    secrets,
		Skills:     skills.NewRegistry(),
		Env:        connectorEnv,
		Config:     cfg.Agent,
	}))

	// 8. Stepper and continuation handlers
	stepper := workflow.NewStepper(workflow.StepperParams{
		Runs:          runs,
		Workflows:     workflows,
		Publisher:     publisher,
		Gateway:       gatewayClient,
		Executors:     execRegistry,
		RunQueue:      runQueue,
		Continuations: contQueue,
		Workflow:      cfg.Workflow,
		Queue:         cfg.Queue,
		Scrubber:      maskingService,
	})
	continuations := workflow.NewContinuations(workflow.ContinuationParams{
		Runs:      runs,
		Publisher: publisher,
		Gateway:   gatewayClient,
		RunQueue:  runQueue,
		Workflow:  cfg.Workflow,
	})

	// 9. Worker pools. Created before the listener so notifications can fan
	// out to them; started once LISTEN is in place so no wakeup is missed.
	runPool := queue.NewPool(podID, runQueue, cfg.Queue.RunConcurrency, cfg.Queue, stepper.Handle)
	contPool := queue.NewPool(podID, contQueue, cfg.Queue.ContinuationConcurrency, cfg.Queue, continuations.Handle)

	// 9a. Streaming infrastructure: one dedicated LISTEN connection fans
	// notifications out to the run event stream and both worker pools.
	streamManager := events.NewStreamManager(eventStore, cfg.Gateway.WriteTimeout)
	listener := events.NewListener(dbConfig.DSN(), func(channel, payload string) {
		streamManager.HandleNotification(channel, payload)
		runPool.HandleNotification(channel, payload)
		contPool.HandleNotification(channel, payload)
	})
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start notification listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)

	// Wire listener ↔ manager bidirectional link
	streamManager.SetListener(listener)

	for _, q := range []*queue.Queue{runQueue, contQueue} {
		if err := listener.Listen(ctx, q.NotifyChannel()); err != nil {
			slog.Error("Failed to listen on queue channel",
				"channel", q.NotifyChannel(), "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Streaming infrastructure initialized")

	// 10. Start worker pools (before the HTTP server)
	if err := runPool.Start(ctx); err != nil {
		slog.Error("Failed to start run worker pool", "error", err)
		os.Exit(1)
	}
	if err := contPool.Start(ctx); err != nil {
		slog.Error("Failed to start continuation worker pool", "error", err)
		os.Exit(1)
	}

	// 11. Reaper: requeue work orphaned by a previous crash immediately,
	// then keep scanning in the background.
	reaper := queue.NewReaper(runs, runQueue, contQueue, cfg.Queue)
	if err := reaper.Scan(ctx); err != nil {
		slog.Error("Startup reaper scan failed", "error", err)
		// Non-fatal: the periodic scan retries
	}
	reaper.Start(ctx)

	// 12. Retention cleanup (no-op unless enabled in config)
	cleanupService := cleanup.NewService(cfg.Retention, runs, eventStore, runQueue, contQueue)
	cleanupService.Start(ctx)

	// 13. Gateway HTTP server
	httpServer := gateway.NewServer(cfg.Gateway, dbClient, registry, router, executorStore)
	httpServer.SetRunStream(streamManager)

	// 14. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway HTTP server listening", "addr", cfg.Gateway.ListenAddr)
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Vespid started successfully",
		"pod_id", podID,
		"run_workers", cfg.Queue.RunConcurrency,
		"continuation_workers", cfg.Queue.ContinuationConcurrency)

	// 15. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 16. Graceful shutdown. Pools first: in-flight steps finish their
	// current node and checkpoint, so a timeout here only costs a re-step.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	poolsDone := make(chan struct{})
	go func() {
		runPool.Stop()
		contPool.Stop()
		close(poolsDone)
	}()

	select {
	case <-poolsDone:
		slog.Info("Worker pools stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, running jobs will be reaped on restart")
	}

	reaper.Stop()
	cleanupService.Stop()

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
