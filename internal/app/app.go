package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/blob"
	"mail-dispatch-go/internal/classifier"
	"mail-dispatch-go/internal/config"
	"mail-dispatch-go/internal/db"
	"mail-dispatch-go/internal/dispatch"
	"mail-dispatch-go/internal/fetcher"
	"mail-dispatch-go/internal/handler"
	"mail-dispatch-go/internal/ingest"
	"mail-dispatch-go/internal/kvstore"
	"mail-dispatch-go/internal/metrics"
	"mail-dispatch-go/internal/poller"
	"mail-dispatch-go/internal/queue"
	"mail-dispatch-go/internal/repository"
	"mail-dispatch-go/internal/server"
	"mail-dispatch-go/internal/workflow"
)

// Run initializes and starts the application
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetLevel(logrus.InfoLevel)

	logrus.Info("Starting Mail Dispatch Service")

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	dbConn, err := db.Init(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	m := metrics.NewMetrics()

	blobs, err := blob.NewFileStore(cfg.Blob.RootDir)
	if err != nil {
		return fmt.Errorf("failed to create blob store: %w", err)
	}

	accounts := repository.NewAccountRepository(dbConn)
	messages := repository.NewMessageRepository(dbConn)
	events := repository.NewEventRepository(dbConn)
	suggestions := repository.NewSuggestionRepository(dbConn)
	tasks := repository.NewTaskRepository(dbConn)
	instances := repository.NewWorkflowRepository(dbConn)

	kv := kvstore.New(dbConn, cfg.Poller.CheckpointTTL)

	mux := fetcher.NewMux(fetcher.NewIMAPFetcher(), fetcher.NewGmailFetcher(&cfg.Gmail))

	engine := workflow.NewDurableEngine(instances)
	engine.Register(workflow.NewApprovalWorkflow(
		suggestions,
		workflow.LogMaterializer{},
		workflow.LogNotifier{},
		cfg.Workflow.ApprovalTimeout,
		cfg.Workflow.SideEffectRetries,
		m,
	))
	engine.Register(workflow.NewTriageWorkflow())

	cls := classifier.NewOpenRouterClient(&cfg.Classifier)
	dispatcher := dispatch.NewDispatcher(events, cls, engine, dispatch.DefaultRoutes(), m)

	q := queue.NewQueue(tasks, cfg.Queue.MaxAttempts)
	worker := ingest.NewWorker(messages, accounts, blobs, dispatcher, mux, m)
	pool := queue.NewWorkerPool(q, worker, cfg.Queue.Workers, cfg.Queue.BaseBackoff, cfg.Queue.PollInterval, cfg.Queue.LeaseTTL, m)

	p := poller.NewPoller(&cfg.Poller, accounts, kv, mux, q, m)

	h := handler.NewHandlers(dbConn, accounts, events, suggestions, engine, p, m)
	router := server.SetupRouter(h)
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	pool.Start()
	engine.StartSweeper(cfg.Workflow.SweepInterval)
	if err := p.Start(); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}

	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.Stop(); err != nil {
		logrus.Errorf("Failed to stop poller: %v", err)
	}
	p.Wait()

	pool.Stop()
	engine.StopSweeper()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return nil
}
