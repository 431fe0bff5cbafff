package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/groupscribe/groupscribe/internal/bot"
	"github.com/groupscribe/groupscribe/internal/gateway"
	"github.com/groupscribe/groupscribe/internal/llm"
	"github.com/groupscribe/groupscribe/internal/search"
	"github.com/groupscribe/groupscribe/internal/segment"
	"github.com/groupscribe/groupscribe/internal/storage"
	"github.com/groupscribe/groupscribe/internal/synthesizer"
	"github.com/groupscribe/groupscribe/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	// Initialize the model client
	model, err := llm.NewClient(llm.ClientConfig{
		APIKey:         cfg.OpenAI.APIKey,
		ChatModel:      cfg.OpenAI.Model,
		EmbeddingModel: cfg.OpenAI.EmbeddingModel,
		MaxAttempts:    cfg.OpenAI.MaxAttempts,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create model client", zap.Error(err))
	}

	// Initialize the gateway client and ingestion pipeline
	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.Username, cfg.Gateway.Password, logger)
	loader := synthesizer.NewLoader(store, model, cfg.Gateway.SelfJID, segment.Options{
		GapHours: cfg.Ingest.GapHours,
		MinSize:  cfg.Ingest.MinSize,
		MaxSize:  cfg.Ingest.MaxSize,
		Overlap:  cfg.Ingest.Overlap,
	}, logger)
	retriever := search.NewRetriever(store, logger)

	// Initialize the handler
	handler := bot.NewHandler(store, model, gw, retriever, loader, bot.Options{
		SelfJID:         cfg.Gateway.SelfJID,
		RateLimitMax:    cfg.Bot.RateLimitMax,
		RateLimitWindow: time.Duration(cfg.Bot.RateLimitWindowMinutes) * time.Minute,
		DedupTTL:        time.Duration(cfg.Bot.DedupTTLMinutes) * time.Minute,
	}, logger)
	defer handler.Close()

	// Schedule background jobs
	scheduler := cron.New()
	schedule(scheduler, logger, cfg.Bot.IngestCron, "ingest", loader.LoadAllGroups)
	schedule(scheduler, logger, cfg.Bot.DigestCron, "digest sync", handler.SyncDigests)
	schedule(scheduler, logger, cfg.Bot.GroupSyncCron, "group sync", handler.SyncGroups)
	scheduler.Start()
	defer scheduler.Stop()

	// Serve the gateway webhook
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var payload gateway.WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			logger.Warn("Bad webhook payload", zap.Error(err))
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		if err := handler.HandleMessage(r.Context(), &payload); err != nil {
			logger.Error("Failed to handle message", zap.Error(err))
		}
		// The gateway retries non-200 responses; handling errors are
		// logged instead so a poison message cannot wedge the queue.
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	go func() {
		logger.Info("Listening for webhooks", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
}

func schedule(scheduler *cron.Cron, logger *zap.Logger, spec, name string, job func(context.Context) error) {
	if spec == "" {
		return
	}
	_, err := scheduler.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := job(ctx); err != nil {
			logger.Error("Scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	})
	if err != nil {
		logger.Fatal("Failed to schedule job", zap.String("job", name), zap.Error(err))
	}
}
