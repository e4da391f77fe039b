package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/stockpilot-ai/platform/pkg/common/config"
	"github.com/stockpilot-ai/platform/pkg/common/database"
	"github.com/stockpilot-ai/platform/pkg/common/kafka"
	"github.com/stockpilot-ai/platform/pkg/common/logger"
	"github.com/stockpilot-ai/platform/pkg/importer"
	"github.com/stockpilot-ai/platform/pkg/importlock"
	"github.com/stockpilot-ai/platform/pkg/mapping"
	"github.com/stockpilot-ai/platform/pkg/postprocess"
	"github.com/stockpilot-ai/platform/pkg/recompute"
	"github.com/stockpilot-ai/platform/pkg/supervisor"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.NewPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres(db)

	redisClient := database.NewRedis(cfg)
	defer database.CloseRedis(redisClient)

	batchRepo := importer.NewRepository(db)
	if err := batchRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate import tables")
	}

	correctionRepo := mapping.NewRepository(db)
	if err := correctionRepo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate mapping tables")
	}

	lockStore, err := importlock.NewPostgresStore(db)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to initialise lock store")
	}
	locks := importlock.NewManager(lockStore, batchRepo, cfg.StalenessCeiling)

	resolver := supervisor.NewResolver(cfg.WorkerInterpreters, cfg.WorkerRequiredModules)
	worker := supervisor.New(resolver, batchRepo, cfg.PostgresDSN(), cfg.WorkerScript,
		cfg.WorkerTimeout, cfg.WorkerPartialExitCode)

	jobs := recompute.NewJobs(db, redisClient)
	orchestrator := postprocess.NewOrchestrator(jobs.Set(cfg))

	vocab, err := mapping.LoadVocabulary(cfg.MappingVocabularyPath)
	if err != nil {
		logger.Log.WithError(err).Warn("failed to load mapping vocabulary, using defaults")
	}
	detector := mapping.NewDetector(vocab)
	suggester := mapping.NewSuggester(vocab, correctionRepo)

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.ImportEventTopic)
	defer producer.Close()

	svc := importer.NewService(batchRepo, locks, worker, orchestrator,
		detector, suggester, correctionRepo, producer, cfg.UploadDir)
	handler := importer.NewHTTPHandler(svc, cfg.MaxRequestBody)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	handler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Import Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Import Service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Import Service stopped")
}
