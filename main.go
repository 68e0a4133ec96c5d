package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"permnet/config"
	"permnet/db"
	qhttp "permnet/http"
	"permnet/logging"
	"permnet/ml"
	"permnet/monitoring"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: ./config.yaml or ../config.yaml)")
	flag.Parse()

	// 1. Load config
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Logger
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 3. Model loader and predictor
	metrics := monitoring.NewInferenceMetrics()
	loader := ml.NewLoader(cfg.Model.ArtifactSource(),
		ml.WithArtifactNames(cfg.Model.WeightsFile, cfg.Model.ScalerFile),
		ml.WithLoaderLogger(logger),
	)

	var server *qhttp.Server
	predictor := ml.NewPredictor(loader,
		ml.WithLogger(logger),
		ml.WithCacheSize(cfg.Model.CacheSize),
		ml.WithLoadHook(func(err error) {
			metrics.RecordLoad(err)
			if server != nil {
				server.Hub().BroadcastModelStatus(err)
			}
		}),
	)

	api := &qhttp.API{Predictor: predictor, Metrics: metrics, Logger: logger}

	// 4. Prediction history
	if cfg.History.Path != "" {
		store, err := db.Open(cfg.History.Path)
		if err != nil {
			logger.Fatal("Failed to open history database", zap.String("path", cfg.History.Path), zap.Error(err))
		}
		defer store.Close()
		api.History = store
		logger.Info("History database initialized", zap.String("path", cfg.History.Path))
	}

	server = qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		Timeout:        cfg.HTTP.Timeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
	}, api)

	// 5. Initial load; the service stays up and answers 503 until a load succeeds
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loadCtx, loadCancel := context.WithTimeout(ctx, cfg.Model.FetchTimeout)
	if !predictor.LoadModel(loadCtx) {
		logger.Warn("Model not loaded at startup", zap.String("source", loader.Source().String()))
	}
	loadCancel()

	if cfg.Model.Watch && cfg.Model.Source == config.SourceFile {
		weights, scaler := loader.ArtifactNames()
		watcher, err := ml.WatchArtifacts(ctx, predictor, cfg.Model.Dir, []string{weights, scaler}, cfg.Model.WatchDebounce, logger)
		if err != nil {
			logger.Error("Failed to watch model artifacts", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	// 6. Start HTTP server
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 7. Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	if err := server.Stop(); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Exiting")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		if path, err = config.Find(wd); err != nil {
			return nil, err
		}
	}
	return config.Load(path)
}
