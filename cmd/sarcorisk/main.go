package main

import (
	"context"
	"log"

	"net/http"

	"sarcorisk/internal/audit"
	"sarcorisk/internal/config"
	"sarcorisk/internal/cox"
	"sarcorisk/internal/engine"
	"sarcorisk/internal/server"
	"sarcorisk/pkg/logging"
	otelobs "sarcorisk/pkg/observability/otel"
)

func main() {
	cfg := config.Load()
	logger := logging.New("sarcorisk")

	// Artifacts load exactly once; a broken bundle must stop the process
	// before it can serve a single request.
	bundle, err := cox.LoadBundle(cfg.ArtifactDir)
	if err != nil {
		log.Fatalf("failed to load model bundle from %s: %v", cfg.ArtifactDir, err)
	}
	eng, err := engine.New(bundle, cfg.ReferenceHorizon)
	if err != nil {
		log.Fatalf("failed to initialize engine: %v", err)
	}
	logger.Info("model bundle loaded", logging.Fields{
		"model":             bundle.Manifest.Name,
		"version":           bundle.Manifest.Version,
		"schema_version":    bundle.Schema.Version(),
		"folds":             len(bundle.Models),
		"reference_horizon": cfg.ReferenceHorizon,
	})

	var store audit.Store
	if cfg.DisableDB {
		logger.Info("DISABLE_DB=true; prediction audit disabled", nil)
		store = audit.NopStore{}
	} else {
		s, err := audit.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to initialize audit store: %v", err)
		}
		store = s
	}
	defer store.Close()

	var cache server.Cache = server.NopCache{}
	if cfg.RedisAddr != "" {
		c, err := server.NewRedisCache(cfg.RedisAddr, cfg.CacheTTL)
		if err != nil {
			log.Fatalf("failed to connect to redis at %s: %v", cfg.RedisAddr, err)
		}
		cache = c
	}

	srv := server.New(eng, cache, store, logger)
	mux := srv.Routes()

	shutdown := otelobs.InitTracer("sarcorisk")
	defer shutdown(context.Background())
	h := otelobs.WrapHTTPHandler("sarcorisk", otelobs.AccessLogMiddleware(logger, mux))

	logger.Info("sarcorisk prediction service starting", logging.Fields{"port": cfg.Port})
	log.Fatal(http.ListenAndServe(":"+cfg.Port, h))
}
