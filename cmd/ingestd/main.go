// Command ingestd is the thin HTTP surface in front of the attention gate:
// the ingest half of the data flow spec §2 describes ("raw text ->
// Attention Gate -> (if passed) Graph Store insert -> Background Extraction
// (async)"). It owns no business logic — gate.Gate, graphstore.Store, and
// background.Runner carry all of it — mirroring the thin main()
// brain2-backend/cmd/api/main.go uses over its DI container.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"brain2-memory/internal/background"
	"brain2-memory/internal/config"
	"brain2-memory/internal/embedclient"
	"brain2-memory/internal/extractor"
	"brain2-memory/internal/gate"
	"brain2-memory/internal/graphstore"
	"brain2-memory/internal/graphstore/dynamo"
	"brain2-memory/internal/graphstore/memstore"
	"brain2-memory/internal/ingesthttp"
	"brain2-memory/internal/llmclient"
	"brain2-memory/internal/logging"
	"brain2-memory/internal/metrics"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(string(cfg.Environment))
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	store, err := buildStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize graph store", zap.Error(err))
	}

	llm := llmclient.New(llmclient.Config{
		Endpoint:   cfg.Extraction.Endpoint,
		Model:      cfg.Extraction.Model,
		APIKey:     cfg.Extraction.APIKey,
		MaxRetries: cfg.Extraction.MaxRetries,
		Timeout:    cfg.Extraction.Timeout,
	})
	extract := extractor.New(extractor.Config{
		Enabled:    cfg.Extraction.Enabled,
		Model:      cfg.Extraction.Model,
		Endpoint:   cfg.Extraction.Endpoint,
		MaxRetries: cfg.Extraction.MaxRetries,
	}, llm)

	runner := background.New(store, extract, logging.Component(logger, "background"))
	m := metrics.New("memory_engine")
	g := gate.New(cfg.Gate)
	embedder := embedclient.New(embedclient.Config{
		Endpoint: getEnv("EMBEDDING_ENDPOINT", "http://localhost:11434/v1/embeddings"),
		Model:    getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		APIKey:   cfg.Extraction.APIKey,
		Timeout:  cfg.Extraction.Timeout,
	})

	handler := ingesthttp.New(g, store, runner, embedder, m, logging.Component(logger, "ingest"))
	router := ingesthttp.NewRouter(handler)

	addr := getEnv("INGEST_ADDR", ":8080")
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting ingest service", zap.String("address", addr), zap.String("environment", string(cfg.Environment)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("ingest server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down ingest service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ingest server shutdown did not complete cleanly", zap.Error(err))
	}
}

// buildStore selects the graph store backend: DynamoDB unless
// GRAPH_STORE_BACKEND is set to a value other than "dynamo", in which case
// the in-memory store (suitable for single-process deployments) is used.
func buildStore(cfg *config.Config, logger *zap.Logger) (graphstore.Store, error) {
	if getEnv("GRAPH_STORE_BACKEND", "dynamo") != "dynamo" {
		logger.Info("using in-memory graph store")
		return memstore.New(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Store.AWSRegion))
	if err != nil {
		return nil, err
	}
	client := dynamodb.NewFromConfig(awsCfg)
	logger.Info("using DynamoDB graph store", zap.String("table", cfg.Store.TableName))
	return dynamo.NewStore(client, cfg.Store.TableName, "GSI1"), nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
