// Command sleepcycled is the scheduled worker entrypoint for the seven-phase
// consolidator (spec §4.6): a ticker invokes sleepcycle.Cycle.Run on its
// configured interval, mirroring the ticker-driven background workers and
// graceful-shutdown control flow of brain2-backend/cmd/worker/main.go almost
// exactly.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"

	"brain2-memory/internal/config"
	"brain2-memory/internal/extractor"
	"brain2-memory/internal/graphstore"
	"brain2-memory/internal/graphstore/dynamo"
	"brain2-memory/internal/graphstore/memstore"
	"brain2-memory/internal/llmclient"
	"brain2-memory/internal/logging"
	"brain2-memory/internal/metrics"
	"brain2-memory/internal/sleepcycle"

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := buildStore(ctx, cfg, logger)
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

	m := metrics.New("memory_engine")
	progress := sleepcycle.NewZapProgress(logger)

	var events *sleepcycle.EventPublisher
	if busName := os.Getenv("SLEEP_CYCLE_EVENT_BUS"); busName != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Store.AWSRegion))
		if err != nil {
			logger.Fatal("failed to load AWS config for event publisher", zap.Error(err))
		}
		events = sleepcycle.NewEventPublisher(eventbridge.NewFromConfig(awsCfg), busName, logging.Component(logger, "events"))
	}

	watcher, err := config.NewWatcher(cfg.SleepCycle, os.Getenv("SLEEP_CYCLE_OPTIONS_PATH"), logging.Component(logger, "config_watcher"))
	if err != nil {
		logger.Fatal("failed to start sleep cycle options watcher", zap.Error(err))
	}
	defer watcher.Close()

	cycle := sleepcycle.New(store, extract, logging.Component(logger, "sleepcycle"), m, progress, events)

	interval := getEnvDuration("SLEEP_CYCLE_INTERVAL", time.Hour)
	logger.Info("starting sleep cycle worker", zap.Duration("interval", interval), zap.String("environment", string(cfg.Environment)))

	// abort is closed once, on shutdown, and shared by every cycle the
	// ticker kicks off — each phase checks it the way spec §5 requires
	// ("a single abort signal propagates into every phase").
	abort := make(chan struct{})
	go runScheduled(ctx, cycle, watcher, interval, abort, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down sleep cycle worker")
	close(abort)
	cancel()

	<-time.After(5 * time.Second)
	logger.Info("sleep cycle worker stopped gracefully")
}

func runScheduled(ctx context.Context, cycle *sleepcycle.Cycle, watcher *config.Watcher, interval time.Duration, abort <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := cycle.Run(ctx, watcher.Current(), abort)
			logger.Info("sleep cycle finished",
				zap.Int64("duration_ms", result.DurationMs),
				zap.Bool("aborted", result.Aborted),
				zap.Int("vector_merged", result.Counts.VectorMerged),
				zap.Int("semantic_invalidated", result.Counts.SemanticInvalidated),
				zap.Int("conflicts_resolved", result.Counts.ConflictsResolved),
				zap.Int("promoted", result.Counts.Promoted),
				zap.Int("decayed", result.Counts.Decayed),
				zap.Int("pruned", result.Counts.Pruned),
				zap.Int("noise_deleted", result.Counts.NoiseDeleted),
			)
			if result.Errors != nil {
				logger.Warn("sleep cycle completed with phase errors", zap.Error(result.Errors))
			}
		}
	}
}

func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (graphstore.Store, error) {
	if getEnv("GRAPH_STORE_BACKEND", "dynamo") != "dynamo" {
		logger.Info("using in-memory graph store")
		return memstore.New(), nil
	}

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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
