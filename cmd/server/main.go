// Image Server
//
// Features:
// - Content-addressed uploads with dedup across the local and remote tiers
// - Background derivation of fixed size classes (Redis, AMQP or in-memory queue)
// - On-demand transforms with a response cache (Redis or in-memory)
// - Reconciliation sweep for uploads left behind in the local tier
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/withDustin/targeek-image-server/internal/api"
	"github.com/withDustin/targeek-image-server/internal/auth"
	"github.com/withDustin/targeek-image-server/internal/cache"
	"github.com/withDustin/targeek-image-server/internal/config"
	"github.com/withDustin/targeek-image-server/internal/content"
	"github.com/withDustin/targeek-image-server/internal/deadletter"
	"github.com/withDustin/targeek-image-server/internal/delivery"
	"github.com/withDustin/targeek-image-server/internal/logging"
	"github.com/withDustin/targeek-image-server/internal/metrics"
	"github.com/withDustin/targeek-image-server/internal/pipeline"
	"github.com/withDustin/targeek-image-server/internal/queue"
	"github.com/withDustin/targeek-image-server/internal/storage"
	"github.com/withDustin/targeek-image-server/internal/storage/local"
	"github.com/withDustin/targeek-image-server/internal/sweep"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("image server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("env", cfg.AppEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage tiers
	localTier, err := local.New(local.Config{RootPath: cfg.UploadDir, CreateDirs: true})
	if err != nil {
		logging.Fatal("local tier init failed", zap.Error(err))
	}
	remoteTier, err := storage.NewRemoteFromConfig(ctx, cfg.RemoteBackend, cfg.RemoteConfig())
	if err != nil {
		logging.Fatal("remote tier init failed", zap.Error(err))
	}
	defer remoteTier.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = remoteTier.Ping(pingCtx)
	pingCancel()
	if err != nil {
		logging.Fatal("remote tier unreachable", zap.String("backend", cfg.RemoteBackend), zap.Error(err))
	}
	logging.Info("storage tiers ready",
		zap.String("upload_dir", cfg.UploadDir),
		zap.String("backend", remoteTier.Type()),
		zap.String("bucket", cfg.S3Bucket))

	resolver := storage.NewResolver(localTier, remoteTier, cfg.S3ObjectACL)
	addresser := content.NewAddresser(resolver)
	pipe := pipeline.New(resolver, pipeline.Config{
		Format:  cfg.CanonicalFormat,
		Quality: cfg.DefaultQuality,
	})

	// Dead-letter ledger
	var sink deadletter.Sink = deadletter.LogSink{}
	if cfg.DatabaseURL != "" {
		pg, err := deadletter.NewPostgresSink(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("dead-letter database connection failed", zap.Error(err))
		}
		defer pg.Close()
		sink = pg
		logging.Info("dead-letter ledger enabled")
	}

	// Work queue
	var (
		jobs     *queue.Queue
		sweepQ   sweep.Queue = pipeline.Inline{P: pipe}
		enqueuer api.Enqueuer
	)
	if cfg.EnableQueue {
		broker, err := queue.NewBrokerFromConfig(ctx, queue.BrokerConfig{
			Backend:  cfg.QueueBackend,
			Name:     cfg.QueueName,
			RedisURL: cfg.RedisURL,
			AMQPURL:  cfg.AMQPURL,
			Prefetch: cfg.QueueConcurrency,
		})
		if err != nil {
			logging.Fatal("queue broker init failed", zap.String("backend", cfg.QueueBackend), zap.Error(err))
		}
		defer broker.Close()

		jobs = queue.New(broker, pipe.Process, sink, queue.Config{
			Concurrency: cfg.QueueConcurrency,
			RetryDelay:  cfg.QueueRetryDelay,
			MaxAttempts: cfg.QueueMaxAttempts,
		})
		jobs.Start(ctx)
		defer jobs.Stop()
		sweepQ = jobs
		enqueuer = jobs
		logging.Info("queue initialized", zap.String("backend", cfg.QueueBackend), zap.String("name", cfg.QueueName))
	} else {
		logging.Info("queue disabled, uploads are processed inline")
	}

	// Reconciliation sweep
	sweeper, err := sweep.New(localTier, sweepQ, sweep.Config{
		Cron:         cfg.HealthCheckCron,
		Interval:     cfg.HealthCheckInterval,
		InitialDelay: cfg.HealthCheckDelay,
		Cooldown:     cfg.HealthCheckCooldown,
	})
	if err != nil {
		logging.Fatal("sweep init failed", zap.Error(err))
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Read path
	store, err := newCacheStore(ctx, cfg)
	if err != nil {
		logging.Fatal("cache init failed", zap.String("backend", cfg.CacheBackend), zap.Error(err))
	}
	defer store.Close()

	var placeholder []byte
	if cfg.PlaceholderPath != "" {
		placeholder, err = os.ReadFile(cfg.PlaceholderPath)
		if err != nil {
			logging.Fatal("failed to read placeholder", zap.String("path", cfg.PlaceholderPath), zap.Error(err))
		}
	}
	deliverySvc := delivery.New(resolver, store, delivery.Config{
		Format:  cfg.CanonicalFormat,
		Quality: cfg.DefaultQuality,
		TTL: cache.TTLPolicy{
			Success:  cfg.CacheExpire,
			NotFound: cfg.CacheNotFoundTTL,
			Error:    cfg.CacheErrorTTL,
		},
		Placeholder: placeholder,
	})

	var authHandler *auth.Auth
	if cfg.UploadJWTSecret != "" {
		authHandler = auth.New(cfg.UploadJWTSecret)
		logging.Info("upload authentication enabled")
	}

	// Create API server
	srv := api.NewServer(resolver, addresser, deliverySvc, enqueuer, pipe, authHandler, api.Config{
		MaxUploadFiles:     cfg.MaxUploadFiles,
		MaxFileSize:        cfg.MaxFileSize(),
		DelayAfterUploaded: cfg.DelayAfterUploaded,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown incomplete", zap.Error(err))
		}
		metricsServer.Close()
		cancel()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	<-ctx.Done()
}

func newCacheStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	if cfg.CacheBackend != "redis" {
		return cache.NewMemoryStore(), nil
	}
	client, err := queue.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return cache.NewRedisStore(client, "cache:"), nil
}
