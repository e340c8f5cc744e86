// Package main is the safemonk server: it wires configuration, the blob and
// relational stores, the rate limiter, the audit logger, and the HTTP
// surface together, then serves until an interrupt signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mdotk/safemonk/internal/api"
	"github.com/mdotk/safemonk/internal/audit"
	"github.com/mdotk/safemonk/internal/blob"
	"github.com/mdotk/safemonk/internal/config"
	"github.com/mdotk/safemonk/internal/debug"
	"github.com/mdotk/safemonk/internal/metrics"
	"github.com/mdotk/safemonk/internal/middleware"
	"github.com/mdotk/safemonk/internal/ratelimit"
	"github.com/mdotk/safemonk/internal/store"
	"github.com/mdotk/safemonk/internal/telemetry"
)

var (
	version = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults and env vars apply regardless)")
	allowedOrigin := flag.String("allowed-origin", "", "exact Origin value to accept on state-changing requests; empty disables the check")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	debug.InitFromLogLevel(cfg.Server.LogLevel)
	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize tracing")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.WithError(err).Warn("failed to flush tracer on shutdown")
		}
	}()

	metrics.SetVersion(version)
	m := metrics.NewMetrics()

	blobStore, err := newBlobStore(cfg, m)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize blob store")
	}

	burnStore, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, blobStore, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open database")
	}
	defer burnStore.Close()
	if err := burnStore.Migrate(store.Schema); err != nil {
		logger.WithError(err).Fatal("failed to apply schema")
	}

	limiter := newLimiter(cfg, logger)

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize audit logger")
	}
	defer auditLogger.Close()

	handler := api.New(burnStore, limiter, logger, m, auditLogger, *allowedOrigin)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	var rootHandler http.Handler = router
	rootHandler = middleware.RecoveryMiddleware(logger)(rootHandler)
	rootHandler = middleware.LoggingMiddleware(logger)(rootHandler)

	srv := &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        otelhttp.NewHandler(rootHandler, "safemonk"),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	stopSweeper := runSweeper(burnStore, blobStore, auditLogger, cfg.Sweeper, logger, m)
	defer stopSweeper()

	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}

// newBlobStore builds the blob backend per cfg.Backend.Provider: a local
// filesystem root, or any of internal/blob's S3-compatible providers.
func newBlobStore(cfg *config.Config, m *metrics.Metrics) (store.BlobStore, error) {
	if cfg.Backend.Provider == "filesystem" {
		return blob.NewFSStore(cfg.Backend.BasePath)
	}
	if !blob.IsProviderSupported(cfg.Backend.Provider) {
		return nil, fmt.Errorf("unsupported backend provider %q", cfg.Backend.Provider)
	}
	s3Store, err := blob.NewS3Store(&cfg.Backend)
	if err != nil {
		return nil, err
	}
	return s3Store.WithMetrics(m), nil
}

// newLimiter builds a rate limiter against Redis, or one whose limits map
// is empty (so every bucket is unconditionally allowed) when disabled.
func newLimiter(cfg *config.Config, logger *logrus.Logger) *ratelimit.Limiter {
	limits := map[string]int{}
	if cfg.RateLimit.Enabled {
		limits = cfg.RateLimit.Limits()
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.RateLimit.RedisAddr,
		DB:   cfg.RateLimit.RedisDB,
	})
	return ratelimit.New(client, cfg.RateLimit.Window, limits, logger)
}

// runSweeper starts a background loop that reclaims expired notes, files,
// and download tokens on cfg.Interval, deleting the corresponding blobs for
// any file the sweep reclaimed. It returns a function that stops the loop.
func runSweeper(s *store.Store, blobStore store.BlobStore, auditLogger audit.Logger, cfg config.SweeperConfig, logger *logrus.Logger, m *metrics.Metrics) func() {
	ctx, cancel := context.WithCancel(context.Background())
	ticker := time.NewTicker(cfg.Interval)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				result, err := s.SweepExpired(ctx, cfg.BatchSize)
				if err != nil {
					auditLogger.LogSweep(0, 0, 0, false, err, time.Since(start))
					logger.WithError(err).Error("sweep failed")
					continue
				}
				for _, path := range result.ReclaimedFilePaths {
					if err := blobStore.DeletePrefix(ctx, path); err != nil {
						logger.WithError(err).WithField("path", path).Warn("failed to reclaim blob after sweep")
					}
				}
				auditLogger.LogSweep(result.NotesDeleted, result.FilesDeleted, result.TokensDeleted, true, nil, time.Since(start))
				m.RecordSweeperReclaimed("note", result.NotesDeleted)
				m.RecordSweeperReclaimed("file", result.FilesDeleted)
				m.RecordSweeperReclaimed("token", result.TokensDeleted)
				if result.NotesDeleted+result.FilesDeleted+result.TokensDeleted > 0 {
					logger.WithFields(logrus.Fields{
						"notes_deleted":  result.NotesDeleted,
						"files_deleted":  result.FilesDeleted,
						"tokens_deleted": result.TokensDeleted,
					}).Info("sweep reclaimed expired records")
				}
			}
		}
	}()

	return func() {
		ticker.Stop()
		cancel()
		<-done
	}
}
