package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/gateway-fm/cfdi-descarga/internal/api"
	"github.com/gateway-fm/cfdi-descarga/internal/config"
	"github.com/gateway-fm/cfdi-descarga/internal/credential"
	"github.com/gateway-fm/cfdi-descarga/internal/health"
	"github.com/gateway-fm/cfdi-descarga/internal/job"
	"github.com/gateway-fm/cfdi-descarga/internal/metrics"
	"github.com/gateway-fm/cfdi-descarga/internal/persistence"
	"github.com/gateway-fm/cfdi-descarga/internal/sat"
	"github.com/gateway-fm/cfdi-descarga/internal/signer"
)

func main() {
	// Configuration flags
	configPath := flag.String("config", "", "YAML configuration file (defaults apply when empty)")
	grpcAddr := flag.String("grpc", ":50051", "gRPC server address")
	httpAddr := flag.String("http", ":8080", "HTTP server address")
	dbPath := flag.String("db", "descarga.db", "SQLite database path")
	schedulerInterval := flag.String("scheduler-interval", "", "How often to look for queued jobs (e.g., 10s, 1m); overrides the config file")
	adminAPIKey := flag.String("admin-api-key", "", "API key for configuration and scheduler endpoints")
	flag.Parse()

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *schedulerInterval != "" {
		interval, err := time.ParseDuration(*schedulerInterval)
		if err != nil {
			log.Fatalf("Invalid scheduler interval: %v", err)
		}
		cfg.Scheduler.Interval = interval
	}

	// Initialize database
	sqlDB, err := persistence.OpenSqlite(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if closeErr := sqlDB.Close(); closeErr != nil {
			slog.Error("failed to close database", "err", closeErr)
		}
	}()

	db, err := job.NewSqliteStore(sqlDB)
	if err != nil {
		log.Fatalf("Failed to initialize job store: %v", err)
	}

	if *adminAPIKey == "" {
		slog.Error("no admin API key provided - cannot start")
		return
	}
	if err = hashAndStoreKey(db, api.AdminKeyCredential, *adminAPIKey); err != nil {
		slog.Error("failed to hash admin API key", "err", err)
		return
	}

	// The file only seeds fallback codes; runtime changes made over the API win.
	if err := db.SeedConfigValue(job.ConfigFallbackCodes, strings.Join(cfg.Fallback.Codes, ",")); err != nil {
		slog.Error("failed to seed fallback codes", "err", err)
		return
	}
	if codes, err := db.GetConfigValue(job.ConfigFallbackCodes); err == nil {
		slog.Info("configured fallback codes", "val", codes)
	}

	clock := clockwork.NewRealClock()

	store, err := credentialStore(ctx, cfg.Credentials)
	if err != nil {
		log.Fatalf("Failed to initialize credential store: %v", err)
	}

	var sink persistence.Sink
	sqliteSink, err := persistence.NewSqliteSink(sqlDB)
	if err != nil {
		log.Fatalf("Failed to initialize document store: %v", err)
	}
	sink = sqliteSink
	if cfg.Archive.Bucket != "" {
		sink, err = persistence.NewS3Archive(ctx, persistence.S3ArchiveConfig{
			Bucket:   cfg.Archive.Bucket,
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
		}, sqliteSink)
		if err != nil {
			log.Fatalf("Failed to initialize archive: %v", err)
		}
		slog.Info("archiving documents", "bucket", cfg.Archive.Bucket)
	}

	var locker job.Locker = job.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		client, err := job.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				slog.Error("failed to close redis client", "err", closeErr)
			}
		}()
		locker = job.NewRedisLocker(client, cfg.Redis.LockTTL)
		slog.Info("using redis job locks", "address", cfg.Redis.Addr)
	}

	endpoints := sat.Endpoints{
		Auth:     cfg.Endpoints.Auth,
		Request:  cfg.Endpoints.Request,
		Verify:   cfg.Endpoints.Verify,
		Download: cfg.Endpoints.Download,
	}
	remote := sat.NewClient(endpoints, sat.Options{
		Timeout:      cfg.Transport.Timeout,
		RetryMax:     cfg.Transport.RetryMax,
		RetryWaitMin: cfg.Transport.RetryWaitMin,
		RetryWaitMax: cfg.Transport.RetryWaitMax,
	})

	// Metrics
	var updater *metrics.Updater
	reporter := metrics.NewPrometheusReporter(func() { updater.Trigger() })
	updater = metrics.NewUpdater(db, reporter, time.Minute)

	orchestrator := job.NewOrchestrator(job.Deps{
		Db:          db,
		Locker:      locker,
		Credentials: credential.NewLoader(store, clock),
		Signer:      signer.New(clock, signer.WithAlgorithm(cfg.Signing.Algorithm)),
		Remote:      remote,
		Sink:        sink,
		Recorder:    reporter,
		Clock:       clock,
	}, job.PollConfig{
		Interval:    cfg.Poll.Interval,
		MaxAttempts: cfg.Poll.MaxAttempts,
		Timeout:     cfg.Poll.Timeout,
		TokenTTL:    cfg.Poll.TokenTTL,
	}, cfg.Scheduler.MaxConcurrent)

	// Jobs left mid-flight by a previous process can never resume.
	if n, err := orchestrator.Recover(ctx); err != nil {
		slog.Error("failed to recover interrupted jobs", "err", err)
	} else if n > 0 {
		slog.Warn("marked interrupted jobs", "count", n)
	}

	service := job.NewService(db, clock)

	// Start scheduler for dispatching queued jobs
	scheduler, err := job.NewScheduler(db, orchestrator, cfg.Scheduler.Interval)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	service.OnQueued(scheduler.Trigger)
	scheduler.Start(ctx)
	updater.Start(ctx)

	// Create health service with root context
	healthService := health.NewService(ctx)
	healthService.AddCheck("db", db.Ping)

	// Create and register gRPC server
	grpcServer := grpc.NewServer()
	api.NewGRPCServer(service).Register(grpcServer)
	healthpb.RegisterHealthServer(grpcServer, healthService.GRPC())

	// Create and register HTTP handlers
	mux := http.NewServeMux()
	api.NewAPIServer(service, db, endpoints).RegisterHandlers(mux)
	health.NewApi(healthService).RegisterHandlers(mux)
	reporter.WireUpHttpMetrics(mux)

	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	servers, serversCtx := errgroup.WithContext(ctx)
	servers.Go(func() error {
		return startGRPCServer(grpcServer, *grpcAddr)
	})
	servers.Go(func() error {
		slog.Info("http server listening", "address", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	})

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Wait for a signal or a server failure
	select {
	case <-sigCh:
		slog.Info("received shutdown signal")
	case <-serversCtx.Done():
		slog.Error("server stopped unexpectedly", "err", context.Cause(serversCtx))
	}

	slog.Info("shutting down...")
	healthService.Shutdown()

	// Stop dispatching, then cancel running jobs; each one records itself as
	// interrupted before returning.
	scheduler.Stop()
	cancel()

	// Create a shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownComplete := make(chan struct{})
	go func() {
		slog.Info("waiting for running jobs to stop...")
		orchestrator.Wait()

		slog.Info("shutting down gRPC server...")
		grpcServer.GracefulStop()
		slog.Info("gRPC server shut down")

		// This will wait for all active HTTP requests to complete
		slog.Info("shutting down HTTP server...")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "err", err)
		}
		slog.Info("HTTP server shut down")

		close(shutdownComplete)
	}()

	// Wait for shutdown to complete or timeout
	select {
	case <-shutdownComplete:
		if err := servers.Wait(); err != nil {
			slog.Error("server error", "err", err)
		}
		slog.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		slog.Warn("shutdown timeout exceeded, forcing shutdown")
		grpcServer.Stop() // Force stop gRPC if still running
	}

	slog.Info("shutdown complete")
}

func credentialStore(ctx context.Context, cfg config.Credentials) (credential.Store, error) {
	if cfg.Dir != "" || cfg.Bucket == "" {
		dir := cfg.Dir
		if dir == "" {
			dir = "credentials"
		}
		slog.Info("loading credentials from directory", "dir", dir)
		return credential.NewFileStore(dir), nil
	}
	slog.Info("loading credentials from bucket", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return credential.NewS3Store(ctx, credential.S3StoreConfig{
		Bucket:   cfg.Bucket,
		Prefix:   cfg.Prefix,
		Region:   cfg.Region,
		Endpoint: cfg.Endpoint,
	})
}

func startGRPCServer(server *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	slog.Info("gRPC server listening", "address", addr)
	return server.Serve(lis)
}

func hashAndStoreKey(db job.Db, dbKey string, key string) error {
	hashedKey, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := db.SetCredential(dbKey, string(hashedKey)); err != nil {
		return err
	}
	return nil
}
