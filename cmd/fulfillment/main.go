// The fulfillment worker drives the bundle lifecycle: it packs uploaded
// data items into bundle plans, prepares and signs bundle transactions,
// posts them to the gateway, seeds their chunks, and verifies permanence.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/permanode/fulfillment/internal/arweave"
	"github.com/permanode/fulfillment/internal/cache"
	"github.com/permanode/fulfillment/internal/config"
	"github.com/permanode/fulfillment/internal/database"
	"github.com/permanode/fulfillment/internal/gateway"
	"github.com/permanode/fulfillment/internal/jobs"
	"github.com/permanode/fulfillment/internal/objectstore"
	"github.com/permanode/fulfillment/internal/packer"
	"github.com/permanode/fulfillment/internal/pricing"
	"github.com/permanode/fulfillment/internal/queue"
	"github.com/permanode/fulfillment/internal/repository"
	"github.com/permanode/fulfillment/internal/scheduler"
	"github.com/permanode/fulfillment/internal/worker"
)

const (
	// inflightTTL caps how long an id stays marked in flight if a consumer
	// dies before releasing it.
	inflightTTL = 2 * time.Minute

	shutdownTimeout = 10 * time.Second
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fulfillment worker exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Info("starting fulfillment worker",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if cfg.Database.MigrateOnStartup {
		if err := db.RunMigrations(cfg.Database); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		log.Info("database migrations applied")
	}

	inflight, closeCache, err := buildInflightCache(cfg.Redis, log)
	if err != nil {
		return err
	}
	defer closeCache()

	store, err := buildObjectStore(ctx, cfg.AWS, log)
	if err != nil {
		return err
	}

	sqsClient, err := queue.NewSQSClient(ctx, cfg.AWS)
	if err != nil {
		return fmt.Errorf("create sqs client: %w", err)
	}
	prepareQueue := queue.NewSQSQueue(sqsClient, cfg.Queues.PrepareBundleURL)
	postQueue := queue.NewSQSQueue(sqsClient, cfg.Queues.PostBundleURL)
	seedQueue := queue.NewSQSQueue(sqsClient, cfg.Queues.SeedBundleURL)

	wallet, err := arweave.LoadWallet(cfg.Gateway.WalletFile)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	log.Info("wallet loaded", slog.String("address", wallet.Address()))

	gw, err := gateway.NewClient(cfg.Gateway, log)
	if err != nil {
		return fmt.Errorf("create gateway client: %w", err)
	}
	price := pricing.NewHTTPPricing(cfg.Gateway, log)

	dataItems := repository.NewDataItemRepo(db.Pool(), cfg.Jobs.RetryLimitForFailedItems, log)
	bundles := repository.NewBundleRepo(db.Pool(), dataItems, log)

	pack := packer.New(packer.Options{
		MaxBundleSize:        cfg.Packer.MaxBundleSize,
		MaxDataItemSize:      cfg.Packer.MaxDataItemSize,
		MaxDataItemLimit:     cfg.Packer.MaxDataItemLimit,
		TargetBundleSize:     cfg.Packer.TargetBundleSize,
		OverdueThreshold:     cfg.Packer.OverdueThreshold,
		DedicatedBundleTypes: cfg.Packer.DedicatedBundleTypes,
	}, log)

	planJob := jobs.NewPlanJob(dataItems, pack, prepareQueue, cfg.Packer.MaxDataItemLimit, log)
	prepareJob := jobs.NewPrepareJob(dataItems, bundles, store, price, gw, wallet, postQueue, log)
	postJob := jobs.NewPostJob(bundles, store, gw, price, wallet, seedQueue, log)
	seedJob := jobs.NewSeedJob(bundles, store, gw, log)
	verifyJob := jobs.NewVerifyJob(bundles, dataItems, store, gw, jobs.VerifyOptions{
		TxPermanentThreshold: cfg.Jobs.TxPermanentThreshold,
		DropBundleTxBlocks:   cfg.Jobs.DropBundleTxBlocks,
	}, log)
	insertJob := jobs.NewInsertJob(dataItems, inflight, log)

	host := worker.NewHost(log)
	hooks := host.Hooks()

	pipelineOpts := func(name, url string, visibility time.Duration) queue.ConsumerOptions {
		return queue.ConsumerOptions{
			Name:                              name,
			QueueURL:                          url,
			BatchSize:                         1,
			VisibilityTimeout:                 visibility,
			HeartbeatInterval:                 30 * time.Second,
			PollingWait:                       20 * time.Second,
			TerminateVisibilityTimeoutOnError: true,
			AutoDelete:                        true,
		}
	}
	host.Add(queue.NamePrepareBundle, cfg.Consumers.PrepareBundle, queue.NewConsumer(sqsClient,
		pipelineOpts(queue.NamePrepareBundle, cfg.Queues.PrepareBundleURL, 6*time.Minute),
		prepareJob.Handle, hooks, log))
	host.Add(queue.NamePostBundle, cfg.Consumers.PostBundle, queue.NewConsumer(sqsClient,
		pipelineOpts(queue.NamePostBundle, cfg.Queues.PostBundleURL, 90*time.Second),
		postJob.Handle, hooks, log))
	host.Add(queue.NameSeedBundle, cfg.Consumers.SeedBundle, queue.NewConsumer(sqsClient,
		pipelineOpts(queue.NameSeedBundle, cfg.Queues.SeedBundleURL, 6*time.Minute),
		seedJob.Handle, hooks, log))

	if cfg.Queues.NewDataItemURL != "" {
		host.Add(queue.NameNewDataItem, cfg.Consumers.NewDataItemInsert, queue.NewBatchConsumer(sqsClient,
			queue.ConsumerOptions{
				Name:              queue.NameNewDataItem,
				QueueURL:          cfg.Queues.NewDataItemURL,
				BatchSize:         10,
				VisibilityTimeout: 2 * time.Minute,
				PollingWait:       20 * time.Second,
			},
			insertJob.HandleBatch, hooks, log))
	}

	// Side-queues processed by other services; acknowledged here so the
	// host's drain accounting covers every consumer slot.
	if cfg.Queues.OpticalPostURL != "" {
		host.Add(queue.NameOpticalPost, cfg.Consumers.Optical, queue.NewConsumer(sqsClient,
			queue.ConsumerOptions{
				Name:              queue.NameOpticalPost,
				QueueURL:          cfg.Queues.OpticalPostURL,
				BatchSize:         10,
				VisibilityTimeout: 30 * time.Second,
				PollingWait:       20 * time.Second,
				AutoDelete:        true,
			},
			worker.NoopHandler(queue.NameOpticalPost, log), hooks, log))
	}
	if cfg.Queues.UnbundleBDIURL != "" {
		host.Add(queue.NameUnbundleBDI, cfg.Consumers.UnbundleBDI, queue.NewConsumer(sqsClient,
			queue.ConsumerOptions{
				Name:              queue.NameUnbundleBDI,
				QueueURL:          cfg.Queues.UnbundleBDIURL,
				BatchSize:         10,
				VisibilityTimeout: 30 * time.Second,
				PollingWait:       20 * time.Second,
				AutoDelete:        true,
			},
			worker.NoopHandler(queue.NameUnbundleBDI, log), hooks, log))
	}

	if cfg.Jobs.PlanEnabled {
		planSched := scheduler.New("plan-bundle", cfg.Jobs.PlanInterval(), planJob.Run, log)
		if err := planSched.Start(ctx); err != nil {
			return err
		}
		defer planSched.Stop()
	}
	if cfg.Jobs.VerifyEnabled {
		verifySched := scheduler.New("verify-bundle", cfg.Jobs.VerifyInterval(), verifyJob.Run, log)
		if err := verifySched.Start(ctx); err != nil {
			return err
		}
		defer verifySched.Stop()
	}

	srv := newServer(cfg.Server, db, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	host.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown", slog.String("error", err.Error()))
	}

	log.Info("fulfillment worker stopped")
	return nil
}

func buildInflightCache(cfg config.RedisConfig, log *slog.Logger) (cache.InflightCache, func(), error) {
	if !cfg.Enabled {
		return cache.NewLocalCache(inflightTTL), func() {}, nil
	}
	rdb, err := database.NewRedis(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	log.Info("using redis in-flight cache", slog.String("addr", cfg.Addr()))
	return cache.NewRedisCache(rdb, inflightTTL), func() { rdb.Close() }, nil
}

func buildObjectStore(ctx context.Context, cfg config.AWSConfig, log *slog.Logger) (objectstore.Store, error) {
	client, err := objectstore.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	var store objectstore.Store = objectstore.NewS3Store(client, cfg.DataItemBucket)
	if cfg.BackupBucket != "" {
		store = objectstore.WithBackup(store,
			objectstore.NewS3Store(client, cfg.BackupBucket), log)
		log.Info("backup bucket enabled", slog.String("bucket", cfg.BackupBucket))
	}
	return store, nil
}

func newServer(cfg config.ServerConfig, db *database.Postgres, log *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := db.Ping(req.Context()); err != nil {
			log.Warn("health check failed", slog.String("error", err.Error()))
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}
}
