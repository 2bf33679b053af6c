// Command ledge-worker runs the background job-processing pool that
// consumes purge-scan, revalidate, and gc-scan jobs from the shared queue
// (pkg/worker), and periodically self-enqueues a gc-scan sweep per
// SPEC_FULL.md's garbage-collection expansion.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledge-cache/ledge/internal/config"
	"github.com/ledge-cache/ledge/pkg/logging"
	"github.com/ledge-cache/ledge/pkg/origin"
	"github.com/ledge-cache/ledge/pkg/purge"
	"github.com/ledge-cache/ledge/pkg/queue"
	"github.com/ledge-cache/ledge/pkg/statsd"
	"github.com/ledge-cache/ledge/pkg/storage"
	"github.com/ledge-cache/ledge/pkg/store"
	"github.com/ledge-cache/ledge/pkg/worker"
	"github.com/ledge-cache/ledge/pkg/writer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// gcScanInterval is how often the worker self-enqueues an orphan-entity
// sweep. Not config-exposed: it is an internal housekeeping cadence, not
// a tunable the spec's external interfaces name. A var, not a const, so
// tests can shorten it.
var gcScanInterval = 10 * time.Minute

func main() {
	flagSet := pflag.NewFlagSet("ledge-worker", pflag.ExitOnError)
	config.Flags(flagSet)
	configPath := flagSet.String("config", "", "path to a YAML config file")
	metricsAddr := flagSet.String("metrics_address", ":9090", "address to serve /metrics on")
	flagSet.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledge-worker: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	}).With().Str("component", "cmd/ledge-worker").Logger()

	registry := prometheus.NewRegistry()
	metrics := statsd.New(registry)

	storeClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := storeClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to metadata store")
	}
	pingCancel()

	s := store.NewRedisStore(storeClient)
	driver := storage.NewRedisDriver(storeClient)

	queueClient := storeClient
	if cfg.QueueRedisAddr != cfg.RedisAddr {
		queueClient = redis.NewClient(&redis.Options{Addr: cfg.QueueRedisAddr})
	}
	q := queue.NewRedisQueue(queueClient, queue.DefaultQueueName)

	fetcher := origin.NewFetcher(origin.Config{
		UpstreamHost: cfg.UpstreamHost,
		UpstreamPort: cfg.UpstreamPort,
	}).WithMetrics(metrics)
	w := writer.New(s, driver, metrics)
	purgeCoord := purge.New(s, driver, q, metrics)
	purgeCoord.KeyspaceScanCount = cfg.KeyspaceScanCount

	workerCfg := worker.DefaultConfig()
	workerCfg.PoolSize = cfg.WorkerPoolSize
	workerCfg.ServeWhenStale = cfg.ServeWhenStale
	pool := worker.New(q, s, driver, fetcher, purgeCoord, w, metrics, logger, workerCfg)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		logger.Info().Str("addr", *metricsAddr).Msg("serving metrics")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	go runGCScanLoop(ctx, q, logger)

	logger.Info().Int("pool_size", workerCfg.PoolSize).Msg("starting worker pool")
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	cancel()
	<-done
}

// runGCScanLoop periodically enqueues a gc-scan job so orphaned blob
// entities (bodies superseded by a re-fetch, never cleaned up inline)
// eventually get collected without an operator triggering it manually.
func runGCScanLoop(ctx context.Context, q queue.Queue, logger zerolog.Logger) {
	ticker := time.NewTicker(gcScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job := queue.Job{ID: "gc-scan:periodic", Klass: worker.KlassGCScan, Tags: []string{"gc"}, Priority: 1}
			if err := q.Enqueue(ctx, job); err != nil {
				logger.Warn().Err(err).Msg("failed to enqueue periodic gc-scan")
			}
		}
	}
}
