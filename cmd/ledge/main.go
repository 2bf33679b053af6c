// Command ledge runs the HTTP reverse-proxy cache: it classifies every
// incoming request's cache freshness, serves hits directly, collapses
// concurrent misses onto a single origin fetch, and writes fresh
// responses back atomically, per the request lifecycle in pkg/lifecycle.
// A PURGE request is routed to pkg/purge instead of the lifecycle engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ledge-cache/ledge/internal/config"
	"github.com/ledge-cache/ledge/pkg/keychain"
	"github.com/ledge-cache/ledge/pkg/lifecycle"
	"github.com/ledge-cache/ledge/pkg/logging"
	"github.com/ledge-cache/ledge/pkg/origin"
	"github.com/ledge-cache/ledge/pkg/purge"
	"github.com/ledge-cache/ledge/pkg/queue"
	"github.com/ledge-cache/ledge/pkg/statsd"
	"github.com/ledge-cache/ledge/pkg/storage"
	"github.com/ledge-cache/ledge/pkg/store"
	"github.com/ledge-cache/ledge/pkg/writer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	flagSet := pflag.NewFlagSet("ledge", pflag.ExitOnError)
	config.Flags(flagSet)
	configPath := flagSet.String("config", "", "path to a YAML config file")
	flagSet.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledge: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	}).With().Str("component", "cmd/ledge").Logger()

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

	lifecycleCfg := lifecycle.DefaultConfig()
	lifecycleCfg.ServeWhenStale = cfg.ServeWhenStale
	lifecycleCfg.LockTTL = cfg.LockTTL
	lifecycleCfg.FollowerWait = cfg.FollowerWait
	lifecycleCfg.Hostname = hostname()
	lifecycleCfg.Version = version

	observer := lifecycle.StatsObserver{Metrics: metrics}
	observer.Observe("config_loaded", nil)

	engine := lifecycle.New(s, driver, fetcher, w, q, observer, metrics, logger, lifecycleCfg)
	purgeCoord := purge.New(s, driver, q, metrics)
	purgeCoord.KeyspaceScanCount = cfg.KeyspaceScanCount

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler(s))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", rootHandler(engine, purgeCoord, logger))

	server := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddress).Str("upstream", cfg.UpstreamHost+":"+cfg.UpstreamPort).Msg("listening")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "ledge"
	}
	return h
}

func healthzHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := s.Exists(ctx, "ledge::healthcheck"); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "store unavailable: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	}
}

const purgeMethod = "PURGE"

func rootHandler(engine *lifecycle.Engine, purgeCoord *purge.Coordinator, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == purgeMethod {
			servePurge(w, r, purgeCoord, log)
			return
		}
		serveLifecycle(w, r, engine, log)
	}
}

func serveLifecycle(w http.ResponseWriter, r *http.Request, engine *lifecycle.Engine, log zerolog.Logger) {
	resp, err := engine.Handle(r.Context(), r)
	if err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("lifecycle handle failed")
		status := http.StatusBadGateway
		if errors.Is(err, store.ErrStore) {
			status = http.StatusInternalServerError
		}
		http.Error(w, fmt.Sprintf("ledge: %v", err), status)
		return
	}
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// servePurge implements §6's PURGE surface: an exact purge against
// main.entity's GET fingerprint, or an asynchronous wildcard scan when the
// path carries a "*".
func servePurge(w http.ResponseWriter, r *http.Request, purgeCoord *purge.Coordinator, log zerolog.Logger) {
	mode := purgeModeFromHeader(r.Header.Get("X-Purge"))

	if strings.Contains(r.URL.Path, "*") {
		result, err := purgeCoord.PurgeWildcard(r.Context(), purgeFingerprint(r), mode)
		if err != nil {
			log.Error().Err(err).Str("pattern", r.URL.Path).Msg("wildcard purge failed")
			http.Error(w, fmt.Sprintf("ledge: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	root := purgeFingerprint(r)
	result, err := purgeCoord.Purge(r.Context(), root, mode)
	if err != nil {
		if errors.Is(err, purge.ErrTargetMissing) {
			writeJSON(w, http.StatusNotFound, purge.Result{Result: "nothing to purge", PurgeMode: mode})
			return
		}
		log.Error().Err(err).Str("root", root).Msg("purge failed")
		http.Error(w, fmt.Sprintf("ledge: %v", err), http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if result.Result == "already expired" {
		status = http.StatusNotFound
	}
	writeJSON(w, status, result)
}

func purgeModeFromHeader(header string) purge.Mode {
	switch header {
	case "delete":
		return purge.ModeDelete
	case "revalidate":
		return purge.ModeRevalidate
	default:
		return purge.ModeInvalidate
	}
}

// purgeFingerprint derives the same root the lifecycle engine would have
// used to cache this resource: PURGE always targets the GET entry,
// regardless of the method the client actually issued.
func purgeFingerprint(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return keychain.FingerprintParts(http.MethodGet, scheme, host, r.URL.Path, r.URL.RawQuery)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
