package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/offline-proxy/pkg/config"
	"github.com/Sternrassler/offline-proxy/pkg/logging"
	"github.com/Sternrassler/offline-proxy/pkg/metrics"
	"github.com/Sternrassler/offline-proxy/pkg/tier"
	"github.com/Sternrassler/offline-proxy/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "offline-proxy: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(getEnv("OFFLINE_PROXY_CONFIG", ""))
	if err != nil {
		return err
	}

	logging.Setup(logging.FromStrings(cfg.Log.Level, cfg.Log.Pretty))
	logger := logging.NewLogger("offline-proxy")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, redisClient, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if redisClient != nil {
		defer redisClient.Close()
	}

	w, err := worker.New(worker.Options{
		Config: cfg,
		Store:  store,
		Redis:  redisClient,
		Logger: logging.NewLogger("worker"),
	})
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	defer w.Close()

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           newMux(w, store),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("app", cfg.App.BaseURL).
			Str("version", cfg.App.Version).
			Str("storage", cfg.Storage.Backend).
			Msg("Starting offline proxy")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore builds the configured tier backend. The redis client is
// returned so connectivity state can be shared through it.
func openStore(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (tier.Store, *redis.Client, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		opts, err := redisOptions(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
		}
		logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
		return tier.NewRedisStore(client, cfg.Namespace), client, nil

	case config.BackendLevelDB:
		store, err := tier.NewLevelDBStore(cfg.LevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("path", cfg.LevelDBPath).Msg("Opened LevelDB store")
		return store, nil, nil

	case config.BackendMemory:
		logger.Warn().Int("max_entries", cfg.MemoryMaxEntries).Msg("Using in-memory store; tiers are lost on restart")
		return tier.NewMemoryStore(cfg.MemoryMaxEntries), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{Addr: raw}, nil
}

func newMux(w *worker.Worker, store tier.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(w, store))
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/", w.Handler())
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

type pinger interface {
	Ping(ctx context.Context) error
}

// readyHandler reports ready once the worker is activated and the store
// answers.
func readyHandler(wk *worker.Worker, store tier.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if state := wk.State(); state != worker.StateActivated {
			http.Error(w, "worker "+string(state), http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		var err error
		if p, ok := store.(pinger); ok {
			err = p.Ping(ctx)
		} else {
			_, err = store.Names(ctx)
		}
		if err != nil {
			http.Error(w, "storage unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "READY")
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
