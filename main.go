package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spk364/procomp/internal/auth"
	"github.com/spk364/procomp/internal/config"
	"github.com/spk364/procomp/internal/eventlog"
	"github.com/spk364/procomp/internal/httpapi"
	"github.com/spk364/procomp/internal/logging"
	"github.com/spk364/procomp/internal/metrics"
	"github.com/spk364/procomp/internal/pubsub"
	"github.com/spk364/procomp/internal/store"
)

// defaultAuthLeeway bounds clock skew tolerance for token expiry checks.
const defaultAuthLeeway = 5 * time.Second

func main() {
	startedAt := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	verifier, err := auth.NewHMACTokenVerifier(cfg.TokenSharedSecret, defaultAuthLeeway, cfg.TokenIssuer)
	if err != nil {
		logger.Fatal("failed to configure token verifier", logging.Error(err))
	}

	matchStore, closeStore := buildStore(cfg, logger)
	defer closeStore()

	bus, elector, redisClient := buildPubSub(cfg, logger)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	metricsRegistry := metrics.New()
	appender := eventlog.NewAppender(matchStore, cfg.CommandRetryMax)
	router := NewRouter(appender, bus, metricsRegistry, logger.With(logging.String("component", "router")))

	hub := NewHub(bus, elector, matchStore, router, verifier, metricsRegistry, logger.With(logging.String("component", "hub")), cfg.AllowedOrigins, HubConfig{
		PingInterval:  cfg.PingInterval,
		IdleTimeout:   cfg.IdleTimeout,
		SendQueueSize: cfg.SendQueueSize,
		SendTimeout:   cfg.SendTimeout,
		PersistEvery:  10 * time.Second,
	})
	router.onStateChange = hub.reconcileTickerState

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/ws/match/{matchId}", hub.ServeMatch)
	mux.HandleFunc("GET /api/v1/ws/tournament/{tournamentId}", hub.ServeTournament)
	handler := logging.HTTPTraceMiddleware(logger)(mux)

	server := &http.Server{Addr: cfg.Address, Handler: handler}

	opsHandlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:  logger.With(logging.String("component", "httpapi")),
		Metrics: metricsRegistry,
		Probers: map[string]httpapi.Prober{
			"store":  httpapi.ProberFunc(storeProbe(matchStore)),
			"pubsub": httpapi.ProberFunc(pubsubProbe(bus)),
		},
		StartedAt: startedAt,
	})
	opsMux := http.NewServeMux()
	opsHandlers.Register(opsMux)
	opsServer := &http.Server{Addr: cfg.MetricsBindAddr, Handler: opsMux}

	go func() {
		logger.Info("operational endpoints listening", logging.String("address", cfg.MetricsBindAddr))
		if err := opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("operational server terminated", logging.Error(err))
		}
	}()

	logger.Info("match control plane listening", logging.String("address", listenerURL(cfg.Address, cfg.TLSCertPath != "")))
	if cfg.TLSCertPath != "" {
		if err := server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath); err != nil && err != http.ErrServerClosed {
			logger.Fatal("control plane server terminated", logging.Error(err))
		}
		return
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("control plane server terminated", logging.Error(err))
	}
}

// buildStore selects the Match Store implementation from DATABASE_URL:
// a `file://` scheme (or any non-empty value) durably persists matches
// under that directory via store.FileStore; an unset DATABASE_URL falls
// back to the in-process store.Memory, matching spec.md §6.4's "PubSub
// URL/DATABASE_URL optional, default single-instance in-memory" posture.
func buildStore(cfg *config.Config, logger *logging.Logger) (store.Store, func()) {
	path := strings.TrimPrefix(strings.TrimSpace(cfg.DatabaseURL), "file://")
	if path == "" {
		logger.Info("no DATABASE_URL configured; using in-memory match store")
		return store.NewMemory(), func() {}
	}
	fileStore, err := store.NewFileStore(path, 20)
	if err != nil {
		logger.Fatal("failed to initialise file match store", logging.Error(err), logging.String("path", path))
	}
	logger.Info("using durable file match store", logging.String("path", path))
	return fileStore, func() {}
}

// buildPubSub selects the Pub/Sub Bus and lease elector from PUBSUB_URL:
// a `redis://` URL wires RedisBus/RedisLease for horizontal scaling
// (§5); an unset PUBSUB_URL falls back to the in-process pubsub.Local,
// adequate for single-instance/dev/test runs where no lease contention
// is possible.
func buildPubSub(cfg *config.Config, logger *logging.Logger) (pubsub.Bus, pubsub.LeaseElector, *redis.Client) {
	url := strings.TrimSpace(cfg.PubSubURL)
	if url == "" {
		logger.Info("no PUBSUB_URL configured; using in-process pub/sub bus")
		return pubsub.NewLocal(), pubsub.NewLocalLease(), nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Fatal("failed to parse PUBSUB_URL", logging.Error(err))
	}
	client := redis.NewClient(opts)
	logger.Info("using redis pub/sub bus", logging.String("addr", opts.Addr))
	return pubsub.NewRedisBus(client), pubsub.NewRedisLease(client), client
}

func storeProbe(st store.Store) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, httpapi.DefaultReadinessBudget)
		defer cancel()
		_, err := st.ListActiveMatches(ctx)
		return err
	}
}

func pubsubProbe(bus pubsub.Bus) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, httpapi.DefaultReadinessBudget)
		defer cancel()
		return bus.Publish(ctx, "healthcheck:probe", []byte("{}"))
	}
}
