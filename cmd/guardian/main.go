package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/linkguard/guardian/internal/config"
	"github.com/linkguard/guardian/internal/guardian"
	"github.com/linkguard/guardian/internal/messaging"
	"github.com/linkguard/guardian/internal/metrics"
	"github.com/linkguard/guardian/internal/moderation"
	"github.com/linkguard/guardian/internal/platform"
	"github.com/linkguard/guardian/internal/protocol"
	"github.com/linkguard/guardian/internal/ratelimit"
	"github.com/linkguard/guardian/internal/store/sqlstore"
	"github.com/linkguard/guardian/internal/threatlist"
	"github.com/linkguard/guardian/internal/verdictcache"
)

func main() {
	configPath := flag.String("config", os.Getenv("GUARDIAN_CONFIG"), "path to the YAML config file")
	flag.Parse()

	setupLogging()
	log.Info().Msg("Starting link guardian...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store.
	st, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	// Redis is optional: without it the verdict cache is in-process and the
	// AI budget is unlimited.
	var (
		rdb    *redis.Client
		cache  verdictcache.Cache = verdictcache.NewMem(cfg.Cache.Size, cfg.Cache.TTL)
		budget ratelimit.Budget   = ratelimit.Unlimited{}
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		cache = verdictcache.NewRedis(rdb, cfg.Cache.Size, cfg.Cache.TTL)
		budget = ratelimit.RedisBudget{
			Limiter: ratelimit.NewLimiter(rdb),
			Rule:    ratelimit.AIBudget(cfg.AIBudget.Limit, cfg.AIBudget.Window),
		}
	}

	// NATS.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "linkguard-guardian"
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer natsClient.Close()

	// Threat list.
	list := threatlist.NewList(nil)
	refresher := threatlist.NewRefresher(list, guardian.ThreatListSources(cfg, rdb)...)
	if err := refresher.Refresh(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load threat list")
	}
	go refresher.Start(ctx, cfg.ThreatList.Refresh)

	// Moderation and pipeline.
	gateway := platform.NewGateway(natsClient, 10*time.Second)
	engine := moderation.New(st, gateway, cfg.Moderation)
	analyzers := guardian.BuildAnalyzers(cfg, list)
	pipeline := guardian.New(analyzers.Basic, analyzers.Content, engine, gateway, st, cache, budget, guardian.Options{
		Thresholds:      cfg.Thresholds,
		Deadline:        cfg.Analysis.Deadline,
		SafeAdvisoryTTL: cfg.Moderation.SafeAdvisoryTTL,
		MuteThreshold:   cfg.Moderation.WarningsBeforeMute,
		Workers:         cfg.Analysis.MessageWorkers,
	})

	go engine.StartSweep(ctx)

	if err := natsClient.HandleCommand(protocol.TypeWarnings, engine.HandleWarnings); err != nil {
		log.Fatal().Err(err).Msg("failed to register warnings command")
	}
	if err := natsClient.HandleCommand(protocol.TypeUnmute, engine.HandleUnmute); err != nil {
		log.Fatal().Err(err).Msg("failed to register unmute command")
	}
	if err := natsClient.SubscribeMessages(pipeline.HandleMessage); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to messages")
	}

	// Metrics and health.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			http.Error(w, "store unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	log.Info().
		Str("ai_provider", cfg.AI.Provider).
		Str("database", cfg.Database.Driver).
		Str("nats_url", natsConfig.URL).
		Str("redis_addr", cfg.Redis.Addr).
		Str("metrics_addr", cfg.Metrics.Addr).
		Dur("sweep_interval", cfg.Moderation.SweepInterval).
		Msg("link guardian running")

	<-ctx.Done()
	log.Info().Msg("shutting down...")

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Analysis.Deadline)
	if err := natsClient.DrainMessages(drainCtx); err != nil {
		log.Warn().Err(err).Msg("message drain incomplete")
	}
	cancelDrain()
	pipeline.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func setupLogging() {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
}
