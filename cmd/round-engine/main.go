package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/radieske/updown-round-engine/internal/auth"
	"github.com/radieske/updown-round-engine/internal/bet-service/ledger"
	"github.com/radieske/updown-round-engine/internal/integration/publisher"
	pricecache "github.com/radieske/updown-round-engine/internal/price-feed/cache"
	priceservice "github.com/radieske/updown-round-engine/internal/price-feed/service"
	httpapi "github.com/radieske/updown-round-engine/internal/realtime/http"
	"github.com/radieske/updown-round-engine/internal/realtime/ws"
	"github.com/radieske/updown-round-engine/internal/round-engine/engine"
	sharedcache "github.com/radieske/updown-round-engine/internal/shared/cache"
	"github.com/radieske/updown-round-engine/internal/shared/config"
	"github.com/radieske/updown-round-engine/internal/shared/db"
	"github.com/radieske/updown-round-engine/internal/shared/kafka"
	"github.com/radieske/updown-round-engine/internal/shared/logger"
	"github.com/radieske/updown-round-engine/internal/shared/metrics"
	"github.com/radieske/updown-round-engine/internal/store"
	"github.com/radieske/updown-round-engine/internal/wallet"
	wallethttp "github.com/radieske/updown-round-engine/internal/wallet/http"
)

func main() {
	// carrega config
	cfg := config.Load()

	// inicia logger
	log, err := logger.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(fmt.Errorf("logger init: %w", err))
	}
	defer log.Sync()

	log.Info("starting service", zap.String("service", cfg.ServiceName), zap.String("env", cfg.Env))
	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	// Sinalização para shutdown gracioso (SIGINT/SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registerMetrics()
	var checks []metrics.HealthFunc

	// persistência: Postgres (com migrações) ou memória para rodar sem infraestrutura
	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		st = store.NewMemory()
		log.Warn("using in-memory store, state is lost on restart")
	default:
		pg, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pg.Close()
		if err := db.MigrateUp(pg); err != nil {
			log.Fatal("failed to apply migrations", zap.Error(err))
		}
		log.Info("postgres connected")
		st = store.NewPostgres(pg)
	}
	checks = append(checks, st.Ping)

	// cache Redis do último preço; obrigatório só em prod
	var (
		latestCache priceservice.LatestCache
		readCache   httpapi.PriceCache
	)
	if cfg.RedisAddr != "" {
		redisClient, err := sharedcache.ConnectRedis(ctx, cfg.RedisAddr)
		switch {
		case err != nil && cfg.Env == "prod":
			log.Fatal("failed to connect redis", zap.Error(err))
		case err != nil:
			log.Warn("redis unavailable, running without price cache", zap.Error(err))
		default:
			defer redisClient.Close()
			log.Info("redis connected")
			rc := pricecache.NewRedisCache(redisClient, cfg.PriceCacheTTL)
			latestCache, readCache = rc, rc
			checks = append(checks, func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
		}
	}

	// eventos de integração (merchant/admin)
	var pub *publisher.KafkaPublisher
	if brokers := kafka.Brokers(cfg.KafkaBrokers); len(brokers) > 0 {
		if cfg.Env == "local" || cfg.Env == "dev" {
			tctx, tcancel := context.WithTimeout(ctx, 10*time.Second)
			if err := kafka.EnsureTopics(tctx, brokers, cfg.TopicBetPlaced, cfg.TopicRoundSettled); err != nil {
				log.Warn("failed to create kafka topics", zap.Error(err))
			}
			tcancel()
		}
		pub = publisher.NewKafkaPublisher(kafka.NewWriter(brokers), cfg.TopicBetPlaced, cfg.TopicRoundSettled, log.Named("publisher"))
		defer pub.Close()
		wirePublisherMetrics(pub)
		log.Info("kafka writer ready", zap.Strings("topics", []string{cfg.TopicBetPlaced, cfg.TopicRoundSettled}))
	}

	// PriceFeedClient → LedgerService → BetLedger → RoundEngine → RealtimeDistributor
	feed := priceservice.NewClient(priceservice.Options{
		URL:               cfg.PriceFeedURL,
		HeartbeatInterval: cfg.PriceHeartbeat,
		ReconnectDelay:    cfg.PriceReconnectDelay,
		ReconnectMaxDelay: cfg.PriceReconnectMaxDelay,
		SnapshotInterval:  cfg.PriceSnapshotInterval,
	}, log.Named("price-feed"), latestCache, st)
	wireFeedMetrics(feed)

	wallets := wallet.NewService(st, cfg.Currency)

	bets := ledger.New(log.Named("ledger"), st, wallets, ledger.Config{MinBet: cfg.MinBet, MaxBet: cfg.MaxBet})
	if pub != nil {
		bets.SetPublisher(pub)
	}

	eng := engine.New(engine.Config{
		BettingDuration: cfg.BettingDuration,
		ResultDuration:  cfg.ResultDuration,
		TickInterval:    cfg.EngineTick,
		SampleTolerance: cfg.SampleTolerance,
		MaxPriceAge:     5 * cfg.PriceHeartbeat,
		OddsUp:          cfg.OddsUp,
		OddsDown:        cfg.OddsDown,
	}, st, feed, bets, log.Named("engine"))
	wireEngineMetrics(eng)
	if pub != nil {
		eng.SetPublisher(pub)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	hub := ws.NewHub(ws.Options{
		AllowOrigin: func(r *http.Request) bool { return true },
		BetRate:     rate.Limit(cfg.BetRatePerS),
		BetBurst:    cfg.BetRateBurst,
	}, log.Named("realtime"), verifier, bets, wallets, eng, feed)
	wireHubMetrics(hub)

	feed.Start(ctx)
	go hub.Run(ctx)
	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("engine stopped", zap.Error(err))
		}
	}()

	// servidor de métricas e health
	metricsSrv := metrics.StartMetricsServer(cfg.MetricsPort, func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}, log)

	// servidor público: /ws + leitura (+ carteira em local/dev)
	router := chi.NewRouter()
	api := &httpapi.API{
		Rounds:  eng,
		Prices:  feed,
		Cache:   readCache,
		History: st,
		Auth:    verifier,
		WS:      http.HandlerFunc(hub.HandleWS),
	}
	api.Routes(router)
	if cfg.Env == "local" || cfg.Env == "dev" {
		wallethttp.NewServer(log.Named("wallet-http"), wallets).Routes(router)
	}

	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}
	go func() {
		log.Info("round engine listening", zap.String("addr", srv.Addr), zap.String("paths", "/ws,/v1/rounds/current,/v1/price/latest"))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("public server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	feed.Shutdown()

	log.Info("round engine stopped")
}
