package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/grichardomi/nexusmeme-sub003/internal/api"
	"github.com/grichardomi/nexusmeme-sub003/internal/bots"
	"github.com/grichardomi/nexusmeme-sub003/internal/breaker"
	"github.com/grichardomi/nexusmeme-sub003/internal/events"
	"github.com/grichardomi/nexusmeme-sub003/internal/gateway"
	"github.com/grichardomi/nexusmeme-sub003/internal/jobs"
	"github.com/grichardomi/nexusmeme-sub003/internal/mailer"
	"github.com/grichardomi/nexusmeme-sub003/internal/market"
	"github.com/grichardomi/nexusmeme-sub003/internal/monitor"
	"github.com/grichardomi/nexusmeme-sub003/internal/persistence"
	"github.com/grichardomi/nexusmeme-sub003/internal/ratelimit"
	"github.com/grichardomi/nexusmeme-sub003/internal/trading"
	"github.com/grichardomi/nexusmeme-sub003/pkg/cache"
	"github.com/grichardomi/nexusmeme-sub003/pkg/config"
	"github.com/grichardomi/nexusmeme-sub003/pkg/crypto"
	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
	marketbinance "github.com/grichardomi/nexusmeme-sub003/pkg/market/binance"
	"github.com/grichardomi/nexusmeme-sub003/pkg/nodeid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config load failed")
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	log := logger.WithField("component", "main")

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.TradingMode,
			Release:     "nexusmeme-core@" + buildVersion,
		})
		if err != nil {
			log.WithError(err).Warn("sentry init failed, error reporting disabled")
		}
	}

	instanceID := nodeid.New()
	log.WithFields(logrus.Fields{
		"instance": instanceID,
		"version":  buildVersion,
		"mode":     cfg.TradingMode,
	}).Info("starting trading core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Postgres
	database, err := db.New(ctx, db.Options{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		log.WithError(err).Fatal("database init failed")
	}
	defer database.Close()
	if err := database.ApplyMigrations(ctx); err != nil {
		log.WithError(err).Fatal("database migrations failed")
	}
	log.Info("database ready")

	// Redis. The core runs without it: rate limits fail open and regime
	// reads fall back to Postgres.
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, running degraded")
		}
		cancelPing()
	}

	// Core plumbing
	bus := events.NewBus()
	metrics := monitor.NewMetrics()

	bridge := monitor.NewBridge(bus, metrics, logger.WithField("component", "monitor"))
	bridge.Start(ctx)

	policies, err := config.LoadPolicies(cfg.PoliciesPath)
	if err != nil {
		log.WithError(err).Fatal("policies load failed")
	}

	// Circuit breakers. Transitions are published on the bus; the
	// monitor bridge folds them into the breaker_state gauge.
	breakers := breaker.NewManager(logger.WithField("component", "breaker"))
	breakerCfg := breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		OnStateChange: func(name string, from, to breaker.State, reason string) {
			bus.Publish(breakerEvent(to), events.BreakerPayload{Name: name, State: to.String()})
		},
	}

	limits := ratelimit.NewRegistry(redisScripter(rdb), cfg, policies, logger.WithField("component", "ratelimit"))
	limits.SetFailOpenHook(func(venue string, err error) {
		metrics.LimiterFailOpen(venue)
	})

	venueLog := logger.WithField("component", "gateway")
	venues := gateway.NewRegistry(gateway.DefaultFactory(cfg.BinanceTestnet, venueLog), breakers, breakerCfg, limits, bus, metrics, venueLog)

	// Market data
	prices := cache.NewPriceCache()
	restClient := marketbinance.NewClient(cfg.BinanceTestnet)

	var feed *market.Feed
	var writer *persistence.SnapshotWriter
	if cfg.MarketFeedEnabled {
		writer = persistence.NewSnapshotWriter(database.UpsertMarketSnapshots, 50, 5*time.Second, logger.WithField("component", "persistence"))
		stream := marketbinance.NewStreamClient(cfg.BinanceTestnet, logger.WithField("component", "stream"))
		feed = market.NewFeed(stream, restClient, prices, writer, bus, logger.WithField("component", "market"), market.FeedConfig{
			Pairs:     cfg.MarketSymbols,
			Interval:  cfg.MarketInterval,
			PollEvery: time.Minute,
		})
		feed.Start(ctx)
		log.WithField("pairs", cfg.MarketSymbols).Info("live market feed started")
	} else {
		mock := market.NewMockFeed(prices, bus, logger.WithField("component", "market"), cfg.MarketSymbols)
		mock.Start(ctx)
		log.Info("mock market feed started")
	}

	marketLog := logger.WithField("component", "market")
	marketCfg := market.Config{
		Pairs:    cfg.MarketSymbols,
		Interval: cfg.MarketInterval,
		// The cached regime must outlive one missed sync round.
		CacheTTL: 2 * cfg.RegimeSyncEvery,
	}
	var marketSvc *market.Service
	var regimes *market.Source
	if rdb != nil {
		marketSvc = market.NewService(database, restClient, prices, rdb, marketLog, marketCfg)
		regimes = market.NewSource(database, rdb, marketLog, 0)
	} else {
		marketSvc = market.NewService(database, restClient, prices, nil, marketLog, marketCfg)
		regimes = market.NewSource(database, nil, marketLog, 0)
	}

	// Credential vault
	var vault *crypto.Vault
	if cfg.EncryptionKey != "" {
		vault, err = crypto.NewVault(cfg.EncryptionKey)
		if err != nil {
			log.WithError(err).Fatal("credential vault init failed")
		}
	} else if cfg.Live() {
		log.Fatal("live trading requires CREDENTIAL_ENCRYPTION_KEY")
	}

	// Domain services
	tradingSvc := trading.NewService(
		database,
		vault,
		func(name string) (trading.OrderPlacer, error) { return venues.Get(name) },
		regimes,
		prices,
		bus,
		metrics,
		logger.WithField("component", "trading"),
		trading.Config{
			Live:           cfg.Live(),
			DedupWindow:    cfg.DedupWindow,
			BlockedRegimes: cfg.RegimeBlocked,
		},
	)

	botsSvc := bots.NewService(
		database,
		vault,
		func(name string) (bots.CredentialChecker, error) { return venues.Get(name) },
		bus,
		logger.WithField("component", "bots"),
	)

	mailSvc := mailer.NewService(
		database,
		mailer.NewHTTPSender(cfg.EmailProviderURL, cfg.EmailProviderToken),
		mailer.NewRegistry(),
		logger.WithField("component", "mailer"),
		mailer.Config{From: cfg.EmailFrom},
	)

	// Job queue
	mgr := jobs.NewManager(database, bus, metrics, logger.WithField("component", "jobs"), jobs.Config{
		NodeID:        instanceID,
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.PollBatchSize,
		Workers:       cfg.WorkerCount,
		JobTimeout:    cfg.JobTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
		StaleAfter:    cfg.StaleJobAfter,
		ReaperEvery:   cfg.ReaperInterval,
		Defaults: jobs.TypePolicy{
			Priority:   5,
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		},
		TypePolicies: jobPolicies(cfg, policies),
	})

	mgr.Register(jobs.TypeExecuteTrade, tradingSvc.HandleExecuteTrade)
	mgr.Register(jobs.TypePyramidAddOrder, tradingSvc.HandlePyramidAddOrder)
	mgr.Register(jobs.TypeSuspendBot, botsSvc.HandleSuspendBot)
	mgr.Register(jobs.TypeResumeBot, botsSvc.HandleResumeBot)
	mgr.Register(jobs.TypeValidateConnection, botsSvc.HandleValidateConnection)
	mgr.Register(jobs.TypeSendEmail, mailSvc.HandleSendEmail)
	mgr.Register(jobs.TypeSyncMarketData, marketSvc.HandleSyncMarketData)
	mgr.Register(jobs.TypeSyncMarketRegime, marketSvc.HandleSyncMarketRegime)

	mgr.StartProcessing()

	// Recurring jobs. An empty send_email payload drains the outbox.
	sched := jobs.NewScheduler(mgr, logger.WithField("component", "scheduler"))
	sched.Add(jobs.Schedule{Type: jobs.TypeSyncMarketData, Every: cfg.MarketSyncEvery})
	sched.Add(jobs.Schedule{Type: jobs.TypeSyncMarketRegime, Every: cfg.RegimeSyncEvery})
	sched.Add(jobs.Schedule{Type: jobs.TypeSendEmail, Every: time.Minute})
	sched.Start()

	// Failure alerts ride the job queue as ordinary email jobs. If the
	// queue itself is the problem, the outbox is the fallback.
	var notify monitor.NotifyFunc
	if cfg.AlertEmail != "" {
		notify = func(ctx context.Context, template string, data map[string]any) {
			payload := mailer.SendPayload{To: cfg.AlertEmail, Template: template, Data: data}
			if _, err := mgr.Enqueue(ctx, jobs.TypeSendEmail, payload, jobs.WithPriority(8)); err != nil {
				log.WithError(err).Warn("alert enqueue failed, parking in outbox")
				if qErr := mailSvc.Queue(ctx, cfg.AlertEmail, template, data); qErr != nil {
					log.WithError(qErr).Error("alert dropped")
				}
			}
		}
	}
	alerter := monitor.NewAlerter(bus, notify, cfg.AlertCooldown, logger.WithField("component", "alerts"))
	alerter.Start(ctx)

	// Optional AMQP event mirror for external consumers.
	var mirror *events.AMQPMirror
	if cfg.AMQPURL != "" {
		mirror, err = events.NewAMQPMirror(cfg.AMQPURL, logger.WithField("component", "events"))
		if err != nil {
			log.WithError(err).Warn("amqp mirror unavailable")
		} else {
			go mirror.Run(ctx, bus)
			log.Info("amqp event mirror started")
		}
	}

	// API
	server := api.NewServer(
		mgr,
		breakers,
		limits,
		database,
		redisPinger(rdb),
		bus,
		metrics,
		prices,
		logger.WithField("component", "api"),
		api.SystemMeta{
			Version:    buildVersion,
			InstanceID: instanceID,
			Mode:       cfg.TradingMode,
			Pairs:      cfg.MarketSymbols,
			MockFeed:   !cfg.MarketFeedEnabled,
		},
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.WithError(err).Fatal("api server error")
		}
	}()
	log.WithField("port", cfg.Port).Info("trading core ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("shutdown signal received")

	// Stop intake first, then drain. Everything after StopProcessing
	// only flushes buffers.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("api shutdown")
	}
	sched.Stop()
	mgr.StopProcessing()
	alerter.Stop()
	bridge.Stop()
	if feed != nil {
		feed.Stop()
	}
	cancel()
	if writer != nil {
		if err := writer.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("snapshot flush on shutdown failed")
		}
	}
	if mirror != nil {
		mirror.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	sentry.Flush(2 * time.Second)
	log.Info("shutdown complete")
}

// breakerEvent maps a breaker state to its bus event.
func breakerEvent(to breaker.State) events.Event {
	switch to {
	case breaker.StateOpen:
		return events.EventBreakerOpened
	case breaker.StateHalfOpen:
		return events.EventBreakerHalfOpen
	default:
		return events.EventBreakerClosed
	}
}

// redisScripter avoids handing a typed nil to the limiter registry.
func redisScripter(rdb *redis.Client) redis.Scripter {
	if rdb == nil {
		return nil
	}
	return rdb
}

// redisPinger avoids handing a typed nil to the API health check.
func redisPinger(rdb *redis.Client) api.RedisPinger {
	if rdb == nil {
		return nil
	}
	return rdb
}

// jobPolicies folds per-type overrides from policies.yaml over the
// configured defaults. The manager falls back whole-policy, so every
// override carries a complete policy.
func jobPolicies(cfg *config.Config, pol *config.Policies) map[string]jobs.TypePolicy {
	out := make(map[string]jobs.TypePolicy, len(pol.JobTypes))
	for _, jp := range pol.JobTypes {
		p := jobs.TypePolicy{
			Priority:   5,
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.RetryBaseDelay,
			MaxDelay:   cfg.RetryMaxDelay,
		}
		if jp.Priority != nil {
			p.Priority = *jp.Priority
		}
		if jp.MaxRetries != nil {
			p.MaxRetries = *jp.MaxRetries
		}
		if jp.BaseDelay > 0 {
			p.BaseDelay = jp.BaseDelay
		}
		if jp.MaxDelay > 0 {
			p.MaxDelay = jp.MaxDelay
		}
		out[jp.Type] = p
	}
	return out
}
