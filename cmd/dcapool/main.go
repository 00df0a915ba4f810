package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dcapool/internal/access"
	"dcapool/internal/config"
	"dcapool/internal/event"
	"dcapool/internal/executor"
	"dcapool/internal/gas"
	"dcapool/internal/ingest"
	"dcapool/internal/observability"
	"dcapool/internal/persistence"
	"dcapool/internal/publish"
	"dcapool/internal/query"
	"dcapool/internal/registry"
	"dcapool/internal/scheduler"
	"dcapool/internal/server"
	"dcapool/internal/strategy"
	"dcapool/internal/token"
)

func main() {
	log := observability.NewLogger("dcapool")
	log.Info().Msg("dcapool starting")

	configPath := flag.String("config", os.Getenv("DCA_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("Postgres connected")

	// --- Run SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- NATS ---
	nc, js, err := publish.Connect(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Msg("NATS connected")

	if err := publish.EnsureStream(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}
	if err := ingest.EnsureBankStream(ctx, js, log); err != nil {
		log.Fatal().Err(err).Msg("ensure bank stream")
	}

	// --- Channels ---
	// Persist sends block (backpressure); publish sends drop when full.
	persistChan := make(chan persistence.Output, cfg.Persist.ChanSize)
	publishChan := make(chan event.Envelope, cfg.PublishChanSize)
	depositChan := make(chan ingest.RawDeposit, 4096)

	sink := event.Multi{
		persistence.NewChannelSink(persistChan, time.Now, log),
		publish.NewSink(publishChan, time.Now, log),
		observability.NewEventSink(metrics),
	}

	// --- Identities and access control ---
	adminID := identityFromEnv("DCA_ADMIN_ID", log)
	executorID := identityFromEnv("DCA_EXECUTOR_ID", log)
	feesRecipient := identityFromEnv("DCA_FEES_RECIPIENT", log)
	venueID := identityFromEnv("DCA_VENUE_ID", log)

	acl := access.NewController(adminID)
	bank := token.NewBank()

	// --- Gas pricing ---
	gasCalc := gas.NewFixedCalculator()
	for asset, rate := range cfg.Gas.Rates {
		gasCalc.SetRate(asset, big.NewInt(rate))
	}

	// --- Scheduler, facade, factory ---
	sched := scheduler.New(uuid.New(), acl, bank, gasCalc, time.Now, sink, log)
	facade := registry.NewFacade(uuid.New(), acl, sched, bank, metrics, log)

	defaultStrategy, err := strategy.NewRateBuyStrategy(bank, venueID, cfg.Strategy.RateNum, cfg.Strategy.RateDen)
	if err != nil {
		log.Fatal().Err(err).Msg("build buy strategy")
	}
	factory := registry.NewFactory(uuid.New(), acl, bank, sched, facade, defaultStrategy, sink, log)

	if err := acl.Grant(adminID, access.RoleExecutor, executorID); err != nil {
		log.Fatal().Err(err).Msg("grant executor role")
	}
	if err := acl.Grant(adminID, access.RoleScheduler, sched.ID()); err != nil {
		log.Fatal().Err(err).Msg("grant scheduler role")
	}
	if err := acl.Grant(adminID, access.RoleRegistrar, factory.ID()); err != nil {
		log.Fatal().Err(err).Msg("grant registrar role")
	}

	if err := sched.SetFeesBps(adminID, cfg.Fees.Bps); err != nil {
		log.Fatal().Err(err).Msg("set fee bps")
	}
	if err := sched.SetFeesRecipient(adminID, feesRecipient); err != nil {
		log.Fatal().Err(err).Msg("set fee recipient")
	}

	// --- Configured assets and pools ---
	for _, asset := range cfg.Assets.Base {
		if err := factory.EnableBaseAsset(adminID, asset); err != nil {
			log.Fatal().Err(err).Str("asset", asset).Msg("enable base asset")
		}
	}
	for _, asset := range cfg.Assets.Order {
		if err := factory.EnableOrderAsset(adminID, asset); err != nil {
			log.Fatal().Err(err).Str("asset", asset).Msg("enable order asset")
		}
	}

	for i, p := range cfg.Pools {
		sf, err := config.ParseAmount(p.ScalingFactor, "scaling_factor")
		if err != nil {
			log.Fatal().Err(err).Int("pool", i).Msg("parse pool config")
		}
		vaultID, err := factory.CreatePool(adminID, p.Base, p.Order, p.Period(), sf)
		if err != nil {
			log.Fatal().Err(err).Int("pool", i).Msg("create pool")
		}
		if p.MinTotalSellQty != "" {
			min, err := config.ParseAmount(p.MinTotalSellQty, "min_total_sell_qty")
			if err != nil {
				log.Fatal().Err(err).Int("pool", i).Msg("parse pool config")
			}
			if err := sched.SetMinTotalSellQty(adminID, vaultID, min); err != nil {
				log.Fatal().Err(err).Int("pool", i).Msg("set min sell qty")
			}
		}
	}
	metrics.PoolsRegistered.Set(float64(len(facade.Pools())))

	// --- Services ---
	queryService := query.NewQueryService(db)

	sweepExecutor, err := executor.New(executorID, facade, cfg.ExecutorCron, metrics, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build executor")
	}

	httpServer := server.NewServer(cfg.HTTPAddr, &server.Deps{
		Facade:        facade,
		Factory:       factory,
		Scheduler:     sched,
		Bank:          bank,
		QueryService:  queryService,
		Executor:      sweepExecutor,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Log:           log,
	})

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Persistence worker
	persistWorker := persistence.NewWorker(db, persistChan, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout(), metrics, log)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	// 2. Outbound publisher
	publisher := publish.NewPublisher(js, publishChan, metrics, log)
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	// 3. Deposit ingestion
	depositSubscriber := ingest.NewDepositSubscriber(js, depositChan, log)
	if err := depositSubscriber.Subscribe(ctx); err != nil {
		log.Fatal().Err(err).Msg("subscribe deposits")
	}
	depositApplier := ingest.NewApplier(bank, depositChan, log)
	go func() {
		errChan <- depositApplier.Run(ctx)
	}()

	// 4. HTTP API
	go func() {
		errChan <- httpServer.Start(ctx)
	}()

	// 5. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metricsMux,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// 6. Sweep executor
	sweepExecutor.Start()

	healthChecker.SetReady(true)
	log.Info().
		Int("pools", len(facade.Pools())).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Str("cron", cfg.ExecutorCron).
		Msg("dcapool ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	sweepExecutor.Stop()
	depositSubscriber.Stop()
	cancel()

	// Closing the channels lets the workers flush what's left and exit.
	close(persistChan)
	close(publishChan)
	close(depositChan)
	time.Sleep(500 * time.Millisecond)

	log.Info().Msg("dcapool shutdown complete")
}

// identityFromEnv reads a stable UUID identity from the environment, minting
// a fresh one when unset. Minted identities are logged so operators can act
// under them within the process lifetime.
func identityFromEnv(key string, log zerolog.Logger) uuid.UUID {
	if v := os.Getenv(key); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			log.Fatal().Err(err).Str("env", key).Msg("invalid identity")
		}
		return id
	}
	id := uuid.New()
	log.Info().Str("env", key).Str("id", id.String()).Msg("minted identity")
	return id
}
