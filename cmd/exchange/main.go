package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hyperestate/params"
	"github.com/uhyunpark/hyperestate/pkg/api"
	"github.com/uhyunpark/hyperestate/pkg/app/core/holdings"
	"github.com/uhyunpark/hyperestate/pkg/app/core/matching"
	"github.com/uhyunpark/hyperestate/pkg/app/core/registry"
	"github.com/uhyunpark/hyperestate/pkg/app/core/settlement"
	"github.com/uhyunpark/hyperestate/pkg/app/core/store"
	"github.com/uhyunpark/hyperestate/pkg/app/exchange"
	"github.com/uhyunpark/hyperestate/pkg/events"
	"github.com/uhyunpark/hyperestate/pkg/ledger"
	"github.com/uhyunpark/hyperestate/pkg/metrics"
	"github.com/uhyunpark/hyperestate/pkg/storage"
	"github.com/uhyunpark/hyperestate/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.Node.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	if err := run(cfg, sugar); err != nil {
		sugar.Fatalw("exchange_failed", "error", err)
	}
}

func run(cfg params.Config, sugar *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := util.RealClock{}

	// ---- Token registry ----
	reg := registry.New()
	var seed registry.Seed
	if cfg.Node.TokensFile != "" {
		var err error
		if seed, err = registry.LoadFile(cfg.Node.TokensFile); err != nil {
			return err
		}
		if err := seed.Apply(reg); err != nil {
			return err
		}
	}
	sugar.Infow("registry_loaded", "tokens", reg.Count(), "file", cfg.Node.TokensFile)

	// ---- Storage ----
	hm, err := holdings.NewManager(cfg.Storage.HoldingsPath(), clock, sugar.Named("holdings"))
	if err != nil {
		return err
	}
	defer hm.Close()
	seedHoldings(hm, seed.Allocations, sugar)

	archive, err := storage.NewPebbleStore(cfg.Storage.TradesPath())
	if err != nil {
		return err
	}
	defer archive.Close()

	trades := store.NewTradeStore()
	warmed, err := exchange.WarmTrades(trades, archive)
	if err != nil {
		return err
	}
	sugar.Infow("trade_archive_loaded", "trades", warmed)

	journal, err := ledger.OpenJournal(cfg.Storage.JournalPath(), cfg.Settlement.QueueSize, sugar.Named("journal"))
	if err != nil {
		return err
	}
	defer journal.Close()

	// ---- External ledger ----
	sim := ledger.NewSimulatedLedger(cfg.Settlement.LedgerLatency, cfg.Settlement.TokenFailRate, cfg.Settlement.PaymentFailRate)
	gateway := ledger.NewRetryingGateway(sim, cfg.Settlement.LedgerRetries, 0, sugar.Named("ledger"))

	// ---- Metrics & events ----
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.PrometheusMetrics("hyperestate", promReg)

	hub := api.NewHub(sugar.Named("ws"))
	publishers := events.Multi{hub}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, sugar.Named("kafka"))
		defer kp.Close()
		publishers = append(publishers, kp)
		sugar.Infow("kafka_enabled", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.KafkaTopic)
	}

	// ---- Exchange ----
	app := exchange.New(exchange.Config{
		Engine: matching.Config{
			InboxSize:       cfg.Engine.InboxSize,
			DefaultOrderTTL: cfg.Engine.DefaultOrderTTL,
		},
		Settlement: settlement.Config{
			Workers:   cfg.Settlement.Workers,
			QueueSize: cfg.Settlement.QueueSize,
			Currency:  cfg.Settlement.Currency,
		},
		SweepInterval: cfg.Engine.SweepInterval,
		SnapshotDepth: cfg.Engine.SnapshotDepth,
		StatsWindow:   cfg.Market.StatsWindow,
	}, exchange.Deps{
		Registry:  reg,
		Holdings:  hm,
		Gateway:   gateway,
		Journal:   journal,
		Archive:   archive,
		Trades:    trades,
		Publisher: publishers,
		Metrics:   m,
		Clock:     clock,
		Logger:    sugar,
	})
	defer app.Close()

	apiServer := api.NewServer(app, hub, promReg, cfg.Node.AllowedOrigins, sugar.Named("api")).
		WithTransactions(journal)

	sugar.Infow("exchange_starting",
		"api_addr", cfg.Node.APIAddr,
		"settlement_workers", cfg.Settlement.Workers,
		"sweep_interval", cfg.Engine.SweepInterval.String(),
		"order_ttl", cfg.Engine.DefaultOrderTTL.String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { hub.Run(gctx); return nil })
	g.Go(func() error { return journal.Run(gctx) })
	g.Go(func() error { return app.Run(gctx) })
	g.Go(func() error { return apiServer.Start(gctx, cfg.Node.APIAddr) })
	if cfg.Feeder.Enabled {
		feeder := exchange.NewFeeder(app, hm, exchange.FeederConfig{
			Interval:       cfg.Feeder.Interval,
			OrdersPerTick:  cfg.Feeder.OrdersPerTick,
			Traders:        cfg.Feeder.Traders,
			InitialHolding: cfg.Feeder.InitialHolding,
		}, clock, sugar.Named("feeder"))
		g.Go(func() error { return feeder.Run(gctx) })
	}

	err = g.Wait()
	sugar.Infow("exchange_stopped", "error", err)
	return err
}

// seedHoldings credits primary-offering allocations. A user who already holds
// the token is skipped, so restarts do not credit twice.
func seedHoldings(hm *holdings.Manager, allocs []registry.Allocation, sugar *zap.SugaredLogger) {
	for _, a := range allocs {
		held, err := hm.Get(a.UserID, a.TokenID)
		if err != nil {
			sugar.Warnw("allocation_lookup_failed", "user_id", a.UserID, "token_id", a.TokenID, "error", err)
			continue
		}
		if held > 0 {
			continue
		}
		if err := hm.Credit(a.UserID, a.TokenID, a.Quantity); err != nil {
			sugar.Warnw("allocation_failed", "user_id", a.UserID, "token_id", a.TokenID, "error", err)
			continue
		}
		sugar.Infow("allocation_credited", "user_id", a.UserID, "token_id", a.TokenID, "quantity", a.Quantity)
	}
}
