package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quantfold/tradeflow/internal/dbg"
	"github.com/quantfold/tradeflow/pkg/bus"
	"github.com/quantfold/tradeflow/pkg/common"
	"github.com/quantfold/tradeflow/pkg/emitter"
	"github.com/quantfold/tradeflow/pkg/exchange"
	"github.com/quantfold/tradeflow/pkg/exchange/paper"
	"github.com/quantfold/tradeflow/pkg/executor"
	"github.com/quantfold/tradeflow/pkg/feed"
	"github.com/quantfold/tradeflow/pkg/lifecycle"
	"github.com/quantfold/tradeflow/pkg/middleware"
	"github.com/quantfold/tradeflow/pkg/store"
	"github.com/quantfold/tradeflow/pkg/store/memory"
	"github.com/quantfold/tradeflow/pkg/store/psql"
	"github.com/quantfold/tradeflow/pkg/utility/fixed"
)

func main() {
	configPath := flag.String("config", ".", "directory containing config.yaml")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		panic(err)
	}

	logger := dbg.NewLogger(config.Mode)
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	logger.Info("tradeflow started", zap.String("mode", config.Mode))
	defer logger.Info("tradeflow finished")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	router := bus.NewBus(logger,
		bus.WithHandlerTimeout(config.Bus.HandlerTimeout),
		bus.WithShutdownGrace(config.Bus.ShutdownGrace))

	st, db, dbClose, err := openStore(ctx, config)
	if err != nil {
		logger.Fatal("unable to open store", zap.Error(err))
	}
	defer dbClose()

	prices, feedClose, err := openFeed(ctx, logger, config)
	if err != nil {
		logger.Fatal("unable to open price feed", zap.Error(err))
	}
	defer feedClose()

	var gatewayOptions []paper.Option
	if config.Gateway.SlippagePct > 0 {
		gatewayOptions = append(gatewayOptions, paper.WithSlippage(fixed.FromFloat64(config.Gateway.SlippagePct)))
	}
	if config.Gateway.MarginLimit > 0 {
		gatewayOptions = append(gatewayOptions, paper.WithMarginLimit(fixed.FromFloat64(config.Gateway.MarginLimit)))
	}
	if config.Gateway.RejectionRate > 0 {
		gatewayOptions = append(gatewayOptions, paper.WithRejectionRate(config.Gateway.RejectionRate, config.Gateway.RejectionSeed))
	}
	gateway := paper.NewGateway(logger, gatewayOptions...)

	registry := prometheus.NewRegistry()
	telemetry := middleware.NewTelemetry(registry)
	monitor := middleware.NewMonitor(middleware.MonitorRejections |
		middleware.MonitorExecutionFailures |
		middleware.MonitorPositionsOpened |
		middleware.MonitorPositionsClosed |
		middleware.MonitorRiskHalts)
	performance := middleware.NewPerformance(logger)

	go serveMetrics(logger, config.MetricsAddr, registry)

	exec := executor.NewExecutor(logger, router, st, gateway, executor.Config{
		Capital:         fixed.FromFloat64(config.Capital),
		RiskPerTradePct: fixed.FromFloat64(config.RiskPerTradePct),
		LotSize:         config.LotSize,
		Limits: common.RiskLimits{
			MaxConcurrentPositions: config.Risk.MaxConcurrentPositions,
			MaxCapitalAtRiskPct:    fixed.FromFloat64(config.Risk.MaxCapitalAtRiskPct),
			MaxDailyLossPct:        fixed.FromFloat64(config.Risk.MaxDailyLossPct),
			MaxConsecutiveLosses:   config.Risk.MaxConsecutiveLosses,
		},
		RetryAttempts: config.Monitor.RetryAttempts,
		RetryBackoff:  config.Monitor.RetryBackoff,
	})
	router.Subscribe(bus.SignalGeneratedEvent, "trade.executor",
		telemetry.Wrap("trade.executor",
			performance.Wrap("trade.executor",
				bus.Typed(exec.OnSignalGenerated))))

	closedHandler := monitor.WithPositionClosed(middleware.NoopHdl)
	haltHandler := monitor.WithRiskHalt(middleware.NoopHdl)
	if config.Ledger.Enabled && db != nil {
		ledger := middleware.NewLedger(db, config.Ledger.AppId, config.Ledger.AccountId)
		closedHandler = ledger.WithPositionClosed(closedHandler)
	}
	if config.Pushover.Token != "" {
		pushover := middleware.NewPushover(config.Pushover.User, config.Pushover.Token, config.Pushover.Device)
		closedHandler = pushover.WithPositionClosed(closedHandler)
		haltHandler = pushover.WithRiskHalt(haltHandler)
	}
	router.Subscribe(bus.PositionClosedEvent, "reporting", telemetry.Wrap("reporting", closedHandler))
	router.Subscribe(bus.RiskHaltEvent, "reporting", telemetry.Wrap("reporting", haltHandler))
	router.Subscribe(bus.PositionOpenedEvent, "reporting",
		telemetry.Wrap("reporting", monitor.WithPositionOpened(middleware.NoopHdl)))
	router.Subscribe(bus.SignalRejectedEvent, "reporting",
		telemetry.Wrap("reporting", monitor.WithSignalRejected(middleware.NoopHdl)))
	router.Subscribe(bus.SignalExecutionFailedEvent, "reporting",
		telemetry.Wrap("reporting", monitor.WithExecutionFailed(middleware.NoopHdl)))

	manager := lifecycle.NewManager(logger, router, st, prices, gateway, lifecycle.Config{
		Interval:              config.Monitor.Interval,
		PartialBookFraction:   fixed.FromFloat64(config.Monitor.PartialBookFraction),
		PartialBookTriggerPct: fixed.FromFloat64(config.Monitor.PartialBookTriggerPct),
		TrailDistancePct:      fixed.FromFloat64(config.Monitor.TrailDistancePct),
		MaxHoldDuration:       config.Monitor.MaxHoldDuration,
	})
	go manager.Run(ctx)

	strategy := NewBreakoutStrategy(logger,
		emitter.NewEmitter(logger, router, st),
		prices, config.Symbols)
	go strategy.Run(ctx)

	<-ctx.Done()

	router.Close()
	router.Statistics().Print(logger)
	performance.PrintStatistics()
}

func openStore(ctx context.Context, config Config) (store.Store, *sql.DB, func(), error) {
	if config.Store.Driver != "postgres" {
		return memory.NewStore(), nil, func() {}, nil
	}

	db, err := psql.Connect(ctx, config.Store.Host, config.Store.Port,
		config.Store.User, config.Store.Pass, config.Store.Name)
	if err != nil {
		return nil, nil, nil, err
	}

	st := psql.NewStore(db)
	if err := st.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, nil, err
	}
	if config.Ledger.Enabled {
		if err := psql.EnsureLedgerSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
	}
	return st, db, func() { _ = db.Close() }, nil
}

func openFeed(ctx context.Context, logger *zap.Logger, config Config) (exchange.PriceFeed, func(), error) {
	switch config.Feed.Kind {
	case "replay":
		replay := feed.NewReplay(config.Feed.Database)
		if err := replay.Connect(); err != nil {
			return nil, nil, err
		}
		to := time.Now().UTC()
		from := to.Add(-24 * time.Hour)
		for _, symbol := range config.Symbols {
			if err := replay.Load(ctx, symbol, from, to); err != nil {
				replay.Close()
				return nil, nil, err
			}
		}
		go advanceReplay(ctx, replay, config.Symbols)
		return replay, replay.Close, nil
	default:
		stream := feed.NewStream(logger, config.Feed.URL)
		if err := stream.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return stream, stream.Close, nil
	}
}

// advanceReplay steps recorded ticks forward in wall time so the lifecycle
// loop sees a moving market.
func advanceReplay(ctx context.Context, replay *feed.Replay, symbols []string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range symbols {
				replay.Advance(symbol)
			}
		}
	}
}

func serveMetrics(logger *zap.Logger, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
