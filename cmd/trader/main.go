// Command trader launches the Deribit trading client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/quantfall/deriva/config"
	"github.com/quantfall/deriva/internal/export"
	"github.com/quantfall/deriva/internal/latency"
	"github.com/quantfall/deriva/internal/marketdata"
	"github.com/quantfall/deriva/internal/monitor"
	"github.com/quantfall/deriva/internal/observability"
	"github.com/quantfall/deriva/internal/risk"
	"github.com/quantfall/deriva/internal/schema"
	"github.com/quantfall/deriva/internal/session"
	"github.com/quantfall/deriva/internal/strategy"
	"github.com/quantfall/deriva/lib/telemetry"
)

const (
	defaultConfigPath        = "config/deriva.yaml"
	traderLoggerPrefix       = "trader "
	subscribeTimeout         = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath, debug := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	stdLogger := log.New(os.Stdout, traderLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(stdLogger, debug))

	cfg, loadedFromFile, err := config.Load(resolveConfigPath(cfgPath))
	if err != nil {
		stdLogger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		stdLogger.Print("configuration file not found, using defaults")
	}
	stdLogger.Printf("configuration initialised: env=%s, strategies=%d", cfg.Environment, len(cfg.Strategies))

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		stdLogger.Fatalf("initialize telemetry: %v", err)
	}

	metrics := observability.NewRuntimeMetrics()
	recorder := latency.NewRecorder(cfg.Performance.SampleWindow)

	store := marketdata.NewStore(marketdata.Options{
		TradeDepth: cfg.Performance.TradeHistoryDepth,
		StaleAfter: cfg.Performance.StaleAfter,
		Metrics:    metrics,
	})

	engine := riskEngine(cfg.Trading, metrics)

	sess := session.NewSession(cfg.Network, session.Options{
		Store:    store,
		Risk:     engine,
		Recorder: recorder,
		Metrics:  metrics,
	})
	if err := sess.Start(ctx); err != nil {
		stdLogger.Fatalf("connect: %v", err)
	}
	stdLogger.Printf("session ready: %s", cfg.Network.WebsocketURL)

	if err := subscribeFeeds(ctx, sess, cfg); err != nil {
		sess.Close()
		store.Close()
		stdLogger.Fatalf("subscribe: %v", err)
	}

	runner, err := startStrategies(store, sess, recorder, cfg)
	if err != nil {
		sess.Close()
		store.Close()
		stdLogger.Fatalf("start strategies: %v", err)
	}

	resources := monitor.NewMonitor(monitor.Options{
		Interval:          cfg.Performance.ResourceInterval,
		CPUThresholdPct:   cfg.Performance.CPUThresholdPercent,
		MemoryThresholdMB: cfg.Performance.MemoryThresholdMB,
	})
	resources.Start()

	exporter, err := export.NewExporter(export.Options{
		Dir:        cfg.Performance.ExportDir,
		Interval:   cfg.Performance.ExportInterval,
		Recorder:   recorder,
		Metrics:    metrics,
		Monitor:    resources,
		Strategies: runner.MetricsAll,
	})
	if err != nil {
		stdLogger.Fatalf("initialise exporter: %v", err)
	}
	exporter.Start()

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		watchLatency(ctx, recorder, cfg.Performance.LatencyThreshold, cfg.Performance.ResourceInterval)
	})

	stdLogger.Print("trader started; awaiting shutdown signal")
	select {
	case <-ctx.Done():
		stdLogger.Print("shutdown signal received, initiating graceful shutdown")
	case err := <-sess.Fatal():
		stdLogger.Printf("session failed: %v", err)
		cancel()
	}

	shutdownStart := time.Now()
	cancel()
	lifecycle.Wait()
	exporter.Close()
	resources.Close()
	runner.Close()
	sess.Close()
	store.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer shutdownCancel()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		stdLogger.Printf("shutdown: telemetry failed: %v", err)
	}
	stdLogger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *debug
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func riskEngine(cfg config.TradingConfig, metrics *observability.RuntimeMetrics) *risk.Engine {
	engine := risk.NewEngine(risk.Limits{
		MaxPositionSize: cfg.MaxPositionSize,
		MaxOrderSize:    cfg.MaxOrderSize,
		MaxLossPerTrade: cfg.MaxLossPerTrade,
		MaxDailyLoss:    cfg.MaxDailyLoss,
		MaxExposure:     cfg.MaxExposure,
		MaxOpenOrders:   cfg.MaxOpenOrders,
		OrderThrottle:   cfg.OrderThrottle,
	}).WithRuntimeMetrics(metrics)
	engine.SetViolationCallback(func(instrument, reason string) {
		observability.Log().Warn("risk violation",
			observability.F("instrument", instrument),
			observability.F("reason", reason))
	})
	return engine
}

// subscribeFeeds opens the private user channels plus market data for every
// instrument a configured strategy trades.
func subscribeFeeds(ctx context.Context, sess *session.Session, cfg config.Settings) error {
	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	if cfg.Network.Credentials.APIKey != "" {
		if err := sess.SubscribeUserData(subCtx); err != nil {
			return err
		}
	}
	instruments := make(map[string]struct{}, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		if _, seen := instruments[sc.Instrument]; seen {
			continue
		}
		instruments[sc.Instrument] = struct{}{}
		if err := sess.SubscribeMarketData(subCtx, sc.Instrument); err != nil {
			return err
		}
	}
	return nil
}

func startStrategies(store *marketdata.Store, sess *session.Session, recorder *latency.Recorder, cfg config.Settings) (*strategy.Runner, error) {
	runner, err := strategy.NewRunner(store, sess, strategy.Options{
		Workers:  cfg.Performance.WorkerCount,
		Queue:    cfg.Performance.MaxQueueSize,
		Recorder: recorder,
	})
	if err != nil {
		return nil, err
	}
	runner.SetTradeCallback(func(name string, order *schema.Order, pnl float64) {
		observability.Log().Info("strategy trade",
			observability.F("strategy", name),
			observability.F("order_id", order.OrderID),
			observability.F("instrument", order.Instrument),
			observability.F("side", string(order.Side)),
			observability.F("pnl", pnl))
	})
	for _, sc := range cfg.Strategies {
		if err := runner.AddStrategy(sc); err != nil {
			runner.Close()
			return nil, err
		}
	}
	return runner, nil
}

// watchLatency warns when an operation's rolling average exceeds the
// configured threshold.
func watchLatency(ctx context.Context, recorder *latency.Recorder, threshold, interval time.Duration) {
	if threshold <= 0 {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stats := range recorder.SnapshotAll() {
				if stats.Avg > threshold {
					observability.Log().Warn("operation latency above threshold",
						observability.F("operation", stats.Operation),
						observability.F("avg", stats.Avg.String()),
						observability.F("threshold", threshold.String()))
				}
			}
		}
	}
}
