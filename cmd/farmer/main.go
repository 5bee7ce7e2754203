// Airdrop Farmer — a control plane for systematic airdrop farming across
// wallets and DeFi protocols: scheduled on-chain interaction tasks, sized
// through a risk circuit breaker, with capital kept near target allocation.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go     — DAG scheduler: fires tasks, gates every launch through risk, drives rebalances
//	risk/manager.go      — circuit breaker and sizing: NORMAL/DEGRADED/HALTED, caps, reservations
//	alloc/allocator.go   — target weights (equal, risk_adjusted, momentum), drift, rebalance plans
//	registry/registry.go — task definitions: triggers, DAG validation, pause/resume switches
//	adapter/adapter.go   — protocol adapters; the simulator fabricates outcomes without a chain
//	oracle/oracle.go     — market snapshot cache: gas prices, asset prices, volatility, staleness
//	portfolio/view.go    — values wallet holdings at oracle prices into portfolio snapshots
//	sources/             — market and balance backends: HTTP API, JSON-RPC, websocket feed, static
//	journal/journal.go   — SQLite persistence: instances, transitions, risk and allocation history
//	bus/bus.go           — in-process pub/sub fanning events to the operator stream and metrics
//	api/server.go        — operator HTTP/websocket surface: status, circuit, task switches, rebalance
//	metrics/metrics.go   — Prometheus collectors on a private registry, served at /metrics
//
// How it farms:
//
//	Airdrops reward sustained on-chain activity. The farmer keeps a book of
//	wallets active across the configured protocols: tasks bridge, swap,
//	stake, and lend on jittered schedules so the activity pattern stays
//	organic, the allocator spreads capital so no protocol dominates the
//	book, and the risk manager sizes every action and trips the circuit
//	when losses, gas, volatility, or failure rates leave the envelope.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"airdrop-farmer/internal/adapter"
	"airdrop-farmer/internal/alloc"
	"airdrop-farmer/internal/api"
	"airdrop-farmer/internal/bus"
	"airdrop-farmer/internal/clock"
	"airdrop-farmer/internal/config"
	"airdrop-farmer/internal/engine"
	"airdrop-farmer/internal/journal"
	"airdrop-farmer/internal/metrics"
	"airdrop-farmer/internal/oracle"
	"airdrop-farmer/internal/portfolio"
	"airdrop-farmer/internal/registry"
	"airdrop-farmer/internal/risk"
	"airdrop-farmer/internal/sources"
	"airdrop-farmer/pkg/types"
)

// Exit codes: 0 clean shutdown, 2 unusable config, 3 runtime failure.
const (
	exitOK      = 0
	exitConfig  = 2
	exitRuntime = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load config
	cfgPath := "configs/farmer.yaml"
	if p := os.Getenv("FARMER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	jrnl, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		logger.Error("failed to open journal", "error", err, "path", cfg.Journal.Path)
		return exitRuntime
	}
	defer jrnl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := bus.New(logger)
	clk := clock.System{}
	wallets := cfg.RuntimeWallets()
	protocols := cfg.RuntimeProtocols()
	chains, assets := marketUniverse(protocols)

	// Market and balance sources. Dry runs read fixed values from config;
	// live mode polls HTTP and JSON-RPC backends, with an optional websocket
	// feed taking over prices.
	var (
		gasSrc   oracle.GasSource
		priceSrc oracle.PriceSource
		volSrc   oracle.VolatilitySource
		balSrc   portfolio.BalanceSource
		natSrc   portfolio.NativeSource
		feed     *sources.PushFeed
	)
	if cfg.DryRun {
		static := sources.NewStatic()
		if err := seedStatic(static, cfg.Oracle.Static); err != nil {
			logger.Error("invalid static market data", "error", err)
			return exitConfig
		}
		gasSrc, priceSrc, volSrc = static, static, static
		balSrc, natSrc = static, static
	} else {
		httpSrc := sources.NewHTTPSource(cfg.Oracle.PriceURL, cfg.Oracle.BalanceURL,
			cfg.Oracle.RateLimitRPS, logger)
		priceSrc, volSrc, balSrc = httpSrc, httpSrc, httpSrc

		evm, err := sources.NewEVMSource(ctx, cfg.Oracle.GasRPC, logger)
		if err != nil {
			logger.Error("failed to dial gas rpc endpoints", "error", err)
			return exitRuntime
		}
		defer evm.Close()
		gasSrc, natSrc = evm, evm

		if cfg.Oracle.FeedURL != "" {
			feed = sources.NewPushFeed(cfg.Oracle.FeedURL, assets, logger)
			go func() {
				if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("price feed stopped", "error", err)
				}
			}()
			priceSrc = feed
		}
	}
	// A pending websocket read does not observe ctx; Close unblocks it.
	defer func() {
		if feed != nil {
			feed.Close()
		}
	}()

	orc := oracle.New(oracle.Config{
		PollInterval: cfg.Oracle.PollInterval,
		MaxAge:       cfg.Oracle.MaxAge,
		Chains:       chains,
		Assets:       assets,
	}, gasSrc, priceSrc, volSrc, clk, eventBus, logger)

	view := portfolio.New(portfolio.Config{
		Freshness: cfg.Portfolio.Freshness,
		Strict:    cfg.Portfolio.Strict,
	}, wallets, protocols, balSrc, natSrc, orc, clk, logger)

	riskMgr, err := risk.New(cfg.Risk, protocols, orc, view, jrnl, eventBus, clk, logger)
	if err != nil {
		logger.Error("failed to restore risk state", "error", err)
		return exitRuntime
	}

	reg := registry.New(jrnl, logger)
	defs, err := cfg.RuntimeTaskDefs()
	if err != nil {
		logger.Error("invalid task definitions", "error", err)
		return exitConfig
	}
	if err := reg.RegisterAll(defs); err != nil {
		logger.Error("failed to register tasks", "error", err)
		return exitConfig
	}

	allocator, err := alloc.New(cfg.Allocator, cfg.Risk, protocols, view, riskMgr,
		jrnl, eventBus, clk, logger)
	if err != nil {
		logger.Error("failed to build allocator", "error", err)
		return exitRuntime
	}

	adapters := adapter.NewRegistry()
	registerAdapters(adapters, protocols, clk)

	eng, err := engine.New(*cfg, reg, riskMgr, allocator, adapters, jrnl, eventBus, clk, logger)
	if err != nil {
		logger.Error("failed to recover scheduler state", "error", err)
		return exitRuntime
	}

	mtr := metrics.New(eventBus, riskMgr, clk, logger)

	go orc.Run(ctx)
	go riskMgr.Run(ctx)
	go allocator.Run(ctx)
	go mtr.Run(ctx)

	var apiServer *api.Server
	if cfg.Operator.Enabled {
		apiServer = api.NewServer(cfg.Operator, api.Deps{
			Circuit:   riskMgr,
			Scheduler: eng,
			Alloc:     allocator,
			Tasks:     reg,
			Journal:   jrnl,
			Bus:       eventBus,
			Clock:     clk,
			Metrics:   mtr.Handler(),
			DryRun:    cfg.DryRun,
		}, logger)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("operator api failed", "error", err)
			}
		}()
	}

	engErr := make(chan error, 1)
	go func() { engErr <- eng.Run(ctx) }()

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — fixed market data, simulated execution")
	} else {
		logger.Warn("on-chain execution is not wired, actions will be simulated against live data")
	}
	logger.Info("airdrop farmer started",
		"wallets", len(wallets),
		"protocols", len(protocols),
		"tasks", len(defs),
		"algorithm", cfg.Allocator.Algorithm,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-engErr:
		logger.Error("scheduler failed", "error", err)
		if apiServer != nil {
			if stopErr := apiServer.Stop(); stopErr != nil {
				logger.Error("failed to stop operator api", "error", stopErr)
			}
		}
		return exitRuntime
	}

	// Stop the operator surface first so no commands land mid-drain.
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop operator api", "error", err)
		}
	}
	cancel()
	if err := <-engErr; err != nil {
		logger.Error("scheduler drain failed", "error", err)
		return exitRuntime
	}
	if n := riskMgr.CriticalCount(); n > 0 {
		logger.Error("internal errors were recorded this run", "count", n)
		return exitRuntime
	}

	logger.Info("airdrop farmer stopped")
	return exitOK
}

// marketUniverse collects the chains and assets the oracle samples each
// refresh, deduplicated across enabled protocols and sorted for
// deterministic refresh order.
func marketUniverse(protocols []types.Protocol) ([]types.Chain, []string) {
	chainSet := make(map[types.Chain]bool)
	assetSet := make(map[string]bool)
	for _, p := range protocols {
		if !p.Enabled {
			continue
		}
		chainSet[p.Chain] = true
		for _, a := range p.Assets {
			assetSet[a] = true
		}
	}
	chains := make([]types.Chain, 0, len(chainSet))
	for c := range chainSet {
		chains = append(chains, c)
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i] < chains[j] })
	assets := make([]string, 0, len(assetSet))
	for a := range assetSet {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	return chains, assets
}

// seedStatic loads the dry-run market fixture. Balance keys are
// "wallet/protocol/asset".
func seedStatic(s *sources.Static, m config.StaticMarket) error {
	for chain, gwei := range m.GasGwei {
		s.SetGas(types.Chain(chain), decimal.NewFromFloat(gwei))
	}
	for asset, usd := range m.Prices {
		s.SetPrice(asset, decimal.NewFromFloat(usd))
	}
	s.SetVolatility(m.Volatility)
	for key, qty := range m.Balances {
		parts := strings.SplitN(key, "/", 3)
		if len(parts) != 3 {
			return fmt.Errorf("oracle.static.balances: key %q is not wallet/protocol/asset", key)
		}
		s.SetBalance(parts[0], parts[1], parts[2], decimal.NewFromFloat(qty))
	}
	for wallet, units := range m.NativeBal {
		s.SetNativeBalance(wallet, decimal.NewFromFloat(units))
	}
	return nil
}

// registerAdapters wires one simulator per enabled protocol. On-chain
// execution is not part of this build, so live mode pairs real market data
// with simulated outcomes.
func registerAdapters(reg *adapter.Registry, protocols []types.Protocol, clk clock.Clock) {
	seed := int64(1)
	for _, p := range protocols {
		if !p.Enabled {
			continue
		}
		reg.Register(p.ID, adapter.NewSimulator(adapter.SimConfig{
			Latency:      250 * time.Millisecond,
			FailRate:     0.02,
			PnLSpreadPct: 0.001,
			GasGwei:      15,
			GasUSD:       0.5,
			Seed:         seed,
		}, clk, p.Kinds))
		seed++
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
