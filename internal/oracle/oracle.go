// Package oracle maintains the farmer's view of market conditions: per-chain
// gas prices, asset prices, and the volatility index, sampled together into
// one consistent snapshot. Consumers read the cached snapshot; once its age
// exceeds the configured maximum the oracle serves ErrStaleData instead, and
// risk evaluation fails closed on it.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"airdrop-farmer/internal/bus"
	"airdrop-farmer/internal/clock"
	"airdrop-farmer/pkg/types"
)

// ErrStaleData marks a snapshot older than the configured max age. Callers
// must treat it as blocking for risky actions.
var ErrStaleData = errors.New("market data is stale")

// GasSource serves the current gas price for a chain, in gwei.
type GasSource interface {
	GasPrice(ctx context.Context, chain types.Chain) (decimal.Decimal, error)
}

// PriceSource serves the current USD price of an asset.
type PriceSource interface {
	Price(ctx context.Context, asset string) (decimal.Decimal, error)
}

// VolatilitySource serves the scalar volatility index.
type VolatilitySource interface {
	Volatility(ctx context.Context) (float64, error)
}

// Config bounds the oracle's polling and staleness behavior. Chains and
// Assets enumerate what each refresh samples; the composition root derives
// them from the configured protocols.
type Config struct {
	PollInterval time.Duration
	MaxAge       time.Duration
	Chains       []types.Chain
	Assets       []string
}

// Oracle polls the sources and caches the latest consistent snapshot. A
// failed poll keeps the previous snapshot in place; it ages out naturally.
type Oracle struct {
	cfg    Config
	gas    GasSource
	prices PriceSource
	vol    VolatilitySource
	clk    clock.Clock
	bus    *bus.Bus
	logger *slog.Logger

	mu    sync.RWMutex
	snap  types.MarketSnapshot
	ready bool
}

// New wires an oracle over the given sources.
func New(cfg Config, gas GasSource, prices PriceSource, vol VolatilitySource,
	clk clock.Clock, b *bus.Bus, logger *slog.Logger) *Oracle {
	return &Oracle{
		cfg:    cfg,
		gas:    gas,
		prices: prices,
		vol:    vol,
		clk:    clk,
		bus:    b,
		logger: logger.With("component", "oracle"),
	}
}

// Run polls the sources until ctx is cancelled. The first refresh happens
// immediately so consumers do not start against an empty cache.
func (o *Oracle) Run(ctx context.Context) {
	o.logger.Info("oracle started",
		"poll_interval", o.cfg.PollInterval, "max_age", o.cfg.MaxAge,
		"chains", len(o.cfg.Chains), "assets", len(o.cfg.Assets))

	if err := o.Refresh(ctx); err != nil {
		o.logger.Warn("initial market refresh failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("oracle stopped")
			return
		case <-o.clk.After(o.cfg.PollInterval):
			if err := o.Refresh(ctx); err != nil {
				o.logger.Warn("market refresh failed, keeping previous snapshot", "error", err)
			}
		}
	}
}

// Refresh samples every source once and atomically replaces the cached
// snapshot. All sources must answer: a partial round would break snapshot
// consistency, so any failure aborts the whole refresh.
func (o *Oracle) Refresh(ctx context.Context) error {
	gasByChain := make(map[types.Chain]decimal.Decimal, len(o.cfg.Chains))
	for _, chain := range o.cfg.Chains {
		gwei, err := o.gas.GasPrice(ctx, chain)
		if err != nil {
			return fmt.Errorf("gas price for %s: %w", chain, err)
		}
		gasByChain[chain] = gwei
	}

	priceByAsset := make(map[string]decimal.Decimal, len(o.cfg.Assets))
	for _, asset := range o.cfg.Assets {
		usd, err := o.prices.Price(ctx, asset)
		if err != nil {
			return fmt.Errorf("price for %s: %w", asset, err)
		}
		priceByAsset[asset] = usd
	}

	volIdx, err := o.vol.Volatility(ctx)
	if err != nil {
		return fmt.Errorf("volatility index: %w", err)
	}

	snap := types.MarketSnapshot{
		Taken:           o.clk.Now(),
		GasPriceGwei:    gasByChain,
		Prices:          priceByAsset,
		VolatilityIndex: volIdx,
	}

	// The maps are freshly built each round and never mutated after this
	// store, so readers may share them without copying.
	o.mu.Lock()
	o.snap = snap
	o.ready = true
	o.mu.Unlock()

	o.logger.Debug("market snapshot refreshed", "volatility", volIdx, "chains", len(gasByChain))
	o.publishSample(snap)
	return nil
}

func (o *Oracle) publishSample(snap types.MarketSnapshot) {
	gas := make(map[string]float64, len(snap.GasPriceGwei))
	for chain, gwei := range snap.GasPriceGwei {
		gas[string(chain)] = gwei.InexactFloat64()
	}
	prices := make(map[string]float64, len(snap.Prices))
	for asset, usd := range snap.Prices {
		prices[asset] = usd.InexactFloat64()
	}
	o.bus.Publish(bus.TopicMarket, types.Event{
		Timestamp: snap.Taken,
		Type:      types.EventMetricSampled,
		Severity:  types.SeverityInfo,
		Fields: map[string]any{
			"volatility": snap.VolatilityIndex,
			"gasGwei":    gas,
			"prices":     prices,
		},
	})
}

// Snapshot returns the cached snapshot, or ErrStaleData when none has been
// taken yet or the cache has aged past MaxAge.
func (o *Oracle) Snapshot() (types.MarketSnapshot, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if !o.ready {
		return types.MarketSnapshot{}, fmt.Errorf("no market data sampled yet: %w", ErrStaleData)
	}
	if age := o.clk.Since(o.snap.Taken); age > o.cfg.MaxAge {
		return types.MarketSnapshot{}, fmt.Errorf("snapshot age %s exceeds max %s: %w", age, o.cfg.MaxAge, ErrStaleData)
	}
	return o.snap, nil
}
