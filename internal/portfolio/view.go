// Package portfolio aggregates wallet balances into valued snapshots. The
// view enumerates every configured (wallet, protocol, asset) holding, values
// it at oracle prices, and caches the result within a freshness window.
// Snapshots carry one timestamp each and timestamps are strictly increasing.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"airdrop-farmer/internal/clock"
	"airdrop-farmer/pkg/types"
)

// ErrPortfolioUnavailable marks a refresh that could not produce a snapshot:
// a required source failed in strict mode, or prices were not available.
var ErrPortfolioUnavailable = errors.New("portfolio unavailable")

// BalanceSource serves the quantity of an asset a wallet holds under one
// protocol.
type BalanceSource interface {
	Balance(ctx context.Context, wallet types.Wallet, protocol, asset string) (decimal.Decimal, error)
}

// NativeSource serves a wallet's native-token balance, used for gas health.
type NativeSource interface {
	NativeBalance(ctx context.Context, wallet types.Wallet) (decimal.Decimal, error)
}

// MarketSource provides the price snapshot used for valuation.
type MarketSource interface {
	Snapshot() (types.MarketSnapshot, error)
}

// Config tunes caching and failure behavior.
type Config struct {
	Freshness time.Duration
	Strict    bool // any source failure aborts the refresh
}

// View is the read-only aggregated portfolio. Safe for concurrent use.
type View struct {
	cfg       Config
	wallets   []types.Wallet
	protocols []types.Protocol
	balances  BalanceSource
	native    NativeSource
	market    MarketSource
	clk       clock.Clock
	logger    *slog.Logger

	mu    sync.RWMutex
	snap  types.PortfolioSnapshot
	ready bool
}

// New wires a view over the configured wallets and protocols. Disabled
// protocols are still enumerated: their holdings exist regardless of whether
// new actions may target them.
func New(cfg Config, wallets []types.Wallet, protocols []types.Protocol,
	balances BalanceSource, native NativeSource, market MarketSource,
	clk clock.Clock, logger *slog.Logger) *View {
	return &View{
		cfg:       cfg,
		wallets:   wallets,
		protocols: protocols,
		balances:  balances,
		native:    native,
		market:    market,
		clk:       clk,
		logger:    logger.With("component", "portfolio"),
	}
}

// Current returns the cached snapshot while it is within the freshness
// window, refreshing otherwise.
func (v *View) Current(ctx context.Context) (types.PortfolioSnapshot, error) {
	v.mu.RLock()
	if v.ready && v.clk.Since(v.snap.Taken) <= v.cfg.Freshness {
		snap := v.snap
		v.mu.RUnlock()
		return snap, nil
	}
	v.mu.RUnlock()
	return v.Refresh(ctx)
}

// Refresh forces a full reconciliation against the sources. In strict mode
// any source failure returns ErrPortfolioUnavailable; otherwise failing
// positions are skipped with a warning and the snapshot is marked partial.
func (v *View) Refresh(ctx context.Context) (types.PortfolioSnapshot, error) {
	market, err := v.market.Snapshot()
	if err != nil {
		return types.PortfolioSnapshot{}, fmt.Errorf("%w: prices: %w", ErrPortfolioUnavailable, err)
	}

	var positions []types.Position
	total := decimal.Zero
	partial := false

	for _, w := range v.wallets {
		for _, p := range v.protocols {
			for _, asset := range p.Assets {
				qty, err := v.balances.Balance(ctx, w, p.ID, asset)
				if err != nil {
					if v.cfg.Strict {
						return types.PortfolioSnapshot{}, fmt.Errorf("%w: balance %s/%s/%s: %w",
							ErrPortfolioUnavailable, w.ID, p.ID, asset, err)
					}
					v.logger.Warn("skipping position, balance source failed",
						"wallet", w.ID, "protocol", p.ID, "asset", asset, "error", err)
					partial = true
					continue
				}
				if qty.IsZero() {
					continue
				}
				price, ok := market.Prices[asset]
				if !ok {
					if v.cfg.Strict {
						return types.PortfolioSnapshot{}, fmt.Errorf("%w: no price for asset %q",
							ErrPortfolioUnavailable, asset)
					}
					v.logger.Warn("skipping position, no price",
						"wallet", w.ID, "protocol", p.ID, "asset", asset)
					partial = true
					continue
				}
				value := qty.Mul(price)
				positions = append(positions, types.Position{
					Wallet:   w.ID,
					Protocol: p.ID,
					Asset:    asset,
					Quantity: qty,
					ValueUSD: value,
				})
				total = total.Add(value)
			}
		}
	}

	nativeBal := make(map[string]decimal.Decimal, len(v.wallets))
	for _, w := range v.wallets {
		units, err := v.native.NativeBalance(ctx, w)
		if err != nil {
			if v.cfg.Strict {
				return types.PortfolioSnapshot{}, fmt.Errorf("%w: native balance %s: %w",
					ErrPortfolioUnavailable, w.ID, err)
			}
			v.logger.Warn("skipping native balance, source failed", "wallet", w.ID, "error", err)
			partial = true
			continue
		}
		nativeBal[w.ID] = units
	}

	v.mu.Lock()
	taken := v.clk.Now()
	if v.ready && !taken.After(v.snap.Taken) {
		// Snapshot times are strictly increasing even if the wall clock
		// stalls or regresses.
		taken = v.snap.Taken.Add(time.Nanosecond)
	}
	snap := types.PortfolioSnapshot{
		Taken:          taken,
		Positions:      positions,
		NativeBalances: nativeBal,
		TotalUSD:       total,
		Partial:        partial,
	}
	v.snap = snap
	v.ready = true
	v.mu.Unlock()

	v.logger.Debug("portfolio refreshed",
		"positions", len(positions), "total_usd", total, "partial", partial)
	return snap, nil
}
