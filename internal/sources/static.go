package sources

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"airdrop-farmer/pkg/types"
)

// Static serves fixed values set by the composition root or a test. It backs
// dry-run mode, where no network source is wired. All setters are safe for
// concurrent use with reads.
type Static struct {
	mu       sync.RWMutex
	gas      map[types.Chain]decimal.Decimal
	prices   map[string]decimal.Decimal
	vol      float64
	balances map[string]decimal.Decimal // "wallet/protocol/asset" → quantity
	native   map[string]decimal.Decimal // wallet id → native units
	err      error                      // when set, all reads fail with it
}

// NewStatic returns an empty static source. Populate it with the Set
// methods before use.
func NewStatic() *Static {
	return &Static{
		gas:      make(map[types.Chain]decimal.Decimal),
		prices:   make(map[string]decimal.Decimal),
		balances: make(map[string]decimal.Decimal),
		native:   make(map[string]decimal.Decimal),
	}
}

func (s *Static) SetGas(chain types.Chain, gwei decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gas[chain] = gwei
}

func (s *Static) SetPrice(asset string, usd decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = usd
}

func (s *Static) SetVolatility(idx float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vol = idx
}

func (s *Static) SetBalance(wallet, protocol, asset string, qty decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[wallet+"/"+protocol+"/"+asset] = qty
}

func (s *Static) SetNativeBalance(wallet string, units decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.native[wallet] = units
}

// SetError makes every read fail until cleared with SetError(nil). Tests use
// this to simulate source outages.
func (s *Static) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) GasPrice(_ context.Context, chain types.Chain) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return decimal.Zero, s.err
	}
	gwei, ok := s.gas[chain]
	if !ok {
		return decimal.Zero, fmt.Errorf("no gas price for chain %s: %w", chain, ErrUnavailable)
	}
	return gwei, nil
}

func (s *Static) Price(_ context.Context, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return decimal.Zero, s.err
	}
	usd, ok := s.prices[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for asset %s: %w", asset, ErrUnavailable)
	}
	return usd, nil
}

func (s *Static) Volatility(_ context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.vol, nil
}

func (s *Static) Balance(_ context.Context, wallet types.Wallet, protocol, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return decimal.Zero, s.err
	}
	// Unset balances read as zero: a wallet that never touched an asset
	// holds none of it.
	return s.balances[wallet.ID+"/"+protocol+"/"+asset], nil
}

func (s *Static) NativeBalance(_ context.Context, wallet types.Wallet) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return decimal.Zero, s.err
	}
	return s.native[wallet.ID], nil
}
