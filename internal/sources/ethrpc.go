package sources

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"

	"airdrop-farmer/pkg/types"
)

// EVMSource serves gas prices and native balances over standard Ethereum
// JSON-RPC, one client per configured chain. Construction dials every
// endpoint eagerly so a bad URL fails startup instead of the first refresh.
type EVMSource struct {
	clients map[types.Chain]*ethclient.Client
	logger  *slog.Logger
}

// NewEVMSource dials the configured chain → JSON-RPC endpoints.
func NewEVMSource(ctx context.Context, rpcURLs map[string]string, logger *slog.Logger) (*EVMSource, error) {
	clients := make(map[types.Chain]*ethclient.Client, len(rpcURLs))
	for chain, url := range rpcURLs {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, fmt.Errorf("dial %s rpc: %w", chain, err)
		}
		clients[types.Chain(chain)] = client
	}
	return &EVMSource{
		clients: clients,
		logger:  logger.With("component", "evm_source"),
	}, nil
}

// GasPrice returns the node's suggested gas price in gwei.
func (e *EVMSource) GasPrice(ctx context.Context, chain types.Chain) (decimal.Decimal, error) {
	client, ok := e.clients[chain]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rpc endpoint for chain %s: %w", chain, ErrUnavailable)
	}
	wei, err := client.SuggestGasPrice(ctx)
	if err != nil {
		e.logger.Warn("gas price query failed", "chain", chain, "error", err)
		return decimal.Zero, fmt.Errorf("suggest gas price on %s: %w", chain, ErrUnavailable)
	}
	return decimal.NewFromBigInt(wei, 0).Div(decimal.NewFromInt(params.GWei)), nil
}

// NativeBalance returns the wallet's smallest native-token balance across
// the configured chains, in whole units. The gas-reserve health rule wants
// the worst case: a wallet dry on any chain it farms cannot pay for gas
// there, whatever it holds elsewhere.
func (e *EVMSource) NativeBalance(ctx context.Context, wallet types.Wallet) (decimal.Decimal, error) {
	if wallet.Family != types.FamilyEVM {
		return decimal.Zero, fmt.Errorf("wallet %s is not an evm wallet: %w", wallet.ID, ErrUnavailable)
	}
	if len(e.clients) == 0 {
		return decimal.Zero, fmt.Errorf("no rpc endpoints configured: %w", ErrUnavailable)
	}

	var lowest decimal.Decimal
	first := true
	for chain, client := range e.clients {
		wei, err := client.BalanceAt(ctx, wallet.Address, nil)
		if err != nil {
			e.logger.Warn("balance query failed", "wallet", wallet.ID, "chain", chain, "error", err)
			return decimal.Zero, fmt.Errorf("native balance %s on %s: %w", wallet.ID, chain, ErrUnavailable)
		}
		units := decimal.NewFromBigInt(wei, 0).Div(decimal.NewFromInt(params.Ether))
		if first || units.LessThan(lowest) {
			lowest = units
			first = false
		}
	}
	return lowest, nil
}

// Close releases every RPC connection.
func (e *EVMSource) Close() {
	for _, client := range e.clients {
		client.Close()
	}
}
