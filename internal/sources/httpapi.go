package sources

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"airdrop-farmer/pkg/types"
)

// priceResponse is the JSON shape of the price endpoint:
// GET {base}/prices?asset=ETH → {"asset":"ETH","price_usd":"1800.50"}
type priceResponse struct {
	Asset    string `json:"asset"`
	PriceUSD string `json:"price_usd"`
}

// volatilityResponse is the JSON shape of the volatility endpoint:
// GET {base}/volatility → {"index":0.42}
type volatilityResponse struct {
	Index float64 `json:"index"`
}

// balanceResponse is the JSON shape of the balance endpoint:
// GET {base}/balances?address=0x..&protocol=scroll-swap&asset=USDC
// → {"quantity":"1250.00"}
type balanceResponse struct {
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
	Asset    string `json:"asset"`
	Quantity string `json:"quantity"`
}

// HTTPSource fetches prices, the volatility index, and token balances from an
// indexer-style REST API. Requests pass through a shared rate limiter so
// a refresh burst cannot exceed the provider's quota.
type HTTPSource struct {
	priceClient   *resty.Client
	balanceClient *resty.Client
	limiter       *rate.Limiter
	logger        *slog.Logger
}

// NewHTTPSource builds a source over the configured price and balance
// endpoints. rps bounds the steady request rate across both clients.
func NewHTTPSource(priceURL, balanceURL string, rps float64, logger *slog.Logger) *HTTPSource {
	if rps <= 0 {
		rps = 5
	}
	newClient := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second)
	}
	return &HTTPSource{
		priceClient:   newClient(priceURL),
		balanceClient: newClient(balanceURL),
		limiter:       rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		logger:        logger.With("component", "http_source"),
	}
}

func (h *HTTPSource) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	var body priceResponse
	resp, err := h.priceClient.R().
		SetContext(ctx).
		SetQueryParam("asset", asset).
		SetResult(&body).
		Get("/prices")
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch price %s: %w", asset, ErrUnavailable)
	}
	if resp.StatusCode() != 200 {
		return decimal.Zero, fmt.Errorf("fetch price %s: status %d: %w", asset, resp.StatusCode(), ErrUnavailable)
	}

	price, err := decimal.NewFromString(body.PriceUSD)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q for %s: %w", body.PriceUSD, asset, err)
	}
	return price, nil
}

func (h *HTTPSource) Volatility(ctx context.Context) (float64, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var body volatilityResponse
	resp, err := h.priceClient.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/volatility")
	if err != nil {
		return 0, fmt.Errorf("fetch volatility: %w", ErrUnavailable)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("fetch volatility: status %d: %w", resp.StatusCode(), ErrUnavailable)
	}
	return body.Index, nil
}

func (h *HTTPSource) Balance(ctx context.Context, wallet types.Wallet, protocol, asset string) (decimal.Decimal, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	var body balanceResponse
	resp, err := h.balanceClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"address":  wallet.Address.Hex(),
			"protocol": protocol,
			"asset":    asset,
		}).
		SetResult(&body).
		Get("/balances")
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch balance %s/%s/%s: %w", wallet.ID, protocol, asset, ErrUnavailable)
	}
	if resp.StatusCode() != 200 {
		return decimal.Zero, fmt.Errorf("fetch balance %s/%s/%s: status %d: %w", wallet.ID, protocol, asset, resp.StatusCode(), ErrUnavailable)
	}

	qty, err := decimal.NewFromString(body.Quantity)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q for %s/%s/%s: %w", body.Quantity, wallet.ID, protocol, asset, err)
	}
	return qty, nil
}
