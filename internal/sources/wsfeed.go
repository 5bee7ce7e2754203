package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	feedPingInterval   = 50 * time.Second // keep-alive cadence
	feedReadTimeout    = 90 * time.Second // ~2 missed pings triggers reconnect
	feedWriteTimeout   = 10 * time.Second
	feedMaxReconnect   = 30 * time.Second // cap on exponential backoff
	feedQuietTolerance = 2 * time.Minute  // a tick older than this reads as unavailable
)

// subscribeMsg is the first frame sent after connecting:
// {"op":"subscribe","assets":["ETH","USDC"]}
type subscribeMsg struct {
	Op     string   `json:"op"`
	Assets []string `json:"assets"`
}

// tickFrame is one price push from the feed:
// {"asset":"ETH","price_usd":"3250.10"}
type tickFrame struct {
	Asset    string `json:"asset"`
	PriceUSD string `json:"price_usd"`
}

type pricePoint struct {
	usd decimal.Decimal
	at  time.Time
}

// PushFeed consumes a websocket stream of price ticks and serves the latest
// value per asset. It satisfies the same price contract as HTTPSource, but
// reads come from the in-memory cache, never the network; a quiet or
// disconnected feed surfaces as ErrUnavailable once the cached tick ages out.
type PushFeed struct {
	url    string
	assets []string
	logger *slog.Logger

	connMu sync.Mutex // protects conn writes and swaps
	conn   *websocket.Conn

	mu   sync.RWMutex
	last map[string]pricePoint
}

// NewPushFeed builds a feed that subscribes to the given assets on connect.
func NewPushFeed(feedURL string, assets []string, logger *slog.Logger) *PushFeed {
	return &PushFeed{
		url:    feedURL,
		assets: assets,
		last:   make(map[string]pricePoint),
		logger: logger.With("component", "ws_feed"),
	}
}

// Price serves the most recent pushed tick for the asset.
func (f *PushFeed) Price(_ context.Context, asset string) (decimal.Decimal, error) {
	f.mu.RLock()
	point, ok := f.last[asset]
	f.mu.RUnlock()

	if !ok {
		return decimal.Zero, fmt.Errorf("no tick received for %s yet: %w", asset, ErrUnavailable)
	}
	if age := time.Since(point.at); age > feedQuietTolerance {
		return decimal.Zero, fmt.Errorf("feed quiet for %s since %s: %w", asset, age.Round(time.Second), ErrUnavailable)
	}
	return point.usd, nil
}

// Run connects and maintains the stream with auto-reconnect until ctx is
// cancelled. Backoff doubles from 1s to the 30s cap.
func (f *PushFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("price feed disconnected, reconnecting",
			"error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > feedMaxReconnect {
			backoff = feedMaxReconnect
		}
	}
}

// Close drops the current connection; Run will reconnect unless its context
// is already cancelled.
func (f *PushFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *PushFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.writeJSON(subscribeMsg{Op: "subscribe", Assets: f.assets}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("price feed connected", "assets", len(f.assets))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with a deadline so a silently dead server forces a reconnect.
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatch(msg)
	}
}

func (f *PushFeed) dispatch(data []byte) {
	var tick tickFrame
	if err := json.Unmarshal(data, &tick); err != nil {
		f.logger.Debug("ignoring non-tick feed message", "data", string(data))
		return
	}
	if tick.Asset == "" || tick.PriceUSD == "" {
		return
	}
	usd, err := decimal.NewFromString(tick.PriceUSD)
	if err != nil {
		f.logger.Error("unparseable tick price", "asset", tick.Asset, "price", tick.PriceUSD)
		return
	}

	f.mu.Lock()
	f.last[tick.Asset] = pricePoint{usd: usd, at: time.Now()}
	f.mu.Unlock()
}

func (f *PushFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("feed ping failed", "error", err)
				return
			}
		}
	}
}

func (f *PushFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *PushFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}
