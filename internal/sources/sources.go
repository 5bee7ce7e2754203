// Package sources implements the read-only market and portfolio feeds the
// oracle and portfolio view consume: a static in-memory source for dry runs
// and tests, a rate-limited HTTP source for prices/volatility/balances, a
// JSON-RPC source for gas prices and native balances, and a websocket push
// feed for streaming prices.
//
// Every source fails with an error wrapping ErrUnavailable so consumers can
// detect source outages uniformly with errors.Is.
package sources

import "errors"

// ErrUnavailable marks a source that cannot currently serve a value.
var ErrUnavailable = errors.New("source unavailable")
