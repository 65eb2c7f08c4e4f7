// Package exchange implements the spot exchange REST client.
//
// Client covers the two reads the trading core needs from the venue:
//   - Ticker:  GET /api/v1/ticker          — last/bid/ask/volume for a symbol
//   - Balance: GET /api/v1/account/balance — free balances per asset
//
// Requests are rate-limited through a token bucket and retried on transport
// errors and 5xx responses. Sim provides the same surface without a venue
// for dry-run deployments.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"voltrader/internal/config"
)

// Ticker is one market snapshot as returned by the venue.
type Ticker struct {
	Symbol     string  `json:"symbol"`
	Last       float64 `json:"last"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Open       float64 `json:"open"`
	BaseVolume float64 `json:"base_volume"`
	Percentage float64 `json:"percentage"`
}

// Exchange is the read surface the adapters and the risk service depend on.
type Exchange interface {
	Ticker(ctx context.Context, symbol string) (*Ticker, error)
	Balance(ctx context.Context) (map[string]float64, error)
}

// Client is the REST implementation of Exchange.
type Client struct {
	http   *resty.Client
	rl     *TokenBucket
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.ExchangeConfig, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rate := cfg.RateLimit
	if rate <= 0 {
		rate = 10
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryMax).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if cfg.ApiKey != "" {
		httpClient.SetHeader("X-API-Key", cfg.ApiKey)
	}

	return &Client{
		http:   httpClient,
		rl:     NewTokenBucket(2*rate, rate),
		logger: logger.With("component", "exchange"),
	}
}

// Ticker fetches the latest market snapshot for a symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (*Ticker, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result Ticker
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/api/v1/ticker")
	if err != nil {
		return nil, fmt.Errorf("get ticker %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get ticker %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	if result.Symbol == "" {
		result.Symbol = symbol
	}
	return &result, nil
}

// Balance fetches free balances per asset.
func (c *Client) Balance(ctx context.Context) (map[string]float64, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Free map[string]float64 `json:"free"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v1/account/balance")
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Free, nil
}
