// Package hyperliquid implements the exchange gateway for Hyperliquid
// perpetuals over its REST info/exchange endpoints.
package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"whale-core/pkg/cache"
	"whale-core/pkg/errs"
	"whale-core/pkg/exchanges/common"
)

const (
	MainnetURL   = "https://api.hyperliquid.xyz"
	TestnetURL   = "https://api.hyperliquid-testnet.xyz"
	MainnetWSURL = "wss://api.hyperliquid.xyz/ws"
	TestnetWSURL = "wss://api.hyperliquid-testnet.xyz/ws"

	MainnetStatsURL = "https://stats-data.hyperliquid.xyz/Mainnet"
	TestnetStatsURL = "https://stats-data.hyperliquid.xyz/Testnet"

	maxResponseBytes = 8 << 20
)

// Config holds connection settings.
type Config struct {
	BaseURL   string
	Testnet   bool
	Timeout   time.Duration   // per call
	Slippage  decimal.Decimal // market order price protection, 0.01 = 1%
	RateLimit float64         // requests per second, 0 disables spacing
	RateBurst int
	MetaTTL   time.Duration
	StatsURL  string        // leaderboard host; derived from the network when empty
	StatsTTL  time.Duration // leaderboard cache lifetime
}

// Client talks to Hyperliquid. It keeps no per-user state: signing calls take
// the key as an argument and read calls take the public address.
type Client struct {
	cfg        Config
	baseURL    string
	statsURL   string
	mainnet    bool
	httpClient *http.Client
	limiter    *common.RateLimiter
	nonces     *common.NonceClock
	assets     *cache.Sharded[common.Asset]
	leaders    *cache.Sharded[[]common.Leader]
	log        *zap.Logger
}

var _ common.Gateway = (*Client)(nil)

// NewClient creates a client. Zero config fields fall back to mainnet, a 10s
// timeout, 1% slippage and a 5 minute metadata cache.
func NewClient(cfg Config, log *zap.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = MainnetURL
		if cfg.Testnet {
			base = TestnetURL
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Slippage.IsZero() {
		cfg.Slippage = decimal.RequireFromString("0.01")
	}
	if cfg.MetaTTL <= 0 {
		cfg.MetaTTL = 5 * time.Minute
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	mainnet := signsForMainnet(base, cfg.Testnet)
	if mainnet == cfg.Testnet {
		log.Warn("exchange URL overrides the testnet flag for signing",
			zap.String("base_url", base), zap.Bool("testnet_flag", cfg.Testnet), zap.Bool("mainnet_signing", mainnet))
	}
	stats := cfg.StatsURL
	if stats == "" {
		stats = MainnetStatsURL
		if !mainnet {
			stats = TestnetStatsURL
		}
	}
	return &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(base, "/"),
		statsURL:   strings.TrimRight(stats, "/"),
		mainnet:    mainnet,
		httpClient: &http.Client{Timeout: cfg.Timeout + time.Second}, // ctx deadline fires first
		limiter:    common.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		nonces:     common.NewNonceClock(nil),
		assets:     cache.New[common.Asset](cfg.MetaTTL),
		leaders:    cache.New[[]common.Leader](cfg.StatsTTL),
		log:        log.Named("hyperliquid"),
	}
}

// signsForMainnet picks the signing network from the endpoint actually in
// use. Official hosts decide; unknown hosts (proxies, test servers) follow
// the testnet flag.
func signsForMainnet(base string, testnet bool) bool {
	host := strings.ToLower(base)
	switch {
	case strings.Contains(host, "hyperliquid-testnet"):
		return false
	case strings.Contains(host, "hyperliquid.xyz"):
		return true
	}
	return !testnet
}

// Mainnet reports whether actions are signed for mainnet.
func (c *Client) Mainnet() bool { return c.mainnet }

// post sends a JSON body and decodes the JSON reply into out. Every call is
// bounded by the configured timeout on top of ctx.
func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.KindUnknown, op, fmt.Errorf("encode request: %w", err))
	}
	return c.do(ctx, op, http.MethodPost, c.baseURL+path, payload, maxResponseBytes, c.limiter, out)
}

// get fetches a JSON document from an absolute URL on another host. It
// bypasses the API rate limiter, which tracks the API host only.
func (c *Client) get(ctx context.Context, op, url string, limit int64, out any) error {
	return c.do(ctx, op, http.MethodGet, url, nil, limit, nil, out)
}

func (c *Client) do(ctx context.Context, op, method, url string, payload []byte, limit int64, lim *common.RateLimiter, out any) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return errs.Wrap(errs.KindUnknown, op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, limit))
	if err != nil {
		return classifyTransport(op, err)
	}
	c.log.Debug("exchange call",
		zap.String("op", op),
		zap.Int("status", res.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if res.StatusCode == http.StatusTooManyRequests {
		if lim != nil {
			lim.Penalize(retryAfter(res.Header.Get("Retry-After")))
		}
		return errs.Newf(errs.KindRateLimited, op, "status 429: %s", snippet(b))
	}
	if res.StatusCode >= 300 {
		return classifyStatus(op, res.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return errs.Wrap(errs.KindUnknown, op, fmt.Errorf("decode response: %w (body %s)", err, snippet(b)))
	}
	return nil
}

func (c *Client) info(ctx context.Context, op string, body, out any) error {
	return c.post(ctx, op, "/info", body, out)
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}

func snippet(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
