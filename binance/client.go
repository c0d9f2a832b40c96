// Package binance is a signed REST and streaming client for the Binance
// USDT-margined futures API. Authenticated endpoints carry the account API
// key in the X-MBX-APIKEY header and an HMAC-SHA256 signature over the
// query string.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"futures-fleet/account"
)

// Order sides and types accepted by the futures order endpoint.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket = "MARKET"
)

// ErrTransport marks network-level failures (dial, timeout, dropped
// connection). Callers treat these as transient.
var ErrTransport = errors.New("transport error")

// APIError is an exchange-side rejection, carrying the error payload the
// exchange returned.
type APIError struct {
	Code    int64  `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange rejected request: code=%d msg=%q", e.Code, e.Message)
}

// Config holds client connection settings.
type Config struct {
	BaseURL      string        `json:"base_url"`
	StreamURL    string        `json:"stream_url"`
	Timeout      time.Duration `json:"timeout"`
	RecvWindow   int           `json:"recv_window"`
	RateLimitRPS int           `json:"rate_limit_rps"`
}

// DefaultConfig returns production endpoints and conservative limits.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://fapi.binance.com",
		StreamURL:    "wss://fstream.binance.com",
		Timeout:      10 * time.Second,
		RecvWindow:   10000,
		RateLimitRPS: 10,
	}
}

// Client talks to the futures REST API. Safe for concurrent use by all
// account tasks; per-account state lives in the request credentials, not
// here.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewClient creates a REST client with a bounded per-request timeout.
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = DefaultConfig().RateLimitRPS
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimitRPS), config.RateLimitRPS),
		logger:     logger.Named("binance"),
	}
}

// StreamEndpoint returns the websocket URL for a user data stream keyed by
// the given listen key.
func (c *Client) StreamEndpoint(listenKey string) string {
	return c.config.StreamURL + "/ws/" + listenKey
}

// do performs one HTTP request against the REST API. A non-2xx response
// with a decodable error body surfaces as *APIError; everything
// network-shaped wraps ErrTransport.
func (c *Client) do(ctx context.Context, method, path, query, apiKey string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	url := c.config.BaseURL + path
	if query != "" {
		url += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	if apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response %s: %v", ErrTransport, path, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr == nil && apiErr.Code != 0 {
			return nil, apiErr
		}
		return nil, &APIError{Code: int64(resp.StatusCode), Message: string(body)}
	}

	return body, nil
}

// signedGet issues a GET with a signed query for the given account.
func (c *Client) signedGet(ctx context.Context, path string, params Params, acct account.Account) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, SignedQuery(params, acct.APISecret), acct.APIKey)
}

// signedPost issues a POST with a signed query for the given account. The
// futures API takes order parameters in the query string, not the body.
func (c *Client) signedPost(ctx context.Context, path string, params Params, acct account.Account) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, SignedQuery(params, acct.APISecret), acct.APIKey)
}

// WalletBalance returns the account's USDT wallet balance.
func (c *Client) WalletBalance(ctx context.Context, acct account.Account) (float64, error) {
	body, err := c.signedGet(ctx, "/fapi/v2/account", nil, acct)
	if err != nil {
		return 0, err
	}

	var payload struct {
		Assets []struct {
			Asset         string `json:"asset"`
			WalletBalance string `json:"walletBalance"`
		} `json:"assets"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode account payload: %w", err)
	}

	for _, asset := range payload.Assets {
		if asset.Asset == "USDT" {
			balance, err := strconv.ParseFloat(asset.WalletBalance, 64)
			if err != nil {
				return 0, fmt.Errorf("parse USDT balance %q: %w", asset.WalletBalance, err)
			}
			return balance, nil
		}
	}
	return 0, errors.New("account has no USDT asset")
}

// PositionRisk is one entry of the position risk endpoint.
type PositionRisk struct {
	Symbol           string
	PositionAmt      float64
	EntryPrice       float64
	UnrealizedProfit float64
}

// OpenPositions returns all positions with non-zero quantity.
func (c *Client) OpenPositions(ctx context.Context, acct account.Account) ([]PositionRisk, error) {
	body, err := c.signedGet(ctx, "/fapi/v2/positionRisk", nil, acct)
	if err != nil {
		return nil, err
	}

	var payload []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode position risk payload: %w", err)
	}

	var open []PositionRisk
	for _, entry := range payload {
		amt, err := strconv.ParseFloat(entry.PositionAmt, 64)
		if err != nil || amt == 0 {
			continue
		}
		entryPrice, _ := strconv.ParseFloat(entry.EntryPrice, 64)
		pnl, _ := strconv.ParseFloat(entry.UnRealizedProfit, 64)
		open = append(open, PositionRisk{
			Symbol:           entry.Symbol,
			PositionAmt:      amt,
			EntryPrice:       entryPrice,
			UnrealizedProfit: pnl,
		})
	}
	return open, nil
}

// PositionFor returns the open position for symbol, or nil when flat.
func (c *Client) PositionFor(ctx context.Context, acct account.Account, symbol string) (*PositionRisk, error) {
	positions, err := c.OpenPositions(ctx, acct)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// MarkPrice returns the current ticker price for a symbol. Public endpoint.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", "symbol="+symbol, "")
	if err != nil {
		return 0, err
	}

	var payload struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("decode ticker payload: %w", err)
	}
	price, err := strconv.ParseFloat(payload.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ticker price %q: %w", payload.Price, err)
	}
	return price, nil
}

// ClosePrices returns the last `limit` kline close prices for a symbol at
// the given interval, oldest first. Public endpoint.
func (c *Client) ClosePrices(ctx context.Context, symbol, interval string, limit int) ([]float64, error) {
	query := fmt.Sprintf("symbol=%s&interval=%s&limit=%d", symbol, interval, limit)
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", query, "")
	if err != nil {
		return nil, err
	}

	// Klines arrive as arrays of mixed types; the close price is the fifth
	// field, encoded as a string.
	var klines [][]json.RawMessage
	if err := json.Unmarshal(body, &klines); err != nil {
		return nil, fmt.Errorf("decode klines payload: %w", err)
	}

	closes := make([]float64, 0, len(klines))
	for _, k := range klines {
		if len(k) < 5 {
			return nil, errors.New("kline entry has no close field")
		}
		var closeStr string
		if err := json.Unmarshal(k[4], &closeStr); err != nil {
			return nil, fmt.Errorf("decode kline close: %w", err)
		}
		closePrice, err := strconv.ParseFloat(closeStr, 64)
		if err != nil {
			return nil, fmt.Errorf("parse kline close %q: %w", closeStr, err)
		}
		closes = append(closes, closePrice)
	}
	return closes, nil
}

// OrderRequest describes one futures order. Quantity must already be
// normalized to the symbol's step size.
type OrderRequest struct {
	Symbol     string
	Side       string
	Type       string
	Quantity   string
	ReduceOnly bool
}

// OrderResponse is the acknowledgement returned by the order endpoint.
type OrderResponse struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
}

// PlaceOrder submits a signed order. Parameter order matches what gets
// signed: symbol, side, type, quantity, reduceOnly, then timestamp with the
// signature appended last.
func (c *Client) PlaceOrder(ctx context.Context, acct account.Account, order OrderRequest) (*OrderResponse, error) {
	params := Params{}.
		With("symbol", order.Symbol).
		With("side", order.Side).
		With("type", order.Type).
		With("quantity", order.Quantity).
		With("reduceOnly", strconv.FormatBool(order.ReduceOnly))

	body, err := c.signedPost(ctx, "/fapi/v1/order", params, acct)
	if err != nil {
		return nil, err
	}

	resp := &OrderResponse{}
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	return resp, nil
}

// CreateListenKey requests a user data stream session token. Authenticated
// by API key header only, no signature.
func (c *Client) CreateListenKey(ctx context.Context, acct account.Account) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "/fapi/v1/listenKey", "", acct.APIKey)
	if err != nil {
		return "", err
	}

	var payload struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode listen key payload: %w", err)
	}
	if payload.ListenKey == "" {
		return "", errors.New("exchange returned an empty listen key")
	}
	return payload.ListenKey, nil
}

// KeepAliveListenKey renews the account's stream session token. The
// exchange expires the token roughly an hour after the last renewal.
func (c *Client) KeepAliveListenKey(ctx context.Context, acct account.Account) error {
	_, err := c.do(ctx, http.MethodPut, "/fapi/v1/listenKey", "", acct.APIKey)
	return err
}

// SetLeverage applies the leverage multiplier for a symbol.
func (c *Client) SetLeverage(ctx context.Context, acct account.Account, symbol string, leverage int) error {
	params := Params{}.
		With("symbol", symbol).
		With("leverage", strconv.Itoa(leverage)).
		With("recvWindow", strconv.Itoa(c.config.RecvWindow))
	_, err := c.signedPost(ctx, "/fapi/v1/leverage", params, acct)
	return err
}

// SetMarginType switches a symbol's margin mode (ISOLATED or CROSSED). The
// exchange rejects a no-op switch with code -4046; that is not an error
// worth surfacing.
func (c *Client) SetMarginType(ctx context.Context, acct account.Account, symbol, marginType string) error {
	params := Params{}.
		With("symbol", symbol).
		With("marginType", marginType).
		With("recvWindow", strconv.Itoa(c.config.RecvWindow))
	_, err := c.signedPost(ctx, "/fapi/v1/marginType", params, acct)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == -4046 {
		return nil
	}
	return err
}
